package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MIMECAST_BASE_URL", "https://eu-api.mimecast.com")
	t.Setenv("SIEM_MAX_PAGES", "")
	t.Setenv("SIEM_REQUEST_TIMEOUT_MIN", "")

	cfg := Load()

	if cfg.Mimecast.BaseURL != "https://eu-api.mimecast.com" {
		t.Errorf("BaseURL = %q", cfg.Mimecast.BaseURL)
	}
	if cfg.Mimecast.RequestTimeout != 10*time.Minute {
		t.Errorf("RequestTimeout = %v, want 10m", cfg.Mimecast.RequestTimeout)
	}
	if cfg.Mimecast.MaxPages != 1000 {
		t.Errorf("MaxPages = %d, want 1000", cfg.Mimecast.MaxPages)
	}
}

func TestLoad_ClampsMaxPages(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"0", MinMaxPages},
		{"-5", MinMaxPages},
		{"250", 250},
		{"999999999", MaxMaxPages},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Setenv("SIEM_MAX_PAGES", tt.raw)
			if got := Load().Mimecast.MaxPages; got != tt.want {
				t.Errorf("MaxPages = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			StoreDriver: DriverBolt,
			BoltPath:    "data/test.db",
			GeoDBPath:   "geo.bin",
			Mimecast:    MimecastConfig{RequestTimeout: time.Minute},
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	unknown := base()
	unknown.StoreDriver = "mongo"
	if err := unknown.Validate(); err == nil {
		t.Error("expected error for unknown driver")
	}

	noDSN := base()
	noDSN.StoreDriver = DriverPostgres
	if err := noDSN.Validate(); err == nil {
		t.Error("expected error for postgres without DATABASE_URL")
	}

	noGeo := base()
	noGeo.GeoDBPath = ""
	if err := noGeo.Validate(); err == nil {
		t.Error("expected error for empty GEO_DB_PATH")
	}

	// credentials are checked at signing time, not here
	noCreds := base()
	noCreds.Mimecast.SecretKey = ""
	if err := noCreds.Validate(); err != nil {
		t.Errorf("missing credentials should not fail validation: %v", err)
	}
}
