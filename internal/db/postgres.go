package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Guizzs26/go-siem-sync/internal/models"
)

// DefaultIntegration is the key of the single cursor row
const DefaultIntegration = "mimecast"

const schema = `
CREATE TABLE IF NOT EXISTS siem_cursor (
	integration TEXT PRIMARY KEY,
	token       TEXT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS siem_events (
	id              BIGSERIAL PRIMARY KEY,
	processing_date TIMESTAMPTZ NOT NULL,
	event_time      TIMESTAMPTZ NOT NULL,
	source_ip       TEXT,
	payload         JSONB NOT NULL,
	ip_number       TEXT,
	country_code    TEXT,
	country         TEXT,
	region          TEXT,
	city            TEXT,
	latitude        DOUBLE PRECISION,
	longitude       DOUBLE PRECISION,
	CONSTRAINT siem_events_location_group CHECK (
		(latitude IS NULL AND longitude IS NULL AND country_code IS NULL)
		OR (latitude IS NOT NULL AND longitude IS NOT NULL AND country_code IS NOT NULL)
	)
);

CREATE INDEX IF NOT EXISTS idx_siem_events_event_time ON siem_events (event_time);

CREATE TABLE IF NOT EXISTS siem_runs (
	id              BIGSERIAL PRIMARY KEY,
	service_type    TEXT NOT NULL,
	processing_date TIMESTAMPTZ NOT NULL,
	is_success      BOOLEAN NOT NULL,
	response        TEXT NOT NULL
);
`

// PostgresRepository stores the cursor, events and run records in Postgres
type PostgresRepository struct {
	pool        *pgxpool.Pool
	integration string
	logger      *slog.Logger
}

func NewPostgresRepository(ctx context.Context, connString string, logger *slog.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	logger.Info("Connected to Postgres successfully")

	return &PostgresRepository{pool: p, integration: DefaultIntegration, logger: logger}, nil
}

// EnsureSchema creates the tables if they do not exist yet
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// GetCursor returns the stored token. found is false when no run has persisted one yet
func (r *PostgresRepository) GetCursor(ctx context.Context) (models.Cursor, bool, error) {
	var token string
	err := r.pool.QueryRow(ctx,
		`SELECT token FROM siem_cursor WHERE integration = $1`,
		r.integration,
	).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read cursor: %w", err)
	}
	return models.Cursor(token), true, nil
}

// SetCursor upserts the single cursor row
func (r *PostgresRepository) SetCursor(ctx context.Context, c models.Cursor) error {
	query := `
		INSERT INTO siem_cursor (integration, token, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (integration)
		DO UPDATE SET token = EXCLUDED.token, updated_at = CURRENT_TIMESTAMP
	`
	if _, err := r.pool.Exec(ctx, query, r.integration, string(c)); err != nil {
		return fmt.Errorf("failed to upsert cursor: %w", err)
	}
	return nil
}

// AppendEvent inserts one event. Each call commits on its own
func (r *PostgresRepository) AppendEvent(ctx context.Context, e *models.Event) error {
	var (
		ipNumber, countryCode, country, region, city *string
		latitude, longitude                          *float64
	)
	if loc := e.Location; loc != nil {
		ipNumber, countryCode, country = &loc.IPNumber, &loc.CountryCode, &loc.Country
		region, city = &loc.Region, &loc.City
		latitude, longitude = &loc.Latitude, &loc.Longitude
	}

	var sourceIP *string
	if e.SourceIP != "" {
		sourceIP = &e.SourceIP
	}

	query := `
		INSERT INTO siem_events (
			processing_date, event_time, source_ip, payload,
			ip_number, country_code, country, region, city, latitude, longitude
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.pool.Exec(ctx, query,
		e.ProcessingDate, e.Datetime, sourceIP, []byte(e.Payload),
		ipNumber, countryCode, country, region, city, latitude, longitude,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// RecordRun writes the outcome row of one invocation
func (r *PostgresRepository) RecordRun(ctx context.Context, rec models.RunRecord) error {
	query := `
		INSERT INTO siem_runs (service_type, processing_date, is_success, response)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.pool.Exec(ctx, query, rec.ServiceType, rec.ProcessingDate, rec.IsSuccess, rec.Response)
	if err != nil {
		return fmt.Errorf("failed to insert run record: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	r.logger.Info("Closing Postgres connection pool")
	r.pool.Close()
	return nil
}
