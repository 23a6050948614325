package encoding

import "testing"

func TestToUTF8(t *testing.T) {
	tests := []struct {
		name        string
		body        []byte
		contentType string
		want        string
	}{
		{"no charset", []byte(`{"a":"b"}`), "application/json", `{"a":"b"}`},
		{"utf-8 declared", []byte("café"), "application/json; charset=UTF-8", "café"},
		{"windows-1252", []byte{'c', 'a', 'f', 0xe9}, "application/json; charset=windows-1252", "café"},
		{"latin1 alias", []byte{'S', 0xe3, 'o'}, "text/plain; charset=ISO-8859-1", "São"},
		{"unknown label falls back to 1252", []byte{0x80}, "text/plain; charset=x-made-up", "€"},
		{"empty body", nil, "text/plain; charset=windows-1252", ""},
		{"malformed content type", []byte("raw"), ";;;", "raw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(ToUTF8(tt.body, tt.contentType)); got != tt.want {
				t.Errorf("ToUTF8() = %q, want %q", got, tt.want)
			}
		})
	}
}
