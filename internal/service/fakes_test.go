package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"github.com/Guizzs26/go-siem-sync/internal/mimecast"
	"github.com/Guizzs26/go-siem-sync/internal/models"
)

type memCursorStore struct {
	mu      sync.Mutex
	token   models.Cursor
	found   bool
	sets    []models.Cursor
	readErr error
}

func (m *memCursorStore) GetCursor(ctx context.Context) (models.Cursor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return "", false, m.readErr
	}
	return m.token, m.found, nil
}

func (m *memCursorStore) SetCursor(ctx context.Context, c models.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.found = c, true
	m.sets = append(m.sets, c)
	return nil
}

type memSink struct {
	events []*models.Event
	// failAt makes the n-th call (1-based) fail; zero disables
	failAt int
	calls  int
}

func (m *memSink) AppendEvent(ctx context.Context, e *models.Event) error {
	m.calls++
	if m.failAt > 0 && m.calls == m.failAt {
		return errors.New("disk full")
	}
	m.events = append(m.events, e)
	return nil
}

type fakeLocator struct {
	locations map[string]*models.Location
	err       error
	closed    int
}

func (f *fakeLocator) Locate(ip string) (*models.Location, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.locations[ip], nil
}

func (f *fakeLocator) Close() error {
	f.closed++
	return nil
}

func (f *fakeLocator) opener() LocatorOpener {
	return func() (Locator, error) { return f, nil }
}

type memRecorder struct {
	records []models.RunRecord
}

func (m *memRecorder) RecordRun(ctx context.Context, rec models.RunRecord) error {
	m.records = append(m.records, rec)
	return nil
}

// scriptedResponse is one canned API reply
type scriptedResponse struct {
	status      int
	contentType string
	token       string
	body        string
}

type fakeAPI struct {
	t         *testing.T
	mu        sync.Mutex
	responses []scriptedResponse
	tokens    []string
}

func newFakeAPI(t *testing.T, responses ...scriptedResponse) (*fakeAPI, *httptest.Server) {
	api := &fakeAPI{t: t, responses: responses}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	return api, server
}

func (a *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var req struct {
		Data []struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Data) != 1 {
		a.t.Errorf("bad request body: %v", err)
	}
	if len(req.Data) == 1 {
		a.tokens = append(a.tokens, req.Data[0].Token)
	}

	if len(a.responses) == 0 {
		a.t.Errorf("unexpected extra request #%d", len(a.tokens))
		w.WriteHeader(http.StatusTeapot)
		return
	}
	resp := a.responses[0]
	a.responses = a.responses[1:]

	if resp.contentType != "" {
		w.Header().Set("Content-Type", resp.contentType)
	}
	if resp.token != "" {
		w.Header().Set(mimecast.HeaderToken, resp.token)
	}
	w.WriteHeader(resp.status)
	io.WriteString(w, resp.body)
}

func (a *fakeAPI) requestedTokens() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.tokens...)
}

func testCredentials() mimecast.Credentials {
	return mimecast.Credentials{
		SecretKey:      base64.StdEncoding.EncodeToString([]byte("secret")),
		AccessKey:      "access",
		ApplicationKey: "app-key",
		ApplicationID:  "app-id",
	}
}

func newTestFetcher(server *httptest.Server, creds mimecast.Credentials, logger *slog.Logger) *mimecast.Client {
	return mimecast.NewClient(server.Client(), mimecast.NewSigner(creds), server.URL, "/api/audit/get-siem-logs", logger)
}

func newBufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const pagedContentType = "application/octet-stream"
