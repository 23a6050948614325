package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Guizzs26/go-siem-sync/internal/mimecast"
	"github.com/Guizzs26/go-siem-sync/internal/models"
	"github.com/Guizzs26/go-siem-sync/pkg/metrics"
)

const (
	// DefaultMaxPages bounds one run against an endpoint that never signals the end
	DefaultMaxPages = 1000

	cursorFlushTimeout = 5 * time.Second
	maxDiagnosticBody  = 2048
)

// ErrEventProcessing wraps any failure while enriching or storing a single event
var ErrEventProcessing = errors.New("event processing failed")

// PageFetcher retrieves one page of the SIEM stream
type PageFetcher interface {
	FetchPage(ctx context.Context, token string) (*mimecast.Page, error)
}

// CursorStore holds the single resumption token
type CursorStore interface {
	GetCursor(ctx context.Context) (models.Cursor, bool, error)
	SetCursor(ctx context.Context, c models.Cursor) error
}

// EventSink persists normalized events, one commit per event
type EventSink interface {
	AppendEvent(ctx context.Context, e *models.Event) error
}

// Locator resolves an IP to a location group; nil means no usable location
type Locator interface {
	Locate(ipAddress string) (*models.Location, error)
	Close() error
}

// LocatorOpener opens the geolocation database for the duration of one run
type LocatorOpener func() (Locator, error)

// Outcome summarizes how a run left the pagination loop
type Outcome struct {
	Reason         StopReason
	Pages          int
	Events         int
	Cursor         models.Cursor
	StatusCode     int
	Body           string
	RateLimitReset time.Duration
}

// SyncService is the pagination engine: fetch, enrich, persist, advance the cursor, decide
type SyncService struct {
	fetcher     PageFetcher
	cursors     CursorStore
	sink        EventSink
	openLocator LocatorOpener
	maxPages    int
	logger      *slog.Logger
}

func NewSyncService(f PageFetcher, c CursorStore, s EventSink, open LocatorOpener, maxPages int, l *slog.Logger) *SyncService {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &SyncService{
		fetcher:     f,
		cursors:     c,
		sink:        s,
		openLocator: open,
		maxPages:    maxPages,
		logger:      l,
	}
}

// Run pages through the stream until a stop rule fires or an error occurs.
// Whatever the exit path, the last known cursor is written back before Run returns
func (s *SyncService) Run(ctx context.Context, processingDate time.Time) (out Outcome, err error) {
	locator, err := s.openLocator()
	if err != nil {
		return out, fmt.Errorf("open geolocation database: %w", err)
	}
	defer func() {
		if cerr := locator.Close(); cerr != nil {
			s.logger.Warn("Failed to release geolocation database", "error", cerr)
		}
	}()

	cursor, found, err := s.cursors.GetCursor(ctx)
	if err != nil {
		return out, fmt.Errorf("load cursor: %w", err)
	}
	out.Cursor = cursor
	s.logger.Info("Starting SIEM pagination", "resume", found, "cursor", shortToken(cursor))

	defer func() {
		out.Cursor = cursor
		if cursor == "" {
			return
		}
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cursorFlushTimeout)
		defer cancel()
		if ferr := s.cursors.SetCursor(flushCtx, cursor); ferr != nil {
			s.logger.Error("CRITICAL: Failed to persist cursor on exit", "cursor", shortToken(cursor), "error", ferr)
			if err == nil {
				err = fmt.Errorf("persist cursor on exit: %w", ferr)
			}
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("Shutdown signal received. Leaving pagination loop.", "pages", out.Pages)
			return out, err
		}

		if out.Pages >= s.maxPages {
			out.Reason = StopPageLimit
			metrics.StopReasons.WithLabelValues(string(out.Reason)).Inc()
			s.logger.Warn("Page limit reached for this run", "max_pages", s.maxPages)
			return out, nil
		}

		page, err := s.fetcher.FetchPage(ctx, string(cursor))
		if err != nil {
			return out, fmt.Errorf("fetch page %d: %w", out.Pages+1, err)
		}
		out.Pages++
		out.StatusCode = page.StatusCode
		metrics.PagesFetched.WithLabelValues(strconv.Itoa(page.StatusCode)).Inc()

		stored, err := s.storePage(ctx, locator, page, processingDate)
		out.Events += stored
		if err != nil {
			return out, err
		}

		tokenChanged := false
		if page.Token != "" {
			next := models.Cursor(page.Token)
			tokenChanged = next != cursor
			cursor = next
			if err := s.cursors.SetCursor(ctx, cursor); err != nil {
				return out, fmt.Errorf("persist cursor: %w", err)
			}
			if tokenChanged {
				metrics.CursorAdvances.Inc()
			}
		}

		out.Reason = classify(page, tokenChanged)
		if out.Reason == Continue {
			continue
		}

		metrics.StopReasons.WithLabelValues(string(out.Reason)).Inc()
		s.logStop(&out, page)
		return out, nil
	}
}

func (s *SyncService) storePage(ctx context.Context, locator Locator, page *mimecast.Page, processingDate time.Time) (int, error) {
	stored := 0
	for i, raw := range page.Events {
		e, err := newEvent(raw, processingDate)
		if err != nil {
			return stored, fmt.Errorf("%w: event %d: %w", ErrEventProcessing, i, err)
		}

		if e.SourceIP != "" {
			loc, err := locator.Locate(e.SourceIP)
			if err != nil {
				return stored, fmt.Errorf("%w: enrich event %d (%s): %w", ErrEventProcessing, i, e.SourceIP, err)
			}
			e.Location = loc
		}

		if err := s.sink.AppendEvent(ctx, e); err != nil {
			return stored, fmt.Errorf("%w: store event %d: %w", ErrEventProcessing, i, err)
		}
		stored++
		metrics.EventsStored.WithLabelValues(strconv.FormatBool(e.Enriched())).Inc()
	}

	if stored > 0 {
		s.logger.Debug("Page persisted", "events", stored)
	}
	return stored, nil
}

func (s *SyncService) logStop(out *Outcome, page *mimecast.Page) {
	l := s.logger.With("reason", string(out.Reason), "pages", out.Pages, "events", out.Events)

	switch out.Reason {
	case StopNoMoreLogs:
		l.Info("No more logs available")
	case StopRateLimited:
		out.RateLimitReset = page.RateLimitReset
		l.Warn("Rate limit hit, deferring to next scheduled run", "retry_after", page.RateLimitReset)
	case StopHTTPError:
		out.Body = truncate(string(page.Body), maxDiagnosticBody)
		l.Error("SIEM request returned non-200 status", "status", page.StatusCode, "body", out.Body)
	case StopMalformedBody:
		out.Body = truncate(string(page.Body), maxDiagnosticBody)
		l.Error("SIEM page body could not be decoded", "status", page.StatusCode, "body", out.Body)
	case StopLastToken:
		l.Info("Request returned the last token, cannot continue")
	case StopStalled:
		l.Warn("Page carried no events and no new token, stopping")
	}
}

// shortToken keeps tokens out of logs in full
func shortToken(c models.Cursor) string {
	if len(c) <= 12 {
		return string(c)
	}
	return string(c[:12]) + "..."
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
