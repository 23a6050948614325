package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Guizzs26/go-siem-sync/internal/models"
)

// datetime layouts seen in MTA logs, most specific first
var eventTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
}

type eventHeader struct {
	IP       string `json:"IP"`
	Datetime string `json:"datetime"`
}

// newEvent wraps one raw vendor record. The record must be a JSON object
func newEvent(raw json.RawMessage, processingDate time.Time) (*models.Event, error) {
	var h eventHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	ts, err := parseEventTime(h.Datetime, processingDate)
	if err != nil {
		return nil, err
	}

	return &models.Event{
		ProcessingDate: processingDate,
		Datetime:       ts,
		SourceIP:       strings.TrimSpace(h.IP),
		Payload:        raw,
	}, nil
}

// parseEventTime normalizes the vendor timestamp to UTC. A missing value falls back to the run's processing time
func parseEventTime(v string, fallback time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback.UTC(), nil
	}
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized event datetime %q", v)
}
