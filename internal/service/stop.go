package service

import (
	"bytes"
	"net/http"

	"github.com/Guizzs26/go-siem-sync/internal/mimecast"
)

// StopReason says why the pagination loop ended. The empty value means keep going
type StopReason string

const (
	Continue          StopReason = ""
	StopNoMoreLogs    StopReason = "no_more_logs"
	StopRateLimited   StopReason = "rate_limited"
	StopHTTPError     StopReason = "http_error"
	StopLastToken     StopReason = "last_token"
	StopMalformedBody StopReason = "malformed_body"
	StopStalled       StopReason = "stalled"
	StopPageLimit     StopReason = "page_limit"
)

// Failed reports whether the stop leaves the run without the progress it asked for.
// Rate limiting is not a failure: the next scheduled run picks up from the cursor
func (r StopReason) Failed() bool {
	return r == StopHTTPError || r == StopMalformedBody
}

// classify applies the stop rules in fixed priority; the first match wins.
// A 429 can also lack every pagination hint, so it has to be tested before the exhaustion checks
func classify(p *mimecast.Page, tokenChanged bool) StopReason {
	switch {
	case p.IsTerminal():
		return StopNoMoreLogs
	case p.StatusCode == http.StatusTooManyRequests:
		return StopRateLimited
	case p.StatusCode != http.StatusOK:
		return StopHTTPError
	case len(bytes.TrimSpace(p.Body)) == 0:
		return StopLastToken
	case !p.Parsed:
		return StopMalformedBody
	case p.IsLastToken:
		return StopLastToken
	case len(p.Events) == 0 && !tokenChanged:
		return StopStalled
	default:
		return Continue
	}
}
