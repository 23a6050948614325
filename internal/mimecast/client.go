package mimecast

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Guizzs26/go-siem-sync/pkg/encoding"
)

const (
	HeaderToken          = "mc-siem-token"
	HeaderRateLimitReset = "X-RateLimit-Reset"

	// StreamType is the only log category requested
	StreamType = "MTA"

	// TerminalContentType marks a non-paginated payload: the stream has nothing more to hand out
	TerminalContentType = "application/json"

	DefaultTimeout = 10 * time.Minute

	maxBodySize = 512 << 20
)

// Page is one response of the SIEM log stream, already classified into its raw parts
type Page struct {
	StatusCode     int
	ContentType    string
	Token          string
	RateLimitReset time.Duration
	Body           []byte

	// Parsed is false when the body was absent or not a JSON document
	Parsed      bool
	IsLastToken bool
	Events      []json.RawMessage
}

// IsTerminal reports whether a 200 response carries the end-of-stream media type.
// Error and throttling bodies share that media type and are never terminal
func (p *Page) IsTerminal() bool {
	if p.StatusCode != http.StatusOK {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(p.ContentType)
	if err != nil {
		return false
	}
	return strings.EqualFold(mediaType, TerminalContentType)
}

type pageRequest struct {
	Data []pageRequestItem `json:"data"`
}

type pageRequestItem struct {
	Type       string `json:"type"`
	Token      string `json:"token"`
	FileFormat string `json:"fileFormat"`
	Compress   bool   `json:"compress"`
}

type pageResponse struct {
	Meta struct {
		IsLastToken bool `json:"isLastToken"`
		Status      int  `json:"status"`
	} `json:"meta"`
	Data []json.RawMessage `json:"data"`
}

// Client issues signed get-siem-logs calls
type Client struct {
	httpClient *http.Client
	signer     *Signer
	baseURL    string
	uri        string
	logger     *slog.Logger
}

func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

func NewClient(httpClient *http.Client, signer *Signer, baseURL, uri string, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultTimeout)
	}
	return &Client{
		httpClient: httpClient,
		signer:     signer,
		baseURL:    strings.TrimRight(baseURL, "/"),
		uri:        uri,
		logger:     logger,
	}
}

// FetchPage requests the page that follows token. An empty token starts the stream.
// Non-2xx statuses are returned as a Page, not as an error; only transport and signing failures are errors
func (c *Client) FetchPage(ctx context.Context, token string) (*Page, error) {
	headers, err := c.signer.Sign(c.uri)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(pageRequest{
		Data: []pageRequestItem{{
			Type:       StreamType,
			Token:      token,
			FileFormat: "json",
			Compress:   false,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode page request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.uri, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = headers

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("siem request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read siem response: %w", err)
	}

	page := &Page{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Token:       resp.Header.Get(HeaderToken),
		Body:        encoding.ToUTF8(raw, resp.Header.Get("Content-Type")),
	}
	page.RateLimitReset = parseRateLimitReset(resp.Header.Get(HeaderRateLimitReset))

	if resp.StatusCode == http.StatusOK {
		c.decode(page)
	}

	c.logger.Debug("SIEM page received",
		"status", page.StatusCode,
		"content_type", page.ContentType,
		"events", len(page.Events),
		"has_token", page.Token != "",
	)

	return page, nil
}

func (c *Client) decode(page *Page) {
	if len(bytes.TrimSpace(page.Body)) == 0 {
		return
	}
	var pr pageResponse
	if err := json.Unmarshal(page.Body, &pr); err != nil {
		c.logger.Warn("SIEM page body is not valid JSON", "error", err, "bytes", len(page.Body))
		return
	}
	page.Parsed = true
	page.IsLastToken = pr.Meta.IsLastToken
	page.Events = pr.Data
}

// parseRateLimitReset reads X-RateLimit-Reset, which Mimecast sends in milliseconds
func parseRateLimitReset(v string) time.Duration {
	if v == "" {
		return 0
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
