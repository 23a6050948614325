package mimecast

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderAppID     = "x-mc-app-id"
	HeaderDate      = "x-mc-date"
	HeaderRequestID = "x-mc-req-id"

	signatureDelimiter = ":"
)

// ConfigurationError reports a missing or unusable signing input. It is returned before any signing work
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("mimecast configuration: %s is required", e.Field)
	}
	return fmt.Sprintf("mimecast configuration: %s %s", e.Field, e.Reason)
}

// Credentials is the key tuple issued for a Mimecast API application
type Credentials struct {
	SecretKey      string
	AccessKey      string
	ApplicationKey string
	ApplicationID  string
}

// Signer builds the per-request authentication headers
type Signer struct {
	creds Credentials
	now   func() time.Time
	newID func() string
}

type SignerOption func(*Signer)

// WithClock overrides the time source used for the x-mc-date header
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// WithRequestIDs overrides the generator used for x-mc-req-id
func WithRequestIDs(newID func() string) SignerOption {
	return func(s *Signer) { s.newID = newID }
}

func NewSigner(creds Credentials, opts ...SignerOption) *Signer {
	s := &Signer{
		creds: creds,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign returns the header set for one request to uri. Every call uses a fresh date and request id
func (s *Signer) Sign(uri string) (http.Header, error) {
	if err := s.validate(uri); err != nil {
		return nil, err
	}

	key, err := base64.StdEncoding.DecodeString(s.creds.SecretKey)
	if err != nil {
		return nil, &ConfigurationError{Field: "secret key", Reason: "is not valid base64"}
	}

	date := s.now().UTC().Format(http.TimeFormat)
	requestID := s.newID()
	signature := computeSignature(key, date, requestID, uri, s.creds.ApplicationKey)

	h := make(http.Header)
	h.Set(HeaderAppID, s.creds.ApplicationID)
	h.Set(HeaderDate, date)
	h.Set(HeaderRequestID, requestID)
	h.Set("Authorization", "MC "+s.creds.AccessKey+":"+signature)
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "*/*")
	h.Set("Connection", "keep-alive")

	return h, nil
}

func (s *Signer) validate(uri string) error {
	required := []struct {
		name  string
		value string
	}{
		{"uri", uri},
		{"secret key", s.creds.SecretKey},
		{"access key", s.creds.AccessKey},
		{"application key", s.creds.ApplicationKey},
		{"application id", s.creds.ApplicationID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ConfigurationError{Field: r.name}
		}
	}
	return nil
}

// computeSignature is base64(HMAC-SHA1(key, date:requestID:uri:applicationKey))
func computeSignature(key []byte, date, requestID, uri, applicationKey string) string {
	data := strings.Join([]string{date, requestID, uri, applicationKey}, signatureDelimiter)
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
