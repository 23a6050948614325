package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Location is the geolocation group attached to an event. It is stored whole or not at all
type Location struct {
	IPNumber    string  `json:"ipNumber"`
	CountryCode string  `json:"countryCode"`
	Country     string  `json:"country"`
	Region      string  `json:"region"`
	City        string  `json:"city"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// Event is one SIEM record as returned by the API plus the fields added during sync
type Event struct {
	ProcessingDate time.Time       `json:"processingDate"`
	Datetime       time.Time       `json:"datetime"`
	SourceIP       string          `json:"ip,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Location       *Location       `json:"location,omitempty"`
}

// Enriched reports whether the event carries a geolocation group
func (e *Event) Enriched() bool {
	return e.Location != nil
}

// Cursor is the opaque pagination token handed out by the API
type Cursor string

// RunRecord is the outcome row written once per invocation
type RunRecord struct {
	ServiceType    string    `json:"serviceType"`
	ProcessingDate time.Time `json:"processingDate"`
	IsSuccess      bool      `json:"isSuccess"`
	Response       string    `json:"response"`
}
