// Package geo resolves source IP addresses to a location group using a local IP2Location BIN database
package geo

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/netip"
	"strconv"
	"strings"

	"github.com/ip2location/ip2location-go/v9"

	"github.com/Guizzs26/go-siem-sync/internal/models"
	"github.com/Guizzs26/go-siem-sync/pkg/metrics"
)

// ErrDatabase marks failures of the geolocation database itself (open or read)
var ErrDatabase = errors.New("geolocation database error")

// ip2location fills fields that the BIN file does not carry with this message
const unavailableField = "This parameter is unavailable"

// Messages ip2location puts in every string field, with a nil error, when it
// has no record for the address. Coordinates are left at zero in that case
var placeholderMessages = map[string]bool{
	"Invalid IP address.":    true,
	"Invalid database file.": true,
	"This parameter is unavailable for selected data file. Please upgrade the data file.": true,
	// LITE databases mark reserved and unassigned ranges with a dash
	"-": true,
}

// RecordSource is the subset of the ip2location reader the enricher needs
type RecordSource interface {
	Get_all(ipaddress string) (ip2location.IP2Locationrecord, error)
}

// Enricher looks up IPs in one opened database. It is not safe to reuse after Close
type Enricher struct {
	src     RecordSource
	release func()
}

// Open opens the BIN file read-only. The caller owns the handle and must Close it
func Open(path string) (*Enricher, error) {
	db, err := ip2location.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrDatabase, path, err)
	}
	return &Enricher{src: db, release: func() { db.Close() }}, nil
}

// NewEnricher wraps an already opened record source
func NewEnricher(src RecordSource) *Enricher {
	return &Enricher{src: src}
}

// Locate returns the location group for ipAddress, or nil when the address is invalid
// or the database has no usable coordinates for it. Lookup failures are returned as errors
func (e *Enricher) Locate(ipAddress string) (*models.Location, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ipAddress))
	if err != nil {
		metrics.GeoLookups.WithLabelValues("invalid").Inc()
		return nil, nil
	}
	addr = addr.Unmap()

	rec, err := e.src.Get_all(addr.String())
	if err != nil {
		metrics.GeoLookups.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: lookup %s: %w", ErrDatabase, addr, err)
	}

	if code := strings.TrimSpace(rec.Country_short); code == "" || placeholderMessages[code] {
		metrics.GeoLookups.WithLabelValues("empty").Inc()
		return nil, nil
	}

	lat, lon := widen(rec.Latitude), widen(rec.Longitude)
	if !isFinite(lat) || !isFinite(lon) {
		metrics.GeoLookups.WithLabelValues("empty").Inc()
		return nil, nil
	}

	metrics.GeoLookups.WithLabelValues("found").Inc()
	return &models.Location{
		IPNumber:    ipNumber(addr),
		CountryCode: clean(rec.Country_short),
		Country:     clean(rec.Country_long),
		Region:      clean(rec.Region),
		City:        clean(rec.City),
		Latitude:    lat,
		Longitude:   lon,
	}, nil
}

// Close releases the database handle. Safe to call more than once
func (e *Enricher) Close() error {
	if e.release != nil {
		e.release()
		e.release = nil
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// widen converts without exposing float32 noise, so 37.40599 stays 37.40599
func widen(f float32) float64 {
	v, err := strconv.ParseFloat(strconv.FormatFloat(float64(f), 'f', -1, 32), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func clean(v string) string {
	if strings.HasPrefix(v, unavailableField) {
		return ""
	}
	return v
}

// ipNumber is the decimal form of the address, as IP2Location indexes it
func ipNumber(addr netip.Addr) string {
	b := addr.AsSlice()
	return new(big.Int).SetBytes(b).String()
}
