package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PagesFetched counts SIEM pages received, labelled by HTTP status code
	PagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siem_pages_fetched_total",
		Help: "Total number of SIEM log pages received from the remote API",
	}, []string{"status"})

	// EventsStored tracks the throughput of the sink
	// enriched=true when a location group was attached
	EventsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siem_events_stored_total",
		Help: "Total number of SIEM events persisted",
	}, []string{"enriched"})

	// StopReasons records why each run left the pagination loop
	// A growing rate_limited count means the schedule is too aggressive for the API quota
	StopReasons = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siem_stop_reasons_total",
		Help: "Number of pagination loops ended, by stop reason",
	}, []string{"reason"})

	// CursorAdvances counts persisted token changes
	CursorAdvances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "siem_cursor_advances_total",
		Help: "Total number of times a new pagination token was persisted",
	})

	// RunsTotal counts invocations by outcome (success/failure)
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siem_runs_total",
		Help: "Total number of sync runs, by outcome",
	}, []string{"status"})

	// RunDuration measures one invocation end to end. Large pages can take minutes to assemble remotely
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "siem_run_duration_seconds",
		Help:    "Duration of a sync run in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 300, 600, 1800},
	})

	// GeoLookups tracks enrichment results: found, empty, invalid, error
	GeoLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siem_geo_lookups_total",
		Help: "Number of geolocation lookups, by result",
	}, []string{"result"})

	// EventsPublished counts fan-out attempts by confirm result: acked, nacked, timeout, error
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siem_events_published_total",
		Help: "Number of events published to the fan-out exchange, by confirm result",
	}, []string{"result"})

	// BrokerHealth provides a binary 0/1 signal for the RabbitMQ fan-out link
	BrokerHealth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "siem_broker_healthy",
		Help: "Current health status of the event fan-out broker link (1 for healthy, 0 for unhealthy)",
	})
)
