package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReadingsReceived counts inbound readings by source (bus, modbus, http)
	ReadingsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_readings_received_total",
			Help: "Total number of readings received",
		},
		[]string{"source"},
	)

	// ReadingsRejected counts readings dropped before persistence
	ReadingsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_readings_rejected_total",
			Help: "Total number of readings rejected, by reason",
		},
		[]string{"reason"},
	)

	IngestLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_ingest_latency_seconds",
			Help:    "Time spent routing one reading through the pipeline",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_alerts_raised_total",
			Help: "Total number of alerts raised",
		},
		[]string{"type", "severity"},
	)

	// PollErrors counts failed register reads and dials per endpoint
	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_poll_errors_total",
			Help: "Total number of register polling failures",
		},
		[]string{"endpoint", "stage"},
	)

	ActivePollers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_pollers",
			Help: "Number of running polling tasks",
		},
	)

	// FanoutDropped counts live events dropped because the hub queue was full
	FanoutDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_fanout_dropped_total",
			Help: "Live events dropped by the fan-out hub",
		},
		[]string{"event"},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_websocket_clients",
			Help: "Number of connected websocket clients",
		},
	)

	DowntimeClamped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_downtime_negative_duration_total",
			Help: "Downtime resolutions whose end preceded their start",
		},
	)

	// HTTPRequests counts API requests by route pattern and status
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)
