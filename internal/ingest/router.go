// Package ingest routes readings from every input source through the same
// validate, register, persist, evaluate and publish pipeline.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"iiot-gateway/internal/anomaly"
	"iiot-gateway/internal/apperr"
	"iiot-gateway/internal/data"
	"iiot-gateway/internal/keylock"
	"iiot-gateway/internal/metrics"
	"iiot-gateway/internal/notify"
	"iiot-gateway/internal/registry"
	"iiot-gateway/internal/storage"
)

// Machines records machine state.
type Machines interface {
	Upsert(ctx context.Context, id string, status data.MachineStatus, eventTime time.Time) (data.Machine, registry.Transition, error)
}

// Alerts persists and publishes raised alerts.
type Alerts interface {
	ProcessAlerts(ctx context.Context, alerts []data.Alert) error
}

// Transitions reacts to machine status changes.
type Transitions interface {
	HandleStatusTransition(ctx context.Context, machineID string, prev, next data.MachineStatus, at time.Time) error
}

type Router struct {
	machines    Machines
	readings    storage.ReadingStore
	detector    *anomaly.Detector
	alerts      Alerts
	transitions Transitions
	sink        notify.Sink
	tracker     *metrics.Tracker
	logger      *slog.Logger
	now         func() time.Time
	locks       keylock.Map
}

type Config struct {
	Machines    Machines
	Readings    storage.ReadingStore
	Detector    *anomaly.Detector
	Alerts      Alerts
	Transitions Transitions // optional
	Sink        notify.Sink
	Tracker     *metrics.Tracker // optional
	Logger      *slog.Logger
}

func NewRouter(cfg Config) *Router {
	r := &Router{
		machines:    cfg.Machines,
		readings:    cfg.Readings,
		detector:    cfg.Detector,
		alerts:      cfg.Alerts,
		transitions: cfg.Transitions,
		sink:        cfg.Sink,
		tracker:     cfg.Tracker,
		logger:      cfg.Logger,
		now:         time.Now,
	}
	if r.detector == nil {
		r.detector = anomaly.NewDetector()
	}
	if r.sink == nil {
		r.sink = notify.Discard{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "ingest")
	return r
}

// HandlePayload decodes a bus or HTTP payload and ingests it.
func (r *Router) HandlePayload(ctx context.Context, payload []byte, contentType, source string) error {
	raw, err := data.DecodeRaw(payload, contentType)
	if err != nil {
		metrics.ReadingsReceived.WithLabelValues(source).Inc()
		r.reject(err, source, "")
		return err
	}
	raw.Source = source
	return r.Ingest(ctx, raw)
}

// Ingest runs one reading through the pipeline. Readings for the same
// machine are processed one at a time; other machines proceed in parallel.
func (r *Router) Ingest(ctx context.Context, raw data.RawReading) error {
	start := r.now()
	metrics.ReadingsReceived.WithLabelValues(raw.Source).Inc()

	reading, err := data.Normalize(raw)
	if err != nil {
		r.reject(err, raw.Source, raw.MachineID)
		return err
	}

	unlock := r.locks.Lock(reading.MachineID)
	defer unlock()

	_, tr, err := r.machines.Upsert(ctx, reading.MachineID, reading.Status, reading.Timestamp)
	if err != nil {
		return r.fail(err, reading, "upsert machine")
	}

	reading.ID = uuid.NewString()
	reading.IngestedAt = r.now()
	stored := reading.Rounded()
	if err := r.readings.AddReading(ctx, stored); err != nil {
		return r.fail(err, reading, "persist reading")
	}

	// limits apply to the measured values, not the stored precision
	if alerts := r.detector.Check(reading); len(alerts) > 0 {
		if err := r.alerts.ProcessAlerts(ctx, alerts); err != nil {
			return r.fail(err, reading, "process alerts")
		}
	}

	r.sink.PublishReading(stored)

	if r.transitions != nil && tr.Changed() {
		if err := r.transitions.HandleStatusTransition(ctx, reading.MachineID, tr.Previous, tr.Current, reading.Timestamp); err != nil {
			// the reading itself is stored; only the derived downtime is missing
			r.logger.Error("status transition not recorded",
				"machine_id", reading.MachineID,
				"from", tr.Previous,
				"to", tr.Current,
				"error", err)
		}
	}

	elapsed := r.now().Sub(start)
	metrics.IngestLatency.Observe(elapsed.Seconds())
	if r.tracker != nil {
		r.tracker.Record(elapsed)
	}
	r.logger.Debug("reading ingested",
		"machine_id", reading.MachineID,
		"source", reading.Source,
		"temperature", stored.Temperature,
		"pressure", stored.Pressure,
		"status", reading.Status)
	return nil
}

func (r *Router) reject(err error, source, machineID string) {
	metrics.ReadingsRejected.WithLabelValues("invalid").Inc()
	r.logger.Warn("dropping invalid reading", "source", source, "machine_id", machineID, "error", err)
}

func (r *Router) fail(err error, reading data.Reading, stage string) error {
	metrics.ReadingsRejected.WithLabelValues("persistence").Inc()
	r.logger.Error("reading not ingested",
		"machine_id", reading.MachineID,
		"stage", stage,
		"error", err)
	return apperr.Persistence("ingest.Ingest", err)
}
