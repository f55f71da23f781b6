// Package oee derives Overall Equipment Effectiveness from production runs,
// downtime events and quality defects, and owns writes to all three.
package oee

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"iiot-gateway/internal/apperr"
	"iiot-gateway/internal/data"
	"iiot-gateway/internal/keylock"
	"iiot-gateway/internal/metrics"
	"iiot-gateway/internal/notify"
	"iiot-gateway/internal/storage"
)

// Store is the subset of persistence the aggregator writes to.
type Store interface {
	storage.ProductionStore
	storage.DowntimeStore
	storage.DefectStore
}

// DefaultRefreshWindow is the trailing window of the OEE pushed after writes
// and the default window of an OEE query.
const DefaultRefreshWindow = 24 * time.Hour

type Aggregator struct {
	store         Store
	sink          notify.Sink
	logger        *slog.Logger
	now           func() time.Time
	newID         func() string
	refreshWindow time.Duration
	autoDowntime  bool

	// machines serializes read-then-write sequences per machine id.
	machines keylock.Map
}

type Option func(*Aggregator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithRefreshWindow sets the trailing window used for OEE pushed after writes.
func WithRefreshWindow(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.refreshWindow = d
		}
	}
}

// WithAutoDowntime toggles opening downtime events from machine status changes.
func WithAutoDowntime(enabled bool) Option {
	return func(a *Aggregator) { a.autoDowntime = enabled }
}

func New(store Store, sink notify.Sink, logger *slog.Logger, opts ...Option) *Aggregator {
	if sink == nil {
		sink = notify.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		store:         store,
		sink:          sink,
		logger:        logger.With("component", "oee"),
		now:           time.Now,
		newID:         uuid.NewString,
		refreshWindow: DefaultRefreshWindow,
		autoDowntime:  true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ComputeOEE aggregates everything recorded for a machine in [from, to].
// It only reads.
func (a *Aggregator) ComputeOEE(ctx context.Context, machineID string, from, to time.Time) (data.OEEResult, error) {
	const op = "oee.ComputeOEE"
	if machineID == "" {
		return data.OEEResult{}, apperr.InvalidEvent(op, "machineId is required")
	}
	if from.After(to) {
		return data.OEEResult{}, apperr.InvalidEvent(op, "from %s is after to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	window := storage.Query{MachineID: machineID, From: from, To: to}

	runs, err := a.store.ListProductionRuns(ctx, window)
	if err != nil {
		return data.OEEResult{}, apperr.Persistence(op, err)
	}
	downtime, err := a.store.ListDowntimeEvents(ctx, storage.DowntimeQuery{
		Query:         window,
		Status:        data.DowntimeResolved,
		StartedWithin: true,
	})
	if err != nil {
		return data.OEEResult{}, apperr.Persistence(op, err)
	}
	defects, err := a.store.ListDefects(ctx, window)
	if err != nil {
		return data.OEEResult{}, apperr.Persistence(op, err)
	}

	res := data.OEEResult{MachineID: machineID, From: from, To: to}
	for _, r := range runs {
		res.PlannedTime += r.PlannedTime
		res.OperatingTime += r.OperatingTime
		res.ActualProduction += r.ActualProduction
		res.GoodParts += r.GoodParts
	}
	for _, d := range downtime {
		if d.Duration != nil {
			res.DowntimeMinutes += *d.Duration
		}
	}
	for _, d := range defects {
		res.DefectiveParts += d.Quantity
	}
	res.TotalParts = res.ActualProduction

	rates := data.ComputeRates(res.PlannedTime, res.OperatingTime, res.ActualProduction, res.GoodParts)
	res.Availability = rates.Availability
	res.Performance = rates.Performance
	res.Quality = rates.Quality
	res.OEE = rates.OEE
	return res, nil
}

// refresh pushes the trailing-window OEE for a machine. Failures are only
// logged since the write that triggered it already succeeded.
func (a *Aggregator) refresh(ctx context.Context, machineID string) {
	now := a.now()
	res, err := a.ComputeOEE(ctx, machineID, now.Add(-a.refreshWindow), now)
	if err != nil {
		a.logger.Warn("oee refresh failed", "machine_id", machineID, "error", err)
		return
	}
	a.sink.PublishOEE(res)
}

// ProductionRunInput carries the fields supplied by an operator. Nil fields
// are left untouched when merging into an existing run.
type ProductionRunInput struct {
	MachineID         string          `json:"machineId"`
	StartTime         *time.Time      `json:"startTime,omitempty"`
	EndTime           *time.Time      `json:"endTime,omitempty"`
	PlannedProduction *int            `json:"plannedProduction,omitempty"`
	ActualProduction  *int            `json:"actualProduction,omitempty"`
	GoodParts         *int            `json:"goodParts,omitempty"`
	DefectiveParts    *int            `json:"defectiveParts,omitempty"`
	PlannedTime       *int            `json:"plannedTime,omitempty"`
	OperatingTime     *int            `json:"operatingTime,omitempty"`
	Downtime          *int            `json:"downtime,omitempty"`
	Status            *data.RunStatus `json:"status,omitempty"`
}

func (in ProductionRunInput) validate() error {
	const op = "oee.RecordProductionRun"
	if in.MachineID == "" {
		return apperr.InvalidEvent(op, "machineId is required")
	}
	counters := map[string]*int{
		"plannedProduction": in.PlannedProduction,
		"actualProduction":  in.ActualProduction,
		"goodParts":         in.GoodParts,
		"defectiveParts":    in.DefectiveParts,
		"plannedTime":       in.PlannedTime,
		"operatingTime":     in.OperatingTime,
		"downtime":          in.Downtime,
	}
	for name, v := range counters {
		if v != nil && *v < 0 {
			return apperr.InvalidEvent(op, "%s must not be negative", name)
		}
	}
	if in.Status != nil {
		switch *in.Status {
		case data.RunRunning, data.RunCompleted, data.RunCancelled:
		default:
			return apperr.InvalidEvent(op, "unknown run status %q", *in.Status)
		}
	}
	return nil
}

func (in ProductionRunInput) applyTo(r *data.ProductionRun) {
	if in.StartTime != nil {
		r.StartTime = *in.StartTime
	}
	if in.EndTime != nil {
		end := *in.EndTime
		r.EndTime = &end
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setInt(&r.PlannedProduction, in.PlannedProduction)
	setInt(&r.ActualProduction, in.ActualProduction)
	setInt(&r.GoodParts, in.GoodParts)
	setInt(&r.DefectiveParts, in.DefectiveParts)
	setInt(&r.PlannedTime, in.PlannedTime)
	setInt(&r.OperatingTime, in.OperatingTime)
	setInt(&r.Downtime, in.Downtime)
	if in.Status != nil {
		r.Status = *in.Status
	}
}

// RecordProductionRun merges the input into the machine's RUNNING run, or
// starts a new RUNNING run when there is none.
func (a *Aggregator) RecordProductionRun(ctx context.Context, in ProductionRunInput) (data.ProductionRun, error) {
	const op = "oee.RecordProductionRun"
	if err := in.validate(); err != nil {
		return data.ProductionRun{}, err
	}

	unlock := a.machines.Lock(in.MachineID)
	defer unlock()

	now := a.now()
	run, err := a.store.FindRunningRun(ctx, in.MachineID)
	switch {
	case apperr.IsNotFound(err):
		run = data.ProductionRun{
			ID:        a.newID(),
			MachineID: in.MachineID,
			StartTime: now,
			CreatedAt: now,
		}
		in.applyTo(&run)
		run.Status = data.RunRunning
	case err != nil:
		return data.ProductionRun{}, apperr.Persistence(op, err)
	default:
		in.applyTo(&run)
	}

	run.Recompute()
	run.UpdatedAt = now
	if err := a.store.SaveProductionRun(ctx, run); err != nil {
		return data.ProductionRun{}, apperr.Persistence(op, err)
	}

	a.logger.Info("production run recorded",
		"machine_id", run.MachineID,
		"run_id", run.ID,
		"status", run.Status,
		"oee", run.OEE)
	a.sink.PublishProductionUpdate(run)
	a.refresh(ctx, run.MachineID)
	return run, nil
}

// DowntimeInput opens a downtime event. StartTime defaults to now.
type DowntimeInput struct {
	MachineID   string     `json:"machineId"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	Category    string     `json:"category"`
	Reason      string     `json:"reason,omitempty"`
	Description string     `json:"description,omitempty"`
}

func (a *Aggregator) OpenDowntimeEvent(ctx context.Context, in DowntimeInput) (data.DowntimeEvent, error) {
	const op = "oee.OpenDowntimeEvent"
	if in.MachineID == "" {
		return data.DowntimeEvent{}, apperr.InvalidEvent(op, "machineId is required")
	}
	if in.Category == "" {
		return data.DowntimeEvent{}, apperr.InvalidEvent(op, "category is required")
	}
	now := a.now()
	start := now
	if in.StartTime != nil {
		start = *in.StartTime
	}
	return a.open(ctx, data.DowntimeEvent{
		ID:          a.newID(),
		MachineID:   in.MachineID,
		StartTime:   start,
		Category:    in.Category,
		Reason:      in.Reason,
		Description: in.Description,
		Status:      data.DowntimeActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func (a *Aggregator) open(ctx context.Context, ev data.DowntimeEvent) (data.DowntimeEvent, error) {
	if err := a.store.SaveDowntimeEvent(ctx, ev); err != nil {
		return data.DowntimeEvent{}, apperr.Persistence("oee.OpenDowntimeEvent", err)
	}
	a.logger.Info("downtime opened",
		"machine_id", ev.MachineID,
		"event_id", ev.ID,
		"category", ev.Category,
		"automatic", ev.Automatic)
	a.sink.PublishDowntimeEvent(ev)
	return ev, nil
}

// ResolveDowntimeEvent closes an ACTIVE event at the current time. An
// already resolved event is returned as stored.
func (a *Aggregator) ResolveDowntimeEvent(ctx context.Context, id string) (data.DowntimeEvent, error) {
	const op = "oee.ResolveDowntimeEvent"
	ev, err := a.store.GetDowntimeEvent(ctx, id)
	if err != nil {
		return data.DowntimeEvent{}, apperr.Persistence(op, err)
	}
	unlock := a.machines.Lock(ev.MachineID)
	defer unlock()

	// Re-read under the lock: an automatic resolve may have won the race.
	if ev, err = a.store.GetDowntimeEvent(ctx, id); err != nil {
		return data.DowntimeEvent{}, apperr.Persistence(op, err)
	}
	if ev.Status == data.DowntimeResolved {
		return ev, nil
	}
	return a.resolve(ctx, ev, a.now())
}

// resolve expects the machine lock to be held.
func (a *Aggregator) resolve(ctx context.Context, ev data.DowntimeEvent, end time.Time) (data.DowntimeEvent, error) {
	minutes := int(math.Floor(end.Sub(ev.StartTime).Minutes()))
	if minutes < 0 {
		a.logger.Warn("downtime ends before it starts, clamping duration to zero",
			"machine_id", ev.MachineID,
			"event_id", ev.ID,
			"start", ev.StartTime,
			"end", end)
		metrics.DowntimeClamped.Inc()
		minutes = 0
	}

	ev.EndTime = &end
	ev.Duration = &minutes
	ev.Status = data.DowntimeResolved
	ev.UpdatedAt = a.now()
	if err := a.store.SaveDowntimeEvent(ctx, ev); err != nil {
		return data.DowntimeEvent{}, apperr.Persistence("oee.ResolveDowntimeEvent", err)
	}

	a.logger.Info("downtime resolved", "machine_id", ev.MachineID, "event_id", ev.ID, "minutes", minutes)
	a.sink.PublishDowntimeEvent(ev)
	a.refresh(ctx, ev.MachineID)
	return ev, nil
}

// HandleStatusTransition keeps automatic downtime in step with machine
// status: leaving RUNNING opens an event, returning to RUNNING resolves it.
func (a *Aggregator) HandleStatusTransition(ctx context.Context, machineID string, prev, next data.MachineStatus, at time.Time) error {
	if !a.autoDowntime || prev == next {
		return nil
	}
	unlock := a.machines.Lock(machineID)
	defer unlock()

	active, err := a.store.ListDowntimeEvents(ctx, storage.DowntimeQuery{
		Query:  storage.Query{MachineID: machineID},
		Status: data.DowntimeActive,
	})
	if err != nil {
		return apperr.Persistence("oee.HandleStatusTransition", err)
	}
	var automatic []data.DowntimeEvent
	for _, ev := range active {
		if ev.Automatic {
			automatic = append(automatic, ev)
		}
	}

	if next == data.StatusRunning {
		for _, ev := range automatic {
			if _, err := a.resolve(ctx, ev, at); err != nil {
				return err
			}
		}
		return nil
	}

	if prev != data.StatusRunning || len(automatic) > 0 {
		return nil
	}
	category := "IDLE"
	if next == data.StatusError {
		category = "UNPLANNED"
	}
	now := a.now()
	_, err = a.open(ctx, data.DowntimeEvent{
		ID:        a.newID(),
		MachineID: machineID,
		StartTime: at,
		Category:  category,
		Reason:    fmt.Sprintf("Machine entered %s", next),
		Status:    data.DowntimeActive,
		Automatic: true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return err
}

// DefectInput records defective parts. Timestamp defaults to now and
// Quantity to 1.
type DefectInput struct {
	MachineID   string     `json:"machineId"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	DefectType  string     `json:"defectType"`
	Description string     `json:"description,omitempty"`
	Quantity    *int       `json:"quantity,omitempty"`
}

func (a *Aggregator) RecordDefect(ctx context.Context, in DefectInput) (data.QualityDefect, error) {
	const op = "oee.RecordDefect"
	if in.MachineID == "" {
		return data.QualityDefect{}, apperr.InvalidEvent(op, "machineId is required")
	}
	if in.DefectType == "" {
		return data.QualityDefect{}, apperr.InvalidEvent(op, "defectType is required")
	}
	qty := 1
	if in.Quantity != nil {
		qty = *in.Quantity
	}
	if qty < 1 {
		return data.QualityDefect{}, apperr.InvalidEvent(op, "quantity must be at least 1")
	}

	now := a.now()
	ts := now
	if in.Timestamp != nil {
		ts = *in.Timestamp
	}
	d := data.QualityDefect{
		ID:          a.newID(),
		MachineID:   in.MachineID,
		Timestamp:   ts,
		DefectType:  in.DefectType,
		Description: in.Description,
		Quantity:    qty,
		CreatedAt:   now,
	}
	if err := a.store.AddDefect(ctx, d); err != nil {
		return data.QualityDefect{}, apperr.Persistence(op, err)
	}
	return d, nil
}

// ClearMachineData removes every run, downtime event and defect of a machine.
func (a *Aggregator) ClearMachineData(ctx context.Context, machineID string) error {
	if machineID == "" {
		return apperr.InvalidEvent("oee.ClearMachineData", "machineId is required")
	}
	unlock := a.machines.Lock(machineID)
	defer unlock()
	return a.clear(ctx, machineID)
}

func (a *Aggregator) clear(ctx context.Context, machineID string) error {
	const op = "oee.ClearMachineData"
	if err := a.store.DeleteProductionRuns(ctx, machineID); err != nil {
		return apperr.Persistence(op, err)
	}
	if err := a.store.DeleteDowntimeEvents(ctx, machineID); err != nil {
		return apperr.Persistence(op, err)
	}
	if err := a.store.DeleteDefects(ctx, machineID); err != nil {
		return apperr.Persistence(op, err)
	}
	a.logger.Info("machine oee data cleared", "machine_id", machineID)
	return nil
}

func (a *Aggregator) ListProductionRuns(ctx context.Context, machineID string, from, to time.Time) ([]data.ProductionRun, error) {
	runs, err := a.store.ListProductionRuns(ctx, storage.Query{MachineID: machineID, From: from, To: to, Limit: storage.MaxRecords})
	return runs, apperr.Persistence("oee.ListProductionRuns", err)
}

func (a *Aggregator) ListDowntimeEvents(ctx context.Context, machineID string, from, to time.Time) ([]data.DowntimeEvent, error) {
	events, err := a.store.ListDowntimeEvents(ctx, storage.DowntimeQuery{
		Query: storage.Query{MachineID: machineID, From: from, To: to, Limit: storage.MaxRecords},
	})
	return events, apperr.Persistence("oee.ListDowntimeEvents", err)
}

func (a *Aggregator) ListDefects(ctx context.Context, machineID string, from, to time.Time) ([]data.QualityDefect, error) {
	defects, err := a.store.ListDefects(ctx, storage.Query{MachineID: machineID, From: from, To: to, Limit: storage.MaxRecords})
	return defects, apperr.Persistence("oee.ListDefects", err)
}
