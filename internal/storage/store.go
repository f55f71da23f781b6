// internal/storage/store.go
package storage

import (
	"context"
	"time"

	"iiot-gateway/internal/data"
)

// Result caps applied by the HTTP layer.
const (
	MaxReadings = 1000
	MaxRecords  = 100
)

// Query selects records for one machine (or all when MachineID is empty)
// within an optional time window. Zero From/To leave that side open. Limit 0
// means no cap.
type Query struct {
	MachineID string
	From      time.Time
	To        time.Time
	Limit     int
}

func (q Query) windowed() bool { return !q.From.IsZero() || !q.To.IsZero() }

func (q Query) contains(t time.Time) bool {
	if !q.From.IsZero() && t.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && t.After(q.To) {
		return false
	}
	return true
}

// bounds fills open sides of the window so overlap checks can be applied.
func (q Query) bounds() (time.Time, time.Time) {
	from, to := q.From, q.To
	if to.IsZero() {
		to = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	}
	return from, to
}

type AlertQuery struct {
	MachineID string
	Resolved  *bool
	Limit     int
}

// DowntimeQuery filters downtime events. With StartedWithin the window
// matches on start time only; otherwise any overlap with the window matches.
type DowntimeQuery struct {
	Query
	Status        data.DowntimeStatus
	StartedWithin bool
}

type MachineStore interface {
	GetMachine(ctx context.Context, id string) (data.Machine, error)
	SaveMachine(ctx context.Context, m data.Machine) error
	ListMachines(ctx context.Context) ([]data.Machine, error)
}

type ReadingStore interface {
	AddReading(ctx context.Context, r data.Reading) error
	ListReadings(ctx context.Context, q Query) ([]data.Reading, error)
}

type AlertStore interface {
	AddAlert(ctx context.Context, a data.Alert) error
	GetAlert(ctx context.Context, id string) (data.Alert, error)
	SaveAlert(ctx context.Context, a data.Alert) error
	ListAlerts(ctx context.Context, q AlertQuery) ([]data.Alert, error)
}

type ProductionStore interface {
	SaveProductionRun(ctx context.Context, r data.ProductionRun) error
	// FindRunningRun returns the machine's RUNNING run or a NotFound error.
	FindRunningRun(ctx context.Context, machineID string) (data.ProductionRun, error)
	// ListProductionRuns returns runs overlapping the query window.
	ListProductionRuns(ctx context.Context, q Query) ([]data.ProductionRun, error)
	DeleteProductionRuns(ctx context.Context, machineID string) error
}

type DowntimeStore interface {
	SaveDowntimeEvent(ctx context.Context, d data.DowntimeEvent) error
	GetDowntimeEvent(ctx context.Context, id string) (data.DowntimeEvent, error)
	ListDowntimeEvents(ctx context.Context, q DowntimeQuery) ([]data.DowntimeEvent, error)
	DeleteDowntimeEvents(ctx context.Context, machineID string) error
}

type DefectStore interface {
	AddDefect(ctx context.Context, d data.QualityDefect) error
	ListDefects(ctx context.Context, q Query) ([]data.QualityDefect, error)
	DeleteDefects(ctx context.Context, machineID string) error
}

type EndpointStore interface {
	SaveEndpoint(ctx context.Context, e data.DeviceEndpoint) error
	GetEndpoint(ctx context.Context, id string) (data.DeviceEndpoint, error)
	ListEndpoints(ctx context.Context, enabledOnly bool) ([]data.DeviceEndpoint, error)
	DeleteEndpoint(ctx context.Context, id string) error
}

// Store is the full persistence boundary of the gateway.
type Store interface {
	MachineStore
	ReadingStore
	AlertStore
	ProductionStore
	DowntimeStore
	DefectStore
	EndpointStore

	Ping(ctx context.Context) error
	Close()
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
