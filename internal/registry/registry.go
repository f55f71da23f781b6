// Package registry keeps the current state of every known machine.
package registry

import (
	"context"
	"log/slog"
	"time"

	"iiot-gateway/internal/apperr"
	"iiot-gateway/internal/data"
	"iiot-gateway/internal/notify"
	"iiot-gateway/internal/storage"
)

// Cache is an optional read-through layer for machine state.
type Cache interface {
	GetMachine(ctx context.Context, id string) (data.Machine, bool, error)
	SetMachine(ctx context.Context, m data.Machine) error
}

// Transition describes what an upsert did to a machine's status.
type Transition struct {
	Previous data.MachineStatus
	Current  data.MachineStatus
	Created  bool
}

// Changed is true for new machines and for any status difference.
func (t Transition) Changed() bool {
	return t.Created || t.Previous != t.Current
}

type Registry struct {
	store  storage.MachineStore
	sink   notify.Sink
	cache  Cache
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Registry)

// WithCache fronts machine reads with c. Cache failures are logged, never
// returned.
func WithCache(c Cache) Option {
	return func(r *Registry) { r.cache = c }
}

func New(store storage.MachineStore, sink notify.Sink, logger *slog.Logger, opts ...Option) *Registry {
	if sink == nil {
		sink = notify.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:  store,
		sink:   sink,
		logger: logger.With("component", "registry"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert records the latest status of a machine, creating it on first sight.
// Status and update time are overwritten unconditionally: the last write
// wins regardless of eventTime ordering.
func (r *Registry) Upsert(ctx context.Context, id string, status data.MachineStatus, eventTime time.Time) (data.Machine, Transition, error) {
	const op = "registry.Upsert"

	m, err := r.store.GetMachine(ctx, id)
	var tr Transition
	switch {
	case apperr.IsNotFound(err):
		m = data.Machine{
			ID:        id,
			Name:      data.DefaultMachineName(id),
			CreatedAt: r.now(),
		}
		tr.Created = true
	case err != nil:
		return data.Machine{}, tr, apperr.Persistence(op, err)
	default:
		tr.Previous = m.Status
	}

	m.Status = status
	m.UpdatedAt = eventTime
	tr.Current = status

	if err := r.store.SaveMachine(ctx, m); err != nil {
		return data.Machine{}, tr, apperr.Persistence(op, err)
	}
	if r.cache != nil {
		if err := r.cache.SetMachine(ctx, m); err != nil {
			r.logger.Warn("machine cache write failed", "machine_id", id, "error", err)
		}
	}

	if tr.Created {
		r.logger.Info("machine registered", "machine_id", id, "status", status)
	}
	if tr.Changed() {
		r.sink.PublishMachineStatus(notify.MachineStatus{
			MachineID: id,
			Status:    status,
			Previous:  tr.Previous,
		})
	}
	return m, tr, nil
}

// Get returns a machine, preferring the cache.
func (r *Registry) Get(ctx context.Context, id string) (data.Machine, error) {
	if r.cache != nil {
		m, ok, err := r.cache.GetMachine(ctx, id)
		if err != nil {
			r.logger.Warn("machine cache read failed", "machine_id", id, "error", err)
		} else if ok {
			return m, nil
		}
	}

	m, err := r.store.GetMachine(ctx, id)
	if err != nil {
		return data.Machine{}, apperr.Persistence("registry.Get", err)
	}
	if r.cache != nil {
		if err := r.cache.SetMachine(ctx, m); err != nil {
			r.logger.Warn("machine cache write failed", "machine_id", id, "error", err)
		}
	}
	return m, nil
}

// List returns all machines, most recently updated first.
func (r *Registry) List(ctx context.Context) ([]data.Machine, error) {
	machines, err := r.store.ListMachines(ctx)
	return machines, apperr.Persistence("registry.List", err)
}
