// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"

	"iiot-gateway/internal/apperr"
	"iiot-gateway/internal/data"
)

const defaultReadingCapacity = 10000 // keep the most recent readings

// MemoryStore keeps everything in process memory. Readings live in a bounded
// buffer; the oldest are dropped when it is full.
type MemoryStore struct {
	mu        sync.RWMutex
	machines  map[string]data.Machine
	readings  []data.Reading
	capacity  int
	alerts    map[string]data.Alert
	runs      map[string]data.ProductionRun
	downtime  map[string]data.DowntimeEvent
	defects   map[string]data.QualityDefect
	endpoints map[string]data.DeviceEndpoint
}

// NewMemoryStore creates a store holding at most readingCapacity readings
// (a non-positive value selects the default).
func NewMemoryStore(readingCapacity int) *MemoryStore {
	if readingCapacity <= 0 {
		readingCapacity = defaultReadingCapacity
	}
	return &MemoryStore{
		machines:  make(map[string]data.Machine),
		readings:  make([]data.Reading, 0, 64),
		capacity:  readingCapacity,
		alerts:    make(map[string]data.Alert),
		runs:      make(map[string]data.ProductionRun),
		downtime:  make(map[string]data.DowntimeEvent),
		defects:   make(map[string]data.QualityDefect),
		endpoints: make(map[string]data.DeviceEndpoint),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() {}

// --- machines ---

func (s *MemoryStore) GetMachine(_ context.Context, id string) (data.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[id]
	if !ok {
		return data.Machine{}, apperr.NotFound("storage.GetMachine", "machine", id)
	}
	return m, nil
}

func (s *MemoryStore) SaveMachine(_ context.Context, m data.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[m.ID] = m
	return nil
}

func (s *MemoryStore) ListMachines(context.Context) ([]data.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]data.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// --- readings ---

func (s *MemoryStore) AddReading(_ context.Context, r data.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readings) >= s.capacity {
		// Remove the oldest element
		s.readings = s.readings[1:]
	}
	s.readings = append(s.readings, r)
	return nil
}

func (s *MemoryStore) ListReadings(_ context.Context, q Query) ([]data.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []data.Reading
	for _, r := range s.readings {
		if q.MachineID != "" && r.MachineID != q.MachineID {
			continue
		}
		if !q.contains(r.Timestamp) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return limit(out, q.Limit), nil
}

// --- alerts ---

func (s *MemoryStore) AddAlert(_ context.Context, a data.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a
	return nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (data.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return data.Alert{}, apperr.NotFound("storage.GetAlert", "alert", id)
	}
	return a, nil
}

func (s *MemoryStore) SaveAlert(_ context.Context, a data.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; !ok {
		return apperr.NotFound("storage.SaveAlert", "alert", a.ID)
	}
	s.alerts[a.ID] = a
	return nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, q AlertQuery) ([]data.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []data.Alert
	for _, a := range s.alerts {
		if q.MachineID != "" && a.MachineID != q.MachineID {
			continue
		}
		if q.Resolved != nil && a.Resolved != *q.Resolved {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return limit(out, q.Limit), nil
}

// --- production runs ---

func (s *MemoryStore) SaveProductionRun(_ context.Context, r data.ProductionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	return nil
}

func (s *MemoryStore) FindRunningRun(_ context.Context, machineID string) (data.ProductionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *data.ProductionRun
	for _, r := range s.runs {
		if r.MachineID != machineID || r.Status != data.RunRunning {
			continue
		}
		if found == nil || r.StartTime.After(found.StartTime) {
			run := r
			found = &run
		}
	}
	if found == nil {
		return data.ProductionRun{}, apperr.NotFound("storage.FindRunningRun", "running production run for machine", machineID)
	}
	return *found, nil
}

func (s *MemoryStore) ListProductionRuns(_ context.Context, q Query) ([]data.ProductionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	from, to := q.bounds()
	var out []data.ProductionRun
	for _, r := range s.runs {
		if q.MachineID != "" && r.MachineID != q.MachineID {
			continue
		}
		if q.windowed() && !r.Overlaps(from, to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return limit(out, q.Limit), nil
}

func (s *MemoryStore) DeleteProductionRuns(_ context.Context, machineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.runs {
		if r.MachineID == machineID {
			delete(s.runs, id)
		}
	}
	return nil
}

// --- downtime ---

func (s *MemoryStore) SaveDowntimeEvent(_ context.Context, d data.DowntimeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downtime[d.ID] = d
	return nil
}

func (s *MemoryStore) GetDowntimeEvent(_ context.Context, id string) (data.DowntimeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.downtime[id]
	if !ok {
		return data.DowntimeEvent{}, apperr.NotFound("storage.GetDowntimeEvent", "downtime event", id)
	}
	return d, nil
}

func (s *MemoryStore) ListDowntimeEvents(_ context.Context, q DowntimeQuery) ([]data.DowntimeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	from, to := q.bounds()
	var out []data.DowntimeEvent
	for _, d := range s.downtime {
		if q.MachineID != "" && d.MachineID != q.MachineID {
			continue
		}
		if q.Status != "" && d.Status != q.Status {
			continue
		}
		if q.windowed() {
			if q.StartedWithin && !q.contains(d.StartTime) {
				continue
			}
			if !q.StartedWithin && !d.Overlaps(from, to) {
				continue
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return limit(out, q.Limit), nil
}

func (s *MemoryStore) DeleteDowntimeEvents(_ context.Context, machineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.downtime {
		if d.MachineID == machineID {
			delete(s.downtime, id)
		}
	}
	return nil
}

// --- quality defects ---

func (s *MemoryStore) AddDefect(_ context.Context, d data.QualityDefect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defects[d.ID] = d
	return nil
}

func (s *MemoryStore) ListDefects(_ context.Context, q Query) ([]data.QualityDefect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []data.QualityDefect
	for _, d := range s.defects {
		if q.MachineID != "" && d.MachineID != q.MachineID {
			continue
		}
		if !q.contains(d.Timestamp) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return limit(out, q.Limit), nil
}

func (s *MemoryStore) DeleteDefects(_ context.Context, machineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.defects {
		if d.MachineID == machineID {
			delete(s.defects, id)
		}
	}
	return nil
}

// --- device endpoints ---

func (s *MemoryStore) SaveEndpoint(_ context.Context, e data.DeviceEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[e.ID] = e
	return nil
}

func (s *MemoryStore) GetEndpoint(_ context.Context, id string) (data.DeviceEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.endpoints[id]
	if !ok {
		return data.DeviceEndpoint{}, apperr.NotFound("storage.GetEndpoint", "device endpoint", id)
	}
	return e, nil
}

func (s *MemoryStore) ListEndpoints(_ context.Context, enabledOnly bool) ([]data.DeviceEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]data.DeviceEndpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		if enabledOnly && !e.Enabled {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return apperr.NotFound("storage.DeleteEndpoint", "device endpoint", id)
	}
	delete(s.endpoints, id)
	return nil
}
