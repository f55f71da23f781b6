package notify

import (
	"sync"

	"iiot-gateway/internal/data"
)

// Recorder keeps every published event in memory. Tests use it to assert on
// fan-out side effects.
type Recorder struct {
	mu          sync.Mutex
	Readings    []data.Reading
	Alerts      []data.Alert
	Statuses    []MachineStatus
	OEE         []data.OEEResult
	Downtime    []data.DowntimeEvent
	Productions []data.ProductionRun
}

func (r *Recorder) PublishReading(v data.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Readings = append(r.Readings, v)
}

func (r *Recorder) PublishAlert(v data.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Alerts = append(r.Alerts, v)
}

func (r *Recorder) PublishMachineStatus(v MachineStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Statuses = append(r.Statuses, v)
}

func (r *Recorder) PublishOEE(v data.OEEResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.OEE = append(r.OEE, v)
}

func (r *Recorder) PublishDowntimeEvent(v data.DowntimeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Downtime = append(r.Downtime, v)
}

func (r *Recorder) PublishProductionUpdate(v data.ProductionRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Productions = append(r.Productions, v)
}

// Counts returns the number of events recorded per kind, keyed by event name.
func (r *Recorder) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]int{
		EventReading:          len(r.Readings),
		EventAlert:            len(r.Alerts),
		EventMachineStatus:    len(r.Statuses),
		EventOEE:              len(r.OEE),
		EventDowntime:         len(r.Downtime),
		EventProductionUpdate: len(r.Productions),
	}
}

var _ Sink = (*Recorder)(nil)
