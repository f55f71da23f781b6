// Package notify defines the live-update boundary. Publishing is
// fire-and-forget: implementations must never block the caller.
package notify

import "iiot-gateway/internal/data"

// Event names pushed to live subscribers.
const (
	EventReading          = "metric:update"
	EventAlert            = "alert:new"
	EventMachineStatus    = "machine:status"
	EventOEE              = "oee:update"
	EventDowntime         = "downtime:event"
	EventProductionUpdate = "production:update"
)

// MachineStatus is the payload of a machine status change.
type MachineStatus struct {
	MachineID string             `json:"machineId"`
	Status    data.MachineStatus `json:"status"`
	Previous  data.MachineStatus `json:"previous,omitempty"`
}

// Sink receives domain events for live fan-out.
type Sink interface {
	PublishReading(r data.Reading)
	PublishAlert(a data.Alert)
	PublishMachineStatus(s MachineStatus)
	PublishOEE(o data.OEEResult)
	PublishDowntimeEvent(d data.DowntimeEvent)
	PublishProductionUpdate(p data.ProductionRun)
}

// Discard drops every event.
type Discard struct{}

func (Discard) PublishReading(data.Reading) {}
func (Discard) PublishAlert(data.Alert) {}
func (Discard) PublishMachineStatus(MachineStatus) {}
func (Discard) PublishOEE(data.OEEResult) {}
func (Discard) PublishDowntimeEvent(data.DowntimeEvent) {}
func (Discard) PublishProductionUpdate(data.ProductionRun) {}

var _ Sink = Discard{}
