// internal/data/models.go
package data

import (
	"fmt"
	"strings"
	"time"
)

// MachineStatus is the operating state reported by a machine.
type MachineStatus string

const (
	StatusRunning MachineStatus = "RUNNING"
	StatusStopped MachineStatus = "STOPPED"
	StatusError   MachineStatus = "ERROR"
)

// ParseMachineStatus accepts the three known states, case-insensitively.
func ParseMachineStatus(s string) (MachineStatus, error) {
	switch MachineStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusRunning:
		return StatusRunning, nil
	case StatusStopped:
		return StatusStopped, nil
	case StatusError:
		return StatusError, nil
	}
	return "", fmt.Errorf("unknown machine status %q", s)
}

// Machine is a physical asset identified by its external machine id.
type Machine struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      MachineStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// DefaultMachineName is the display name given to machines created implicitly
// by their first reading.
func DefaultMachineName(id string) string {
	return "Machine " + id
}

// Reading is one telemetry sample. Readings are append-only.
type Reading struct {
	ID          string        `json:"id"`
	MachineID   string        `json:"machineId"`
	Temperature float64       `json:"temperature"`
	Pressure    float64       `json:"pressure"`
	Status      MachineStatus `json:"status"`
	Timestamp   time.Time     `json:"timestamp"`
	IngestedAt  time.Time     `json:"ingestedAt"`
	Source      string        `json:"source,omitempty"` // "bus", "modbus", "http"
}

// Rounded returns the reading with temperature and pressure at one decimal,
// the precision readings are stored and published with.
func (r Reading) Rounded() Reading {
	r.Temperature = Round1(r.Temperature)
	r.Pressure = Round1(r.Pressure)
	return r
}

// AlertType names the condition that raised an alert.
type AlertType string

const (
	AlertTemperatureHigh AlertType = "TEMPERATURE_HIGH"
	AlertTemperatureLow  AlertType = "TEMPERATURE_LOW"
	AlertPressureHigh    AlertType = "PRESSURE_HIGH"
	AlertPressureLow     AlertType = "PRESSURE_LOW"
	AlertMachineError    AlertType = "MACHINE_ERROR"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is a threshold violation detected on a reading.
type Alert struct {
	ID          string     `json:"id"`
	MachineID   string     `json:"machineId"`
	Type        AlertType  `json:"type"`
	Severity    Severity   `json:"severity"`
	Message     string     `json:"message"`
	Temperature *float64   `json:"temperature,omitempty"`
	Pressure    *float64   `json:"pressure,omitempty"`
	Resolved    bool       `json:"resolved"`
	CreatedAt   time.Time  `json:"createdAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}
