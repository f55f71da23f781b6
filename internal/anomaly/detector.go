// internal/anomaly/detector.go
package anomaly

import (
	"fmt"

	"github.com/google/uuid"

	"iiot-gateway/internal/data"
)

// Default operating limits. Readings strictly beyond them raise alerts.
const (
	TemperatureHigh = 80.0
	TemperatureLow  = 60.0
	PressureHigh    = 5.5
	PressureLow     = 3.0
)

// Limits are the operating window for one plant. A nil field keeps the
// default limit; zero is a valid limit.
type Limits struct {
	TemperatureHigh *float64 `mapstructure:"temperature_high"`
	TemperatureLow  *float64 `mapstructure:"temperature_low"`
	PressureHigh    *float64 `mapstructure:"pressure_high"`
	PressureLow     *float64 `mapstructure:"pressure_low"`
}

// Limit is a helper for building Limits literals.
func Limit(v float64) *float64 { return &v }

func DefaultLimits() Limits {
	return Limits{
		TemperatureHigh: Limit(TemperatureHigh),
		TemperatureLow:  Limit(TemperatureLow),
		PressureHigh:    Limit(PressureHigh),
		PressureLow:     Limit(PressureLow),
	}
}

type thresholds struct {
	TemperatureHigh float64
	TemperatureLow  float64
	PressureHigh    float64
	PressureLow     float64
}

func (l Limits) resolve() thresholds {
	pick := func(v *float64, def float64) float64 {
		if v == nil {
			return def
		}
		return *v
	}
	return thresholds{
		TemperatureHigh: pick(l.TemperatureHigh, TemperatureHigh),
		TemperatureLow:  pick(l.TemperatureLow, TemperatureLow),
		PressureHigh:    pick(l.PressureHigh, PressureHigh),
		PressureLow:     pick(l.PressureLow, PressureLow),
	}
}

// Detector turns a reading into zero or more alerts. It holds no state and
// never touches storage.
type Detector struct {
	limits thresholds
	newID  func() string
}

func NewDetector() *Detector {
	return NewDetectorWithLimits(DefaultLimits())
}

func NewDetectorWithLimits(l Limits) *Detector {
	return &Detector{limits: l.resolve(), newID: uuid.NewString}
}

// Check evaluates every limit independently; one reading can raise several
// alerts. Alerts are created unresolved and stamped with the reading's
// ingestion time.
func (d *Detector) Check(r data.Reading) []data.Alert {
	var alerts []data.Alert

	add := func(t data.AlertType, sev data.Severity, msg string) *data.Alert {
		alerts = append(alerts, data.Alert{
			ID:        d.newID(),
			MachineID: r.MachineID,
			Type:      t,
			Severity:  sev,
			Message:   msg,
			CreatedAt: r.IngestedAt,
		})
		return &alerts[len(alerts)-1]
	}

	lim := d.limits
	temp := r.Temperature
	switch {
	case temp > lim.TemperatureHigh:
		a := add(data.AlertTemperatureHigh, data.SeverityHigh,
			fmt.Sprintf("Temperature %.1f°C above limit of %.0f°C", temp, lim.TemperatureHigh))
		a.Temperature = &temp
	case temp < lim.TemperatureLow:
		a := add(data.AlertTemperatureLow, data.SeverityMedium,
			fmt.Sprintf("Temperature %.1f°C below limit of %.0f°C", temp, lim.TemperatureLow))
		a.Temperature = &temp
	}

	pressure := r.Pressure
	switch {
	case pressure > lim.PressureHigh:
		a := add(data.AlertPressureHigh, data.SeverityHigh,
			fmt.Sprintf("Pressure %.1f bar above limit of %.1f bar", pressure, lim.PressureHigh))
		a.Pressure = &pressure
	case pressure < lim.PressureLow:
		a := add(data.AlertPressureLow, data.SeverityMedium,
			fmt.Sprintf("Pressure %.1f bar below limit of %.1f bar", pressure, lim.PressureLow))
		a.Pressure = &pressure
	}

	if r.Status == data.StatusError {
		add(data.AlertMachineError, data.SeverityCritical,
			fmt.Sprintf("Machine %s reported an error state", r.MachineID))
	}

	return alerts
}
