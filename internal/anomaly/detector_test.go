package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iiot-gateway/internal/data"
)

func reading(temp, pressure float64, status data.MachineStatus) data.Reading {
	return data.Reading{
		MachineID:   "M-01",
		Temperature: temp,
		Pressure:    pressure,
		Status:      status,
		IngestedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func types(alerts []data.Alert) []data.AlertType {
	out := make([]data.AlertType, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Type)
	}
	return out
}

func TestDetector_Check(t *testing.T) {
	tests := []struct {
		name     string
		reading  data.Reading
		expected []data.AlertType
	}{
		{"nominal", reading(70, 4.0, data.StatusRunning), []data.AlertType{}},
		{"limits are exclusive", reading(80, 5.5, data.StatusRunning), []data.AlertType{}},
		{"lower limits are exclusive", reading(60, 3.0, data.StatusStopped), []data.AlertType{}},
		{"hot", reading(85.0, 4.2, data.StatusRunning), []data.AlertType{data.AlertTemperatureHigh}},
		{"cold", reading(59.9, 4.2, data.StatusRunning), []data.AlertType{data.AlertTemperatureLow}},
		{"just above high", reading(80.04, 4.2, data.StatusRunning), []data.AlertType{data.AlertTemperatureHigh}},
		{"just below low", reading(59.96, 4.2, data.StatusRunning), []data.AlertType{data.AlertTemperatureLow}},
		{"pressure just below low", reading(70, 2.96, data.StatusRunning), []data.AlertType{data.AlertPressureLow}},
		{"high pressure", reading(70, 5.6, data.StatusRunning), []data.AlertType{data.AlertPressureHigh}},
		{"low pressure", reading(70, 2.9, data.StatusRunning), []data.AlertType{data.AlertPressureLow}},
		{"error only", reading(70, 4.0, data.StatusError), []data.AlertType{data.AlertMachineError}},
		{
			"everything at once",
			reading(90, 6.0, data.StatusError),
			[]data.AlertType{data.AlertTemperatureHigh, data.AlertPressureHigh, data.AlertMachineError},
		},
	}

	d := NewDetector()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, types(d.Check(tt.reading)))
		})
	}
}

func TestDetector_AlertFields(t *testing.T) {
	r := reading(85.0, 2.5, data.StatusError)
	alerts := NewDetector().Check(r)
	require.Len(t, alerts, 3)

	hot := alerts[0]
	assert.Equal(t, data.SeverityHigh, hot.Severity)
	require.NotNil(t, hot.Temperature)
	assert.Equal(t, 85.0, *hot.Temperature)
	assert.Nil(t, hot.Pressure)
	assert.Contains(t, hot.Message, "85.0")

	low := alerts[1]
	assert.Equal(t, data.AlertPressureLow, low.Type)
	assert.Equal(t, data.SeverityMedium, low.Severity)
	require.NotNil(t, low.Pressure)
	assert.Nil(t, low.Temperature)

	crit := alerts[2]
	assert.Equal(t, data.SeverityCritical, crit.Severity)
	assert.Nil(t, crit.Temperature)
	assert.Nil(t, crit.Pressure)

	for _, a := range alerts {
		assert.False(t, a.Resolved)
		assert.Nil(t, a.ResolvedAt)
		assert.Equal(t, r.IngestedAt, a.CreatedAt)
		assert.NotEmpty(t, a.ID)
		assert.Equal(t, "M-01", a.MachineID)
	}
	assert.NotEqual(t, alerts[0].ID, alerts[1].ID)
}

func TestDetector_CustomLimits(t *testing.T) {
	d := NewDetectorWithLimits(Limits{TemperatureHigh: Limit(95)})

	assert.Empty(t, d.Check(reading(90, 4.2, data.StatusRunning)))

	alerts := d.Check(reading(96, 2.5, data.StatusRunning))
	require.Len(t, alerts, 2)
	assert.Equal(t, data.AlertTemperatureHigh, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "95")
	assert.Equal(t, data.AlertPressureLow, alerts[1].Type)
}

func TestDetector_ZeroLimitIsKept(t *testing.T) {
	d := NewDetectorWithLimits(Limits{PressureLow: Limit(0)})

	assert.Empty(t, d.Check(reading(70, 0.5, data.StatusRunning)))
	assert.Equal(t, []data.AlertType{data.AlertPressureLow}, types(d.Check(reading(70, -0.1, data.StatusRunning))))
	assert.Equal(t, []data.AlertType{data.AlertTemperatureLow}, types(d.Check(reading(59, 4.0, data.StatusRunning))))
}
