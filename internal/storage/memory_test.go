package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iiot-gateway/internal/apperr"
	"iiot-gateway/internal/data"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func TestMemoryStore_ReadingsBoundedAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AddReading(ctx, data.Reading{
			ID:        string(rune('a' + i)),
			MachineID: "M-01",
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := s.ListReadings(ctx, Query{MachineID: "M-01"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e", got[0].ID)
	assert.Equal(t, "c", got[2].ID)

	got, err = s.ListReadings(ctx, Query{MachineID: "M-01", From: t0.Add(3 * time.Minute), Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e", got[0].ID)
}

func TestMemoryStore_MachinesNotFound(t *testing.T) {
	s := NewMemoryStore(0)
	_, err := s.GetMachine(context.Background(), "nope")
	assert.True(t, apperr.IsNotFound(err))
}

func TestMemoryStore_AlertFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	require.NoError(t, s.AddAlert(ctx, data.Alert{ID: "1", MachineID: "M-01", CreatedAt: t0}))
	require.NoError(t, s.AddAlert(ctx, data.Alert{ID: "2", MachineID: "M-01", CreatedAt: t0.Add(time.Minute), Resolved: true}))
	require.NoError(t, s.AddAlert(ctx, data.Alert{ID: "3", MachineID: "M-02", CreatedAt: t0.Add(2 * time.Minute)}))

	unresolved := false
	got, err := s.ListAlerts(ctx, AlertQuery{Resolved: &unresolved})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].ID)

	got, err = s.ListAlerts(ctx, AlertQuery{MachineID: "M-01"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	err = s.SaveAlert(ctx, data.Alert{ID: "missing"})
	assert.True(t, apperr.IsNotFound(err))
}

func TestMemoryStore_ProductionRunOverlap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	end := t0.Add(2 * time.Hour)

	require.NoError(t, s.SaveProductionRun(ctx, data.ProductionRun{ID: "closed", MachineID: "M-01", StartTime: t0, EndTime: &end, Status: data.RunCompleted}))
	require.NoError(t, s.SaveProductionRun(ctx, data.ProductionRun{ID: "open", MachineID: "M-01", StartTime: t0.Add(3 * time.Hour), Status: data.RunRunning}))
	require.NoError(t, s.SaveProductionRun(ctx, data.ProductionRun{ID: "cancelled", MachineID: "M-01", StartTime: t0, Status: data.RunCancelled}))

	got, err := s.ListProductionRuns(ctx, Query{MachineID: "M-01", From: t0.Add(4 * time.Hour), To: t0.Add(5 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "open", got[0].ID)

	running, err := s.FindRunningRun(ctx, "M-01")
	require.NoError(t, err)
	assert.Equal(t, "open", running.ID)

	require.NoError(t, s.DeleteProductionRuns(ctx, "M-01"))
	_, err = s.FindRunningRun(ctx, "M-01")
	assert.True(t, apperr.IsNotFound(err))
}

func TestMemoryStore_DowntimeWindowModes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	end := t0.Add(30 * time.Minute)
	dur := 30

	// started before the window, ended inside it
	require.NoError(t, s.SaveDowntimeEvent(ctx, data.DowntimeEvent{
		ID: "d1", MachineID: "M-01", StartTime: t0.Add(-10 * time.Minute), EndTime: &end, Duration: &dur, Status: data.DowntimeResolved,
	}))

	q := DowntimeQuery{Query: Query{MachineID: "M-01", From: t0, To: t0.Add(time.Hour)}}
	got, err := s.ListDowntimeEvents(ctx, q)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	q.StartedWithin = true
	got, err = s.ListDowntimeEvents(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_Endpoints(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	require.NoError(t, s.SaveEndpoint(ctx, data.DeviceEndpoint{ID: "e1", Enabled: true, CreatedAt: t0}))
	require.NoError(t, s.SaveEndpoint(ctx, data.DeviceEndpoint{ID: "e2", Enabled: false, CreatedAt: t0.Add(time.Second)}))

	all, err := s.ListEndpoints(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := s.ListEndpoints(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "e1", enabled[0].ID)

	require.NoError(t, s.DeleteEndpoint(ctx, "e1"))
	assert.True(t, apperr.IsNotFound(s.DeleteEndpoint(ctx, "e1")))
}
