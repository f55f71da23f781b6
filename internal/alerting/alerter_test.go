package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iiot-gateway/internal/apperr"
	"iiot-gateway/internal/data"
	"iiot-gateway/internal/notify"
	"iiot-gateway/internal/storage"
)

func newTestAlerter() (*Alerter, *storage.MemoryStore, *notify.Recorder) {
	store := storage.NewMemoryStore(0)
	rec := &notify.Recorder{}
	a := NewAlerter(store, rec, nil)
	a.now = func() time.Time { return time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC) }
	return a, store, rec
}

func TestAlerter_ProcessAlertsPersistsAndPublishes(t *testing.T) {
	a, store, rec := newTestAlerter()
	ctx := context.Background()

	err := a.ProcessAlerts(ctx, []data.Alert{
		{ID: "a1", MachineID: "M-01", Type: data.AlertTemperatureHigh, Severity: data.SeverityHigh},
		{ID: "a2", MachineID: "M-01", Type: data.AlertMachineError, Severity: data.SeverityCritical},
	})
	require.NoError(t, err)

	stored, err := store.ListAlerts(ctx, storage.AlertQuery{})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.Len(t, rec.Alerts, 2)
}

func TestAlerter_ResolveIsIdempotent(t *testing.T) {
	a, _, rec := newTestAlerter()
	ctx := context.Background()
	require.NoError(t, a.ProcessAlerts(ctx, []data.Alert{{ID: "a1", MachineID: "M-01"}}))

	first, err := a.Resolve(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, first.Resolved)
	require.NotNil(t, first.ResolvedAt)

	second, err := a.Resolve(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, first.ResolvedAt, second.ResolvedAt)

	// one publish when raised, one when resolved, none for the repeat
	assert.Len(t, rec.Alerts, 2)
}

func TestAlerter_ResolveUnknown(t *testing.T) {
	a, _, _ := newTestAlerter()
	_, err := a.Resolve(context.Background(), "missing")
	assert.True(t, apperr.IsNotFound(err))
}

func TestAlerter_ListUnresolved(t *testing.T) {
	a, _, _ := newTestAlerter()
	ctx := context.Background()
	require.NoError(t, a.ProcessAlerts(ctx, []data.Alert{
		{ID: "a1", MachineID: "M-01"},
		{ID: "a2", MachineID: "M-01"},
	}))
	_, err := a.Resolve(ctx, "a1")
	require.NoError(t, err)

	unresolved := false
	got, err := a.List(ctx, "M-01", &unresolved)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a2", got[0].ID)
}
