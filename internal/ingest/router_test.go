package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iiot-gateway/internal/alerting"
	"iiot-gateway/internal/anomaly"
	"iiot-gateway/internal/apperr"
	"iiot-gateway/internal/data"
	"iiot-gateway/internal/metrics"
	"iiot-gateway/internal/notify"
	"iiot-gateway/internal/oee"
	"iiot-gateway/internal/registry"
	"iiot-gateway/internal/storage"
)

type fixture struct {
	router *Router
	store  *storage.MemoryStore
	sink   *notify.Recorder
	agg    *oee.Aggregator
}

func newFixture(readings storage.ReadingStore) *fixture {
	store := storage.NewMemoryStore(0)
	sink := &notify.Recorder{}
	if readings == nil {
		readings = store
	}
	agg := oee.New(store, sink, nil)
	return &fixture{
		store: store,
		sink:  sink,
		agg:   agg,
		router: NewRouter(Config{
			Machines:    registry.New(store, sink, nil),
			Readings:    readings,
			Detector:    anomaly.NewDetector(),
			Alerts:      alerting.NewAlerter(store, sink, nil),
			Transitions: agg,
			Sink:        sink,
			Tracker:     metrics.NewTracker(),
		}),
	}
}

func raw(machine string, temp, pressure float64, status string) data.RawReading {
	return data.RawReading{
		MachineID:   machine,
		Temperature: temp,
		Pressure:    pressure,
		Status:      status,
		Timestamp:   "2024-03-01T10:00:00Z",
		Source:      "test",
	}
}

func TestRouter_IngestHotReading(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	payload := []byte(`{"machineId":"M-01","temperature":85.0,"pressure":4.2,"status":"RUNNING","timestamp":"2024-03-01T10:00:00Z"}`)
	require.NoError(t, f.router.HandlePayload(ctx, payload, "application/json", "bus"))

	m, err := f.store.GetMachine(ctx, "M-01")
	require.NoError(t, err)
	assert.Equal(t, data.StatusRunning, m.Status)
	assert.Equal(t, "Machine M-01", m.Name)

	readings, err := f.store.ListReadings(ctx, storage.Query{MachineID: "M-01"})
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "bus", readings[0].Source)
	assert.NotEmpty(t, readings[0].ID)
	assert.False(t, readings[0].IngestedAt.IsZero())

	alerts, err := f.store.ListAlerts(ctx, storage.AlertQuery{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, data.AlertTemperatureHigh, alerts[0].Type)
	assert.Equal(t, data.SeverityHigh, alerts[0].Severity)
	assert.False(t, alerts[0].Resolved)

	counts := f.sink.Counts()
	assert.Equal(t, 1, counts[notify.EventReading])
	assert.Equal(t, 1, counts[notify.EventAlert])
	assert.Equal(t, 1, counts[notify.EventMachineStatus])
}

func TestRouter_LimitsUseMeasuredValues(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	require.NoError(t, f.router.Ingest(ctx, raw("M-01", 80.04, 2.96, "RUNNING")))

	readings, err := f.store.ListReadings(ctx, storage.Query{MachineID: "M-01"})
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, 80.0, readings[0].Temperature)
	assert.Equal(t, 3.0, readings[0].Pressure)

	alerts, err := f.store.ListAlerts(ctx, storage.AlertQuery{MachineID: "M-01"})
	require.NoError(t, err)
	var kinds []data.AlertType
	for _, a := range alerts {
		kinds = append(kinds, a.Type)
	}
	assert.ElementsMatch(t, []data.AlertType{data.AlertTemperatureHigh, data.AlertPressureLow}, kinds)
}

func TestRouter_InvalidPayloadsAreDropped(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	err := f.router.HandlePayload(ctx, []byte(`{"temperature":70}`), "", "bus")
	assert.True(t, apperr.IsInvalidEvent(err))

	err = f.router.HandlePayload(ctx, []byte(`garbage`), "", "bus")
	assert.True(t, apperr.IsInvalidEvent(err))

	err = f.router.Ingest(ctx, raw("M-01", 70, 4, "SLEEPING"))
	assert.True(t, apperr.IsInvalidEvent(err))

	machines, err := f.store.ListMachines(ctx)
	require.NoError(t, err)
	assert.Empty(t, machines)
	readings, err := f.store.ListReadings(ctx, storage.Query{})
	require.NoError(t, err)
	assert.Empty(t, readings)
}

func TestRouter_ConcurrentIngest(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			machine := fmt.Sprintf("M-%02d", i%5)
			assert.NoError(t, f.router.Ingest(ctx, raw(machine, 70, 4, "RUNNING")))
		}(i)
	}
	wg.Wait()

	readings, err := f.store.ListReadings(ctx, storage.Query{})
	require.NoError(t, err)
	assert.Len(t, readings, 100)

	machines, err := f.store.ListMachines(ctx)
	require.NoError(t, err)
	assert.Len(t, machines, 5)
	// one creation notice per machine, no later changes
	assert.Len(t, f.sink.Statuses, 5)
}

func TestRouter_StatusChangeOpensDowntime(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	require.NoError(t, f.router.Ingest(ctx, raw("M-01", 70, 4, "RUNNING")))
	require.NoError(t, f.router.Ingest(ctx, raw("M-01", 70, 4, "ERROR")))

	events, err := f.agg.ListDowntimeEvents(ctx, "M-01", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Automatic)
	assert.Equal(t, data.DowntimeActive, events[0].Status)

	alerts, err := f.store.ListAlerts(ctx, storage.AlertQuery{MachineID: "M-01"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, data.AlertMachineError, alerts[0].Type)
}

type failingReadings struct{ storage.ReadingStore }

func (failingReadings) AddReading(context.Context, data.Reading) error {
	return errors.New("disk full")
}

func TestRouter_PersistenceFailure(t *testing.T) {
	f := newFixture(failingReadings{})
	err := f.router.Ingest(context.Background(), raw("M-01", 95, 4, "RUNNING"))

	require.Error(t, err)
	assert.Equal(t, apperr.KindPersistenceFailure, apperr.KindOf(err))
	assert.Empty(t, f.sink.Alerts)
	assert.Empty(t, f.sink.Readings)
}
