package oee

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iiot-gateway/internal/apperr"
	"iiot-gateway/internal/data"
	"iiot-gateway/internal/notify"
	"iiot-gateway/internal/storage"
)

var t0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestAggregator() (*Aggregator, *storage.MemoryStore, *notify.Recorder, *clock) {
	store := storage.NewMemoryStore(0)
	rec := &notify.Recorder{}
	clk := &clock{t: t0}
	return New(store, rec, nil, WithClock(clk.now)), store, rec, clk
}

func intp(v int) *int { return &v }

func TestComputeOEE_FromSingleRun(t *testing.T) {
	a, _, _, _ := newTestAggregator()
	ctx := context.Background()

	_, err := a.RecordProductionRun(ctx, ProductionRunInput{
		MachineID:        "M-01",
		PlannedTime:      intp(960),
		OperatingTime:    intp(840),
		ActualProduction: intp(900),
		GoodParts:        intp(880),
	})
	require.NoError(t, err)

	res, err := a.ComputeOEE(ctx, "M-01", t0.Add(-24*time.Hour), t0)
	require.NoError(t, err)
	// performance = actual / (operating minutes * 1 unit/min) = 900/840, so
	// it exceeds 100 and oee = 87.5 * 107.14 * 97.78 / 10000.
	assert.Equal(t, 87.5, res.Availability)
	assert.Equal(t, 107.14, res.Performance)
	assert.Equal(t, 97.78, res.Quality)
	assert.Equal(t, 91.67, res.OEE)
	assert.Equal(t, 900, res.TotalParts)
	assert.Equal(t, 960, res.PlannedTime)
}

func TestComputeOEE_EmptyWindowIsZero(t *testing.T) {
	a, _, _, _ := newTestAggregator()
	res, err := a.ComputeOEE(context.Background(), "M-01", t0.Add(-time.Hour), t0)
	require.NoError(t, err)
	assert.Zero(t, res.Availability)
	assert.Zero(t, res.Performance)
	assert.Zero(t, res.Quality)
	assert.Zero(t, res.OEE)
	assert.Zero(t, res.TotalParts)
}

func TestComputeOEE_RunSelection(t *testing.T) {
	a, store, _, _ := newTestAggregator()
	ctx := context.Background()
	from, to := t0.Add(-8*time.Hour), t0

	endBefore := from.Add(-time.Minute)
	endInside := from.Add(time.Hour)
	runs := []data.ProductionRun{
		{ID: "before", StartTime: from.Add(-2 * time.Hour), EndTime: &endBefore, PlannedTime: 1000, Status: data.RunCompleted},
		{ID: "spans-start", StartTime: from.Add(-time.Hour), EndTime: &endInside, PlannedTime: 100, OperatingTime: 50, Status: data.RunCompleted},
		{ID: "open", StartTime: from.Add(2 * time.Hour), PlannedTime: 100, OperatingTime: 100, Status: data.RunRunning},
		{ID: "open-cancelled", StartTime: from.Add(2 * time.Hour), PlannedTime: 1000, Status: data.RunCancelled},
		{ID: "after", StartTime: to.Add(time.Minute), PlannedTime: 1000, Status: data.RunRunning},
	}
	for _, r := range runs {
		r.MachineID = "M-01"
		require.NoError(t, store.SaveProductionRun(ctx, r))
	}

	res, err := a.ComputeOEE(ctx, "M-01", from, to)
	require.NoError(t, err)
	assert.Equal(t, 200, res.PlannedTime)
	assert.Equal(t, 150, res.OperatingTime)
	assert.Equal(t, 75.0, res.Availability)
}

func TestComputeOEE_DowntimeAndDefectSelection(t *testing.T) {
	a, store, _, _ := newTestAggregator()
	ctx := context.Background()
	from, to := t0.Add(-8*time.Hour), t0

	d1, d2 := 20, 40
	end := from.Add(time.Hour)
	require.NoError(t, store.SaveDowntimeEvent(ctx, data.DowntimeEvent{ID: "in", MachineID: "M-01", StartTime: from.Add(30 * time.Minute), EndTime: &end, Duration: &d1, Status: data.DowntimeResolved}))
	require.NoError(t, store.SaveDowntimeEvent(ctx, data.DowntimeEvent{ID: "started-before", MachineID: "M-01", StartTime: from.Add(-10 * time.Minute), EndTime: &end, Duration: &d2, Status: data.DowntimeResolved}))
	require.NoError(t, store.SaveDowntimeEvent(ctx, data.DowntimeEvent{ID: "active", MachineID: "M-01", StartTime: from.Add(time.Hour), Status: data.DowntimeActive}))

	_, err := a.RecordDefect(ctx, DefectInput{MachineID: "M-01", DefectType: "SURFACE", Quantity: intp(3), Timestamp: &end})
	require.NoError(t, err)

	res, err := a.ComputeOEE(ctx, "M-01", from, to)
	require.NoError(t, err)
	assert.Equal(t, 20, res.DowntimeMinutes)
	assert.Equal(t, 3, res.DefectiveParts)
}

func TestComputeOEE_InvalidWindow(t *testing.T) {
	a, _, _, _ := newTestAggregator()
	_, err := a.ComputeOEE(context.Background(), "M-01", t0, t0.Add(-time.Hour))
	assert.True(t, apperr.IsInvalidEvent(err))

	_, err = a.ComputeOEE(context.Background(), "", t0.Add(-time.Hour), t0)
	assert.True(t, apperr.IsInvalidEvent(err))
}

func TestRecordProductionRun_MergesIntoRunningRun(t *testing.T) {
	a, store, rec, clk := newTestAggregator()
	ctx := context.Background()

	first, err := a.RecordProductionRun(ctx, ProductionRunInput{
		MachineID:        "M-01",
		PlannedTime:      intp(480),
		OperatingTime:    intp(400),
		ActualProduction: intp(380),
		GoodParts:        intp(370),
	})
	require.NoError(t, err)
	assert.Equal(t, data.RunRunning, first.Status)
	assert.True(t, first.StartTime.Equal(t0))

	clk.t = t0.Add(time.Hour)
	second, err := a.RecordProductionRun(ctx, ProductionRunInput{MachineID: "M-01", GoodParts: intp(300)})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 480, second.PlannedTime)
	assert.Equal(t, 380, second.ActualProduction)
	assert.Equal(t, 300, second.GoodParts)
	assert.Equal(t, data.Round2(300.0/380.0*100), second.Quality)
	assert.True(t, second.StartTime.Equal(t0))

	completed := data.RunCompleted
	end := clk.t
	_, err = a.RecordProductionRun(ctx, ProductionRunInput{MachineID: "M-01", Status: &completed, EndTime: &end})
	require.NoError(t, err)

	third, err := a.RecordProductionRun(ctx, ProductionRunInput{MachineID: "M-01", PlannedTime: intp(60)})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, 0, third.ActualProduction)

	runs, err := store.ListProductionRuns(ctx, storage.Query{MachineID: "M-01"})
	require.NoError(t, err)
	running := 0
	for _, r := range runs {
		if r.Status == data.RunRunning {
			running++
		}
	}
	assert.Equal(t, 1, running)
	assert.Len(t, rec.Productions, 4)
	assert.Len(t, rec.OEE, 4)
}

// slowRunStore widens the window between finding and saving a run.
type slowRunStore struct {
	*storage.MemoryStore
}

func (s slowRunStore) FindRunningRun(ctx context.Context, machineID string) (data.ProductionRun, error) {
	time.Sleep(2 * time.Millisecond)
	return s.MemoryStore.FindRunningRun(ctx, machineID)
}

func TestRecordProductionRun_ConcurrentRecordsShareOneRun(t *testing.T) {
	store := storage.NewMemoryStore(0)
	a := New(slowRunStore{store}, nil, nil, WithClock(func() time.Time { return t0 }))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.RecordProductionRun(ctx, ProductionRunInput{MachineID: "M-01", ActualProduction: intp(10 * i)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	runs, err := store.ListProductionRuns(ctx, storage.Query{MachineID: "M-01"})
	require.NoError(t, err)
	running := 0
	for _, r := range runs {
		if r.Status == data.RunRunning {
			running++
		}
	}
	assert.Equal(t, 1, running)
	assert.Len(t, runs, 1)
}

func TestRecordProductionRun_Validation(t *testing.T) {
	a, _, _, _ := newTestAggregator()
	ctx := context.Background()

	_, err := a.RecordProductionRun(ctx, ProductionRunInput{})
	assert.True(t, apperr.IsInvalidEvent(err))

	_, err = a.RecordProductionRun(ctx, ProductionRunInput{MachineID: "M-01", GoodParts: intp(-1)})
	assert.True(t, apperr.IsInvalidEvent(err))

	bogus := data.RunStatus("PAUSED")
	_, err = a.RecordProductionRun(ctx, ProductionRunInput{MachineID: "M-01", Status: &bogus})
	assert.True(t, apperr.IsInvalidEvent(err))
}

func TestDowntime_ResolveComputesWholeMinutes(t *testing.T) {
	a, _, rec, clk := newTestAggregator()
	ctx := context.Background()

	ev, err := a.OpenDowntimeEvent(ctx, DowntimeInput{MachineID: "M-01", Category: "MECHANICAL", Reason: "Belt"})
	require.NoError(t, err)
	assert.Equal(t, data.DowntimeActive, ev.Status)
	assert.Nil(t, ev.Duration)

	clk.t = t0.Add(37*time.Minute + 45*time.Second)
	resolved, err := a.ResolveDowntimeEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, data.DowntimeResolved, resolved.Status)
	require.NotNil(t, resolved.Duration)
	assert.Equal(t, 37, *resolved.Duration)
	assert.True(t, resolved.EndTime.Equal(clk.t))

	clk.t = clk.t.Add(time.Hour)
	again, err := a.ResolveDowntimeEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 37, *again.Duration)
	assert.Len(t, rec.Downtime, 2)
}

func TestDowntime_NegativeDurationClampsToZero(t *testing.T) {
	a, _, _, _ := newTestAggregator()
	ctx := context.Background()
	future := t0.Add(10 * time.Minute)

	ev, err := a.OpenDowntimeEvent(ctx, DowntimeInput{MachineID: "M-01", Category: "SETUP", StartTime: &future})
	require.NoError(t, err)

	resolved, err := a.ResolveDowntimeEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, *resolved.Duration)
}

func TestDowntime_Errors(t *testing.T) {
	a, _, _, _ := newTestAggregator()
	ctx := context.Background()

	_, err := a.ResolveDowntimeEvent(ctx, "missing")
	assert.True(t, apperr.IsNotFound(err))

	_, err = a.OpenDowntimeEvent(ctx, DowntimeInput{MachineID: "M-01"})
	assert.True(t, apperr.IsInvalidEvent(err))
}

func TestRecordDefect_Defaults(t *testing.T) {
	a, _, _, _ := newTestAggregator()
	ctx := context.Background()

	d, err := a.RecordDefect(ctx, DefectInput{MachineID: "M-01", DefectType: "SCRATCH"})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Quantity)
	assert.True(t, d.Timestamp.Equal(t0))

	_, err = a.RecordDefect(ctx, DefectInput{MachineID: "M-01", DefectType: "SCRATCH", Quantity: intp(0)})
	assert.True(t, apperr.IsInvalidEvent(err))
}

func TestClearMachineData(t *testing.T) {
	a, _, _, _ := newTestAggregator()
	ctx := context.Background()

	_, err := a.RecordProductionRun(ctx, ProductionRunInput{MachineID: "M-01", PlannedTime: intp(10)})
	require.NoError(t, err)
	_, err = a.OpenDowntimeEvent(ctx, DowntimeInput{MachineID: "M-01", Category: "SETUP"})
	require.NoError(t, err)
	_, err = a.RecordDefect(ctx, DefectInput{MachineID: "M-01", DefectType: "SCRATCH"})
	require.NoError(t, err)
	_, err = a.RecordDefect(ctx, DefectInput{MachineID: "M-02", DefectType: "SCRATCH"})
	require.NoError(t, err)

	require.NoError(t, a.ClearMachineData(ctx, "M-01"))

	runs, err := a.ListProductionRuns(ctx, "M-01", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, runs)
	events, err := a.ListDowntimeEvents(ctx, "M-01", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, events)
	defects, err := a.ListDefects(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, defects, 1)
	assert.Equal(t, "M-02", defects[0].MachineID)
}

func TestHandleStatusTransition_AutomaticDowntime(t *testing.T) {
	a, _, _, clk := newTestAggregator()
	ctx := context.Background()

	manual, err := a.OpenDowntimeEvent(ctx, DowntimeInput{MachineID: "M-01", Category: "MAINTENANCE"})
	require.NoError(t, err)

	require.NoError(t, a.HandleStatusTransition(ctx, "M-01", data.StatusRunning, data.StatusError, t0))
	require.NoError(t, a.HandleStatusTransition(ctx, "M-01", data.StatusError, data.StatusStopped, t0.Add(time.Minute)))

	events, err := a.ListDowntimeEvents(ctx, "M-01", time.Time{}, time.Time{})
	require.NoError(t, err)
	var auto []data.DowntimeEvent
	for _, ev := range events {
		if ev.Automatic {
			auto = append(auto, ev)
		}
	}
	require.Len(t, auto, 1)
	assert.Equal(t, "UNPLANNED", auto[0].Category)

	clk.t = t0.Add(20 * time.Minute)
	require.NoError(t, a.HandleStatusTransition(ctx, "M-01", data.StatusStopped, data.StatusRunning, t0.Add(12*time.Minute)))

	events, err = a.ListDowntimeEvents(ctx, "M-01", time.Time{}, time.Time{})
	require.NoError(t, err)
	for _, ev := range events {
		if ev.ID == manual.ID {
			assert.Equal(t, data.DowntimeActive, ev.Status)
			continue
		}
		assert.Equal(t, data.DowntimeResolved, ev.Status)
		assert.Equal(t, 12, *ev.Duration)
	}
}

func TestHandleStatusTransition_Disabled(t *testing.T) {
	store := storage.NewMemoryStore(0)
	a := New(store, nil, nil, WithAutoDowntime(false))
	ctx := context.Background()

	require.NoError(t, a.HandleStatusTransition(ctx, "M-01", data.StatusRunning, data.StatusError, t0))
	events, err := a.ListDowntimeEvents(ctx, "M-01", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestGenerateSampleData(t *testing.T) {
	a, _, rec, _ := newTestAggregator()
	ctx := context.Background()

	summary, err := a.GenerateSampleData(ctx, "M-01", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.ProductionRuns)
	assert.GreaterOrEqual(t, summary.DowntimeEvents, 3)
	assert.GreaterOrEqual(t, summary.Defects, 3)

	runs, err := a.ListProductionRuns(ctx, "M-01", time.Time{}, time.Time{})
	require.NoError(t, err)
	for _, r := range runs {
		assert.Equal(t, data.RunCompleted, r.Status)
		assert.Equal(t, r.ActualProduction, r.GoodParts+r.DefectiveParts)
		assert.False(t, r.EndTime.After(t0))
	}

	res, err := a.ComputeOEE(ctx, "M-01", t0.AddDate(0, 0, -3), t0)
	require.NoError(t, err)
	assert.Greater(t, res.OEE, 0.0)
	require.NotEmpty(t, rec.OEE)
}
