package oee

import (
	"context"
	"math/rand/v2"
	"time"

	"iiot-gateway/internal/apperr"
	"iiot-gateway/internal/data"
)

const DefaultSampleDays = 30

var (
	sampleCategories = []string{"UNPLANNED", "MAINTENANCE", "SETUP", "MATERIAL"}
	sampleReasons    = []string{"Equipment malfunction", "Scheduled maintenance", "Changeover", "Material shortage", "Quality check"}
	sampleDefects    = []string{"DIMENSION", "SURFACE", "MATERIAL", "ASSEMBLY", "OTHER"}
)

// SampleSummary reports what GenerateSampleData wrote.
type SampleSummary struct {
	MachineID      string `json:"machineId"`
	Days           int    `json:"days"`
	ProductionRuns int    `json:"productionRuns"`
	DowntimeEvents int    `json:"downtimeEvents"`
	Defects        int    `json:"defects"`
}

// GenerateSampleData replaces a machine's OEE records with one completed
// 06:00-22:00 shift per day for the last days days, plus resolved downtime
// and defects for each shift.
func (a *Aggregator) GenerateSampleData(ctx context.Context, machineID string, days int) (SampleSummary, error) {
	const op = "oee.GenerateSampleData"
	if machineID == "" {
		return SampleSummary{}, apperr.InvalidEvent(op, "machineId is required")
	}
	if days <= 0 {
		days = DefaultSampleDays
	}
	unlock := a.machines.Lock(machineID)
	defer unlock()
	if err := a.clear(ctx, machineID); err != nil {
		return SampleSummary{}, err
	}

	now := a.now()
	rng := rand.New(rand.NewPCG(uint64(now.UnixNano()), uint64(len(machineID))))
	summary := SampleSummary{MachineID: machineID, Days: days}

	for day := 0; day < days; day++ {
		d := now.AddDate(0, 0, -day)
		start := time.Date(d.Year(), d.Month(), d.Day(), 6, 0, 0, 0, now.Location())
		if start.After(now) {
			continue
		}
		end := time.Date(d.Year(), d.Month(), d.Day(), 22, 0, 0, 0, now.Location())
		if end.After(now) {
			end = now
		}

		planned := 800 + rng.IntN(400)
		actual := int(float64(planned) * (0.75 + rng.Float64()*0.2))
		defective := int(float64(actual) * (0.02 + rng.Float64()*0.03))
		downtime := rng.IntN(120) + 30
		run := data.ProductionRun{
			ID:                a.newID(),
			MachineID:         machineID,
			StartTime:         start,
			EndTime:           &end,
			PlannedProduction: planned,
			ActualProduction:  actual,
			GoodParts:         actual - defective,
			DefectiveParts:    defective,
			PlannedTime:       16 * 60,
			OperatingTime:     16*60 - downtime,
			Downtime:          downtime,
			Status:            data.RunCompleted,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		run.Recompute()
		if err := a.store.SaveProductionRun(ctx, run); err != nil {
			return summary, apperr.Persistence(op, err)
		}
		summary.ProductionRuns++

		for i, n := 0, rng.IntN(3)+1; i < n; i++ {
			evStart := start.Add(time.Duration(i+1) * 4 * time.Hour)
			if evStart.After(now) {
				break
			}
			minutes := rng.IntN(60) + 15
			evEnd := evStart.Add(time.Duration(minutes) * time.Minute)
			if evEnd.After(now) {
				evEnd = now
			}
			ev := data.DowntimeEvent{
				ID:        a.newID(),
				MachineID: machineID,
				StartTime: evStart,
				EndTime:   &evEnd,
				Duration:  &minutes,
				Category:  sampleCategories[rng.IntN(len(sampleCategories))],
				Reason:    sampleReasons[rng.IntN(len(sampleReasons))],
				Status:    data.DowntimeResolved,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := a.store.SaveDowntimeEvent(ctx, ev); err != nil {
				return summary, apperr.Persistence(op, err)
			}
			summary.DowntimeEvents++
		}

		for i, n := 0, rng.IntN(5)+2; i < n; i++ {
			ts := start.Add(time.Duration(i) * 2 * time.Hour)
			if ts.After(now) {
				break
			}
			defect := data.QualityDefect{
				ID:          a.newID(),
				MachineID:   machineID,
				Timestamp:   ts,
				DefectType:  sampleDefects[rng.IntN(len(sampleDefects))],
				Description: "Defect detected during production",
				Quantity:    rng.IntN(5) + 1,
				CreatedAt:   now,
			}
			if err := a.store.AddDefect(ctx, defect); err != nil {
				return summary, apperr.Persistence(op, err)
			}
			summary.Defects++
		}
	}

	a.logger.Info("sample oee data generated",
		"machine_id", machineID,
		"runs", summary.ProductionRuns,
		"downtime_events", summary.DowntimeEvents,
		"defects", summary.Defects)
	a.refresh(ctx, machineID)
	return summary, nil
}
