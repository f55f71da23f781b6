package data

import (
	"math"
	"time"
)

type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunCancelled RunStatus = "CANCELLED"
)

// ProductionRun is a bounded production period on one machine. Availability,
// Performance, Quality and OEE are derived from the counters on every write.
type ProductionRun struct {
	ID                string     `json:"id"`
	MachineID         string     `json:"machineId"`
	StartTime         time.Time  `json:"startTime"`
	EndTime           *time.Time `json:"endTime,omitempty"`
	PlannedProduction int        `json:"plannedProduction"`
	ActualProduction  int        `json:"actualProduction"`
	GoodParts         int        `json:"goodParts"`
	DefectiveParts    int        `json:"defectiveParts"`
	PlannedTime       int        `json:"plannedTime"`   // minutes
	OperatingTime     int        `json:"operatingTime"` // minutes
	Downtime          int        `json:"downtime"`      // minutes
	Availability      float64    `json:"availability"`
	Performance       float64    `json:"performance"`
	Quality           float64    `json:"quality"`
	OEE               float64    `json:"oee"`
	Status            RunStatus  `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Recompute refreshes the derived percentages from the run's own counters.
func (r *ProductionRun) Recompute() {
	rates := ComputeRates(r.PlannedTime, r.OperatingTime, r.ActualProduction, r.GoodParts)
	r.Availability = rates.Availability
	r.Performance = rates.Performance
	r.Quality = rates.Quality
	r.OEE = rates.OEE
}

// Overlaps reports whether the run intersects [from, to]. An open run only
// counts while it is still RUNNING.
func (r *ProductionRun) Overlaps(from, to time.Time) bool {
	if r.StartTime.After(to) {
		return false
	}
	if r.EndTime != nil {
		return !r.EndTime.Before(from)
	}
	return r.Status == RunRunning
}

type DowntimeStatus string

const (
	DowntimeActive   DowntimeStatus = "ACTIVE"
	DowntimeResolved DowntimeStatus = "RESOLVED"
)

// DowntimeEvent is an interval during which a machine was not producing.
// Duration is whole minutes and only set once resolved.
type DowntimeEvent struct {
	ID          string         `json:"id"`
	MachineID   string         `json:"machineId"`
	StartTime   time.Time      `json:"startTime"`
	EndTime     *time.Time     `json:"endTime,omitempty"`
	Duration    *int           `json:"duration,omitempty"`
	Category    string         `json:"category"`
	Reason      string         `json:"reason,omitempty"`
	Description string         `json:"description,omitempty"`
	Status      DowntimeStatus `json:"status"`
	Automatic   bool           `json:"automatic"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Overlaps reports whether the event intersects [from, to].
func (d *DowntimeEvent) Overlaps(from, to time.Time) bool {
	if d.StartTime.After(to) {
		return false
	}
	if d.EndTime != nil {
		return !d.EndTime.Before(from)
	}
	return d.Status == DowntimeActive
}

// QualityDefect records defective parts observed at a point in time.
type QualityDefect struct {
	ID          string    `json:"id"`
	MachineID   string    `json:"machineId"`
	Timestamp   time.Time `json:"timestamp"`
	DefectType  string    `json:"defectType"`
	Description string    `json:"description,omitempty"`
	Quantity    int       `json:"quantity"`
	CreatedAt   time.Time `json:"createdAt"`
}

// OEEResult is the outcome of an OEE computation over a time window.
type OEEResult struct {
	MachineID        string    `json:"machineId"`
	From             time.Time `json:"from"`
	To               time.Time `json:"to"`
	Availability     float64   `json:"availability"`
	Performance      float64   `json:"performance"`
	Quality          float64   `json:"quality"`
	OEE              float64   `json:"oee"`
	PlannedTime      int       `json:"plannedTime"`
	OperatingTime    int       `json:"operatingTime"`
	ActualProduction int       `json:"actualProduction"`
	GoodParts        int       `json:"goodParts"`
	TotalParts       int       `json:"totalParts"`
	DowntimeMinutes  int       `json:"downtimeMinutes"`
	DefectiveParts   int       `json:"defectiveParts"`
}

// Rates holds the four OEE percentages.
type Rates struct {
	Availability float64
	Performance  float64
	Quality      float64
	OEE          float64
}

// idealCycleTime is minutes per unit.
const idealCycleTime = 1.0

// ComputeRates applies the OEE formulas. A zero denominator yields 0 for that
// factor. Every value is rounded to two decimals.
func ComputeRates(plannedTime, operatingTime, actualProduction, goodParts int) Rates {
	var availability, performance, quality float64
	if plannedTime > 0 {
		availability = float64(operatingTime) / float64(plannedTime) * 100
	}
	if operatingTime > 0 {
		ideal := float64(operatingTime) / idealCycleTime
		performance = float64(actualProduction) / ideal * 100
	}
	if actualProduction > 0 {
		quality = float64(goodParts) / float64(actualProduction) * 100
	}
	oee := availability * performance * quality / 10000
	return Rates{
		Availability: Round2(availability),
		Performance:  Round2(performance),
		Quality:      Round2(quality),
		OEE:          Round2(oee),
	}
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Round1 rounds half away from zero to one decimal.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}
