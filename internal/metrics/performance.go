// Package metrics exposes Prometheus collectors and an in-process
// throughput tracker for the performance endpoint.
package metrics

import (
	"fmt"
	"sync"
	"time"
)

const window = time.Minute

// Performance is a point-in-time throughput summary.
type Performance struct {
	UptimeSeconds     int64     `json:"uptimeSeconds"`
	Uptime            string    `json:"uptime"`
	MessagesPerSecond float64   `json:"messagesPerSecond"`
	TotalMessages     int64     `json:"totalMessages"`
	AverageLatencyMs  float64   `json:"averageLatencyMs"`
	Timestamp         time.Time `json:"timestamp"`
}

// Tracker counts processed messages and keeps the last minute of arrival
// times to derive a messages-per-second rate.
type Tracker struct {
	mu        sync.Mutex
	started   time.Time
	total     int64
	arrivals  []time.Time
	latencies []time.Duration // parallel to arrivals
	now       func() time.Time
}

func NewTracker() *Tracker {
	return newTrackerWithClock(time.Now)
}

func newTrackerWithClock(now func() time.Time) *Tracker {
	return &Tracker{started: now(), now: now}
}

// Record notes one processed message and how long it took.
func (t *Tracker) Record(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.total++
	t.arrivals = append(t.arrivals, now)
	t.latencies = append(t.latencies, latency)
	t.trim(now)
}

func (t *Tracker) trim(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(t.arrivals) && t.arrivals[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		t.arrivals = append(t.arrivals[:0], t.arrivals[i:]...)
		t.latencies = append(t.latencies[:0], t.latencies[i:]...)
	}
}

// Snapshot returns the current figures.
func (t *Tracker) Snapshot() Performance {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.trim(now)

	var avg float64
	if n := len(t.latencies); n > 0 {
		var sum time.Duration
		for _, l := range t.latencies {
			sum += l
		}
		avg = float64(sum.Microseconds()) / float64(n) / 1000
	}

	uptime := now.Sub(t.started)
	return Performance{
		UptimeSeconds:     int64(uptime.Seconds()),
		Uptime:            formatUptime(uptime),
		MessagesPerSecond: float64(len(t.arrivals)) / window.Seconds(),
		TotalMessages:     t.total,
		AverageLatencyMs:  avg,
		Timestamp:         now,
	}
}

func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	h := int(d / time.Hour)
	d -= time.Duration(h) * time.Hour
	m := int(d / time.Minute)
	d -= time.Duration(m) * time.Minute
	s := int(d / time.Second)
	return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
}
