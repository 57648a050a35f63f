package service

import (
	"sync"
	"time"
)

// SourceStats describes the last poll of one source.
type SourceStats struct {
	Name                string    `json:"name"`
	Symbols             int       `json:"symbols"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorAt         time.Time `json:"last_error_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SkippedSymbols      int       `json:"skipped_symbols"`
	TrackedSeries       int       `json:"tracked_series"`
}

// Stats is a point-in-time view of the service, served by the status endpoint.
type Stats struct {
	Cycles            uint64        `json:"cycles"`
	LastCycleAt       time.Time     `json:"last_cycle_at,omitempty"`
	LastCycleDuration string        `json:"last_cycle_duration,omitempty"`
	AlertsDetected    uint64        `json:"alerts_detected"`
	AlertsDelivered   uint64        `json:"alerts_delivered"`
	DeliveryFailures  uint64        `json:"delivery_failures"`
	TrackedSeries     int           `json:"tracked_series"`
	Sources           []SourceStats `json:"sources"`
}

type statsTracker struct {
	mu      sync.Mutex
	stats   Stats
	sources map[string]int
}

func newStatsTracker(names []string) *statsTracker {
	t := &statsTracker{sources: make(map[string]int, len(names))}
	for i, name := range names {
		t.sources[name] = i
		t.stats.Sources = append(t.stats.Sources, SourceStats{Name: name})
	}
	return t
}

func (t *statsTracker) recordSource(res sourceResult, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.sources[res.name]
	if !ok {
		return
	}
	src := &t.stats.Sources[idx]
	src.Symbols = res.symbols
	src.SkippedSymbols = res.softErrors
	if res.err != nil {
		src.LastError = res.err.Error()
		src.LastErrorAt = at
		src.ConsecutiveFailures++
		return
	}
	src.LastSuccess = at
	src.ConsecutiveFailures = 0
}

func (t *statsTracker) recordCycle(at time.Time, took time.Duration, detected, delivered, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.Cycles++
	t.stats.LastCycleAt = at
	t.stats.LastCycleDuration = took.String()
	t.stats.AlertsDetected += uint64(detected)
	t.stats.AlertsDelivered += uint64(delivered)
	t.stats.DeliveryFailures += uint64(failed)
}

// snapshot copies the counters; perSource maps source name to its live window count.
func (t *statsTracker) snapshot(perSource map[string]int) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.stats
	out.Sources = append([]SourceStats(nil), t.stats.Sources...)
	for i := range out.Sources {
		n := perSource[out.Sources[i].Name]
		out.Sources[i].TrackedSeries = n
		out.TrackedSeries += n
	}
	return out
}
