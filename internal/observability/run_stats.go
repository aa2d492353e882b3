// Package observability tracks per-stage timings and outcome statistics
// across a batch synchronization run.
package observability

import (
	"sort"
	"sync"
	"time"
)

// Stage names used by the pipeline.
const (
	StageDecode   = "decode"
	StageFlash    = "flash"
	StageAlign    = "align"
	StageValidate = "validate"
	StagePersist  = "persist"
)

// RunStats aggregates stage durations, error codes, and discrepancy
// outcomes. All methods are thread-safe; the batch runner feeds it from
// many goroutines.
type RunStats struct {
	mu            sync.RWMutex
	stages        map[string]*StageStats
	errorCounts   map[string]int64
	discrepancies []float64
	passed        int64
	failed        int64
}

// StageStats holds accumulated timing for one pipeline stage.
type StageStats struct {
	Stage string
	Count int64
	Total time.Duration
	Max   time.Duration
}

// Mean returns the average duration per invocation.
func (s StageStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// NewRunStats creates an empty tracker.
func NewRunStats() *RunStats {
	return &RunStats{
		stages:      make(map[string]*StageStats),
		errorCounts: make(map[string]int64),
	}
}

// RecordStage records one invocation of a pipeline stage.
func (r *RunStats) RecordStage(stage string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats, ok := r.stages[stage]
	if !ok {
		stats = &StageStats{Stage: stage}
		r.stages[stage] = stats
	}
	stats.Count++
	stats.Total += elapsed
	if elapsed > stats.Max {
		stats.Max = elapsed
	}
}

// TimeStage runs fn, recording its duration under stage.
func (r *RunStats) TimeStage(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.RecordStage(stage, time.Since(start))
	return err
}

// RecordError counts one occurrence of an error code.
func (r *RunStats) RecordError(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorCounts[code]++
}

// RecordDivergence records one validation outcome.
func (r *RunStats) RecordDivergence(discrepancyMS float64, passed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discrepancies = append(r.discrepancies, discrepancyMS)
	if passed {
		r.passed++
	} else {
		r.failed++
	}
}

// Snapshot is a point-in-time copy of the accumulated statistics.
type Snapshot struct {
	Stages      []StageStats
	ErrorCounts map[string]int64
	Passed      int64
	Failed      int64

	// DiscrepancyP50 and DiscrepancyP95 summarize the absolute clock
	// divergence distribution in milliseconds.
	DiscrepancyP50 float64
	DiscrepancyP95 float64
}

// Snapshot returns a copy of the current statistics. Stages come back
// sorted by total time descending so the dominant cost reads first.
func (r *RunStats) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		ErrorCounts: make(map[string]int64, len(r.errorCounts)),
		Passed:      r.passed,
		Failed:      r.failed,
	}
	for code, n := range r.errorCounts {
		snap.ErrorCounts[code] = n
	}

	snap.Stages = make([]StageStats, 0, len(r.stages))
	for _, s := range r.stages {
		snap.Stages = append(snap.Stages, *s)
	}
	sort.Slice(snap.Stages, func(i, j int) bool {
		return snap.Stages[i].Total > snap.Stages[j].Total
	})

	snap.DiscrepancyP50 = percentile(r.discrepancies, 0.50)
	snap.DiscrepancyP95 = percentile(r.discrepancies, 0.95)
	return snap
}

// percentile computes the p-th percentile (0-1) by nearest rank.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := int(p * float64(len(sorted)-1))
	return sorted[rank]
}
