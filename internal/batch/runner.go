// Package batch runs synchronization work units in parallel across
// sessions, devices, and cameras. Units are independent except for the
// changepoint record file per (session, device), which must never see
// two concurrent writers.
package batch

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/bartulem/usv-playpen/internal/errors"
)

// Unit is one schedulable piece of work: syncing one device (or one
// camera) within one session.
type Unit struct {
	SessionID    string
	DeviceSerial string
}

// recordKey identifies the changepoint record a unit writes to.
func (u Unit) recordKey() string {
	return u.SessionID + "/" + u.DeviceSerial
}

// WorkFunc processes a single unit. It is called with the record lock
// for the unit's (session, device) pair held.
type WorkFunc func(ctx context.Context, unit Unit) error

// Outcome is the result of one unit. A failed unit never aborts its
// siblings; the caller inspects outcomes after the batch drains.
type Outcome struct {
	RunID string
	Unit  Unit
	Err   error
}

// Failed reports whether the unit ended in error.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Runner executes units with bounded parallelism.
type Runner struct {
	concurrency int

	recordMu sync.RWMutex
	records  map[string]*sync.Mutex
}

// NewRunner creates a runner with at most concurrency units in flight.
func NewRunner(concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		concurrency: concurrency,
		records:     make(map[string]*sync.Mutex),
	}
}

// Run processes all units and returns an outcome per unit, in input
// order. Units touching the same (session, device) record are
// serialized; everything else runs in parallel up to the concurrency
// limit. Run returns early only on context cancellation, and even then
// every outcome slot is populated.
func (r *Runner) Run(ctx context.Context, units []Unit, work WorkFunc) []Outcome {
	outcomes := make([]Outcome, len(units))
	sem := semaphore.NewWeighted(int64(r.concurrency))
	var wg sync.WaitGroup

	for i, unit := range units {
		outcomes[i] = Outcome{RunID: uuid.NewString(), Unit: unit}

		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i].Err = err
			continue
		}

		wg.Add(1)
		go func(i int, unit Unit) {
			defer sem.Release(1)
			defer wg.Done()

			lock := r.recordLock(unit.recordKey())
			lock.Lock()
			defer lock.Unlock()

			if err := ctx.Err(); err != nil {
				outcomes[i].Err = err
				return
			}

			if err := work(ctx, unit); err != nil {
				log.Printf("batch: session=%s device=%s run=%s failed: %v",
					unit.SessionID, unit.DeviceSerial, outcomes[i].RunID, err)
				outcomes[i].Err = err
			}
		}(i, unit)
	}

	wg.Wait()
	return outcomes
}

// recordLock returns the mutex guarding a record key, creating one if
// needed.
func (r *Runner) recordLock(key string) *sync.Mutex {
	r.recordMu.RLock()
	if lock, ok := r.records[key]; ok {
		r.recordMu.RUnlock()
		return lock
	}
	r.recordMu.RUnlock()

	r.recordMu.Lock()
	defer r.recordMu.Unlock()

	if lock, ok := r.records[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	r.records[key] = lock
	return lock
}

// Summarize splits outcomes into passed and failed and reports whether
// the batch as a whole should exit non-zero. Recoverable failures
// (a camera without a visible LED) count as warnings, not failures.
func Summarize(outcomes []Outcome) (passed, failed, warned []Outcome) {
	for _, o := range outcomes {
		switch {
		case o.Err == nil:
			passed = append(passed, o)
		case errors.IsRecoverable(o.Err):
			warned = append(warned, o)
		default:
			failed = append(failed, o)
		}
	}
	return passed, failed, warned
}
