package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartulem/usv-playpen/internal/errors"
	"github.com/bartulem/usv-playpen/pkg/types"
)

func TestRunProcessesAllUnits(t *testing.T) {
	runner := NewRunner(4)
	units := []Unit{
		{SessionID: "s1", DeviceSerial: "probe0"},
		{SessionID: "s1", DeviceSerial: "ultrasonic0"},
		{SessionID: "s2", DeviceSerial: "probe0"},
	}

	var count int64
	outcomes := runner.Run(context.Background(), units, func(ctx context.Context, u Unit) error {
		atomic.AddInt64(&count, 1)
		return nil
	})

	assert.Equal(t, int64(3), count)
	require.Len(t, outcomes, 3)
	seen := make(map[string]bool)
	for i, o := range outcomes {
		assert.Equal(t, units[i], o.Unit, "outcomes keep input order")
		assert.False(t, o.Failed())
		assert.NotEmpty(t, o.RunID)
		assert.False(t, seen[o.RunID], "run IDs are unique")
		seen[o.RunID] = true
	}
}

func TestRunIsolatesSiblingFailures(t *testing.T) {
	runner := NewRunner(2)
	units := []Unit{
		{SessionID: "s1", DeviceSerial: "probe0"},
		{SessionID: "s2", DeviceSerial: "probe0"},
		{SessionID: "s3", DeviceSerial: "probe0"},
	}

	outcomes := runner.Run(context.Background(), units, func(ctx context.Context, u Unit) error {
		if u.SessionID == "s2" {
			return errors.NewDecodeError(errors.CodeNoPulsesDetected, "flat channel", types.ErrNoPulsesDetected)
		}
		return nil
	})

	assert.False(t, outcomes[0].Failed())
	assert.True(t, outcomes[1].Failed())
	assert.False(t, outcomes[2].Failed())
}

func TestRunSerializesSameRecord(t *testing.T) {
	runner := NewRunner(8)

	// Ten units all hammer the same (session, device) record. The keyed
	// lock must serialize them.
	units := make([]Unit, 10)
	for i := range units {
		units[i] = Unit{SessionID: "s1", DeviceSerial: "probe0"}
	}

	var inCritical int64
	var maxSeen int64
	var mu sync.Mutex

	outcomes := runner.Run(context.Background(), units, func(ctx context.Context, u Unit) error {
		n := atomic.AddInt64(&inCritical, 1)
		mu.Lock()
		if n > maxSeen {
			maxSeen = n
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		atomic.AddInt64(&inCritical, -1)
		return nil
	})

	for _, o := range outcomes {
		assert.False(t, o.Failed())
	}
	assert.Equal(t, int64(1), maxSeen, "same record never has two concurrent writers")
}

func TestRunDifferentRecordsProceedInParallel(t *testing.T) {
	runner := NewRunner(4)
	units := []Unit{
		{SessionID: "s1", DeviceSerial: "probe0"},
		{SessionID: "s1", DeviceSerial: "probe1"},
		{SessionID: "s2", DeviceSerial: "probe0"},
		{SessionID: "s2", DeviceSerial: "probe1"},
	}

	var inFlight, maxInFlight int64
	var mu sync.Mutex

	runner.Run(context.Background(), units, func(ctx context.Context, u Unit) error {
		n := atomic.AddInt64(&inFlight, 1)
		mu.Lock()
		if n > maxInFlight {
			maxInFlight = n
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, maxInFlight, int64(1), "distinct records overlap")
}

func TestRunCancelledContext(t *testing.T) {
	runner := NewRunner(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes := runner.Run(ctx, []Unit{{SessionID: "s1", DeviceSerial: "probe0"}},
		func(ctx context.Context, u Unit) error { return nil })

	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Failed())
}

func TestSummarize(t *testing.T) {
	outcomes := []Outcome{
		{Unit: Unit{SessionID: "s1"}},
		{Unit: Unit{SessionID: "s2"}, Err: errors.NewDecodeError(
			errors.CodeNoPulsesDetected, "flat channel", types.ErrNoPulsesDetected)},
		{Unit: Unit{SessionID: "s3"}, Err: errors.NewDecodeError(
			errors.CodeCameraSyncMissing, "no matching flashes", types.ErrCameraSyncMissing)},
	}

	passed, failed, warned := Summarize(outcomes)
	assert.Len(t, passed, 1)
	require.Len(t, failed, 1)
	assert.Equal(t, "s2", failed[0].Unit.SessionID)
	require.Len(t, warned, 1)
	assert.Equal(t, "s3", warned[0].Unit.SessionID)
}
