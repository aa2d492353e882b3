package align

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bartulem/usv-playpen/internal/errors"
	"github.com/bartulem/usv-playpen/pkg/types"
)

func TestFindBreakScenario(t *testing.T) {
	// Pulses at 30 kHz, one per second, with a deliberate 139341-sample
	// (~4.64 s) break after the third pulse.
	onsets := []int64{1000, 31000, 61000, 200341}

	brk, hop, err := FindBreak(onsets)
	assert.NoError(t, err)
	assert.Equal(t, types.Break{StartIndex: 61000, EndIndex: 200341, Duration: 139341}, brk)
	assert.Equal(t, 3, hop)
}

func TestFindBreakEarliestTieWins(t *testing.T) {
	onsets := []int64{0, 100, 200, 300}

	brk, hop, err := FindBreak(onsets)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), brk.StartIndex)
	assert.Equal(t, int64(100), brk.EndIndex)
	assert.Equal(t, 1, hop)
}

func TestFindBreakTooFewEvents(t *testing.T) {
	_, _, err := FindBreak([]int64{5})
	assert.Equal(t, errors.CodeTooFewEvents, errors.GetCode(err))
}

func TestTrackingWindowEndsAtLastEvent(t *testing.T) {
	onsets := []int64{1000, 31000, 61000, 200341, 230341, 260341}

	window, brk, err := TrackingWindow(onsets, 0)
	assert.NoError(t, err)
	assert.Equal(t, int64(139341), brk.Duration)
	assert.Equal(t, int64(200341), window.TrackingStart)
	assert.Equal(t, int64(260341), window.TrackingEnd)
}

func TestTrackingWindowPinnedToEventCount(t *testing.T) {
	// Break after the second event, then five tracked pulses.
	onsets := []int64{100, 200, 10000, 10100, 10200, 10300, 10400}

	window, _, err := TrackingWindow(onsets, 3)
	assert.NoError(t, err)
	assert.Equal(t, int64(10000), window.TrackingStart)
	assert.Equal(t, int64(10300), window.TrackingEnd)
}

func TestTrackingWindowEventCountOutOfBounds(t *testing.T) {
	onsets := []int64{100, 200, 10000, 10100}

	_, _, err := TrackingWindow(onsets, 10)
	assert.Equal(t, errors.CodeWindowOutOfBounds, errors.GetCode(err))
}

func TestAlignScenarioAudioToVideo(t *testing.T) {
	// Camera at 150 fps, audio at 250 kHz, both tracking from zero.
	aligner := Aligner{RateA: 250000, RateB: 150}
	al, err := aligner.Align(
		types.AlignmentWindow{TrackingStart: 0, TrackingEnd: 1000000},
		types.AlignmentWindow{TrackingStart: 0, TrackingEnd: 600},
	)
	assert.NoError(t, err)

	// The flash pulse at sample 70000 (~0.28 s) lands on frame 42.
	assert.Equal(t, int64(42), al.AToB(70000))
}

func TestAlignWindowOffsets(t *testing.T) {
	// Tracking windows rarely start at zero: both streams carry a
	// pre-tracking segment before the break.
	aligner := Aligner{RateA: 30000, RateB: 150}
	al, err := aligner.Align(
		types.AlignmentWindow{TrackingStart: 200341, TrackingEnd: 2000341},
		types.AlignmentWindow{TrackingStart: 90, TrackingEnd: 9090},
	)
	assert.NoError(t, err)

	assert.InDelta(t, 60.0, al.SecondsA, 1e-9)
	assert.InDelta(t, 60.0, al.SecondsB, 1e-9)

	// One second into tracking on the ephys clock is 150 frames past
	// the video tracking start.
	assert.Equal(t, int64(90+150), al.AToB(200341+30000))
	assert.Equal(t, int64(200341), al.BToA(90))
}

func TestAlignRejectsBadInput(t *testing.T) {
	aligner := Aligner{RateA: 0, RateB: 150}
	_, err := aligner.Align(
		types.AlignmentWindow{TrackingStart: 0, TrackingEnd: 10},
		types.AlignmentWindow{TrackingStart: 0, TrackingEnd: 10},
	)
	assert.Error(t, err)

	aligner = Aligner{RateA: 30000, RateB: 150}
	_, err = aligner.Align(
		types.AlignmentWindow{TrackingStart: 10, TrackingEnd: 10},
		types.AlignmentWindow{TrackingStart: 0, TrackingEnd: 10},
	)
	assert.Error(t, err)
}

func TestValidateMatchingDurationsPass(t *testing.T) {
	aligner := Aligner{RateA: 30000, RateB: 150}
	al, err := aligner.Align(
		types.AlignmentWindow{TrackingStart: 0, TrackingEnd: 1800000}, // 60 s
		types.AlignmentWindow{TrackingStart: 0, TrackingEnd: 9000},    // 60 s
	)
	assert.NoError(t, err)

	report := Validator{ToleranceMS: 12}.Validate(al)
	assert.True(t, report.Passed)
	assert.InDelta(t, 0.0, report.DiscrepancyMS, 1e-9)
	assert.Equal(t, 12.0, report.ToleranceMS)
}

func TestValidateInjectedDiscrepancyFails(t *testing.T) {
	// Stream B runs 20 ms long over the same interval.
	aligner := Aligner{RateA: 30000, RateB: 150}
	al, err := aligner.Align(
		types.AlignmentWindow{TrackingStart: 0, TrackingEnd: 1800000}, // 60.000 s
		types.AlignmentWindow{TrackingStart: 0, TrackingEnd: 9003},    // 60.020 s
	)
	assert.NoError(t, err)

	report := Validator{ToleranceMS: 12}.Validate(al)
	assert.False(t, report.Passed)
	assert.InDelta(t, 20.0, report.DiscrepancyMS, 1e-6)
}

func TestValidateDefaultTolerance(t *testing.T) {
	al := Alignment{SecondsA: 60.0, SecondsB: 60.011}
	report := Validator{}.Validate(al)
	assert.Equal(t, DefaultToleranceMS, report.ToleranceMS)
	assert.True(t, report.Passed)

	al.SecondsB = 60.013
	report = Validator{}.Validate(al)
	assert.False(t, report.Passed)
}
