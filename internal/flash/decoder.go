package flash

import (
	"fmt"
	"math"

	"github.com/bartulem/usv-playpen/internal/errors"
	"github.com/bartulem/usv-playpen/pkg/types"
)

// Detector finds flash onsets in a per-frame intensity series.
type Detector struct {
	// Threshold is the relative intensity change (0-1) that counts as a
	// flash edge.
	Threshold float64

	// RefractoryFrames suppresses a second onset within this many
	// frames of the previous one. A flash spanning two frames at high
	// frame rates otherwise counts twice.
	RefractoryFrames int

	// FPS is the camera frame rate, used to express flash intervals in
	// milliseconds for pattern matching.
	FPS float64
}

// sweepSpan is how far below the configured threshold the detector
// relaxes while searching for a pulse-pattern match, in steps of
// sweepStep. Dim LEDs or exposure changes shrink the relative deltas.
const (
	sweepSpan = 0.10
	sweepStep = 0.01
)

// Detect flags flash onsets at a single threshold: a frame-to-frame
// relative intensity rise above the threshold, preceded by a stable
// frame, and outside the refractory window of the previous onset.
func (d *Detector) Detect(series []float64, threshold float64) []types.FlashEvent {
	var events []types.FlashEvent
	lastOnset := int64(math.MinInt64)

	for i := 1; i < len(series); i++ {
		delta := relativeChange(series[i-1], series[i])
		if delta < threshold {
			continue
		}
		if i >= 2 {
			prev := relativeChange(series[i-2], series[i-1])
			if math.Abs(prev) >= threshold {
				// Mid-flash or mid-decay, not an onset.
				continue
			}
		}
		onset := int64(i)
		if onset-lastOnset <= int64(d.RefractoryFrames) {
			continue
		}
		lastOnset = onset
		events = append(events, types.FlashEvent{
			OnsetFrame: onset,
			Confidence: math.Min(delta, 1),
		})
	}
	return events
}

// relativeChange is the proportional intensity rise from prev to cur,
// positive when the LED turns on.
func relativeChange(prev, cur float64) float64 {
	if prev == 0 {
		if cur == 0 {
			return 0
		}
		return 1
	}
	return cur/prev - 1
}

// DetectMatched sweeps the threshold downward from the configured value
// until the detected flash intervals match a subsequence of the decoded
// pulse IPIs within toleranceMS. It returns the flash sequence and the
// offset into pulseIPIsMS where the match begins.
//
// A camera with no flashes at any threshold fails with
// NoFlashesDetected; flashes that never match the pulse pattern fail
// with CameraSyncMissing. Both errors are recoverable: the camera is
// excluded and alignment proceeds with the remaining cameras.
func (d *Detector) DetectMatched(series []float64, pulseIPIsMS []float64, toleranceMS float64) ([]types.FlashEvent, int, error) {
	if d.FPS <= 0 {
		return nil, 0, fmt.Errorf("detector FPS must be positive, got %g", d.FPS)
	}

	anyFlashes := false
	for threshold := d.Threshold; threshold > d.Threshold-sweepSpan-sweepStep/2; threshold -= sweepStep {
		events := d.Detect(series, threshold)
		if len(events) == 0 {
			continue
		}
		anyFlashes = true

		if len(pulseIPIsMS) == 0 {
			// No pulse pattern to match against; take the detection at
			// the strictest threshold that produced events.
			return events, 0, nil
		}

		if offset, ok := MatchSequence(events, d.FPS, pulseIPIsMS, toleranceMS); ok {
			return events, offset, nil
		}
	}

	if !anyFlashes {
		return nil, 0, errors.Wrap(errors.ErrCategoryDecode, errors.CodeNoFlashesDetected,
			fmt.Sprintf("no flash exceeds threshold %.2f over %d frames", d.Threshold, len(series)),
			types.ErrNoFlashesDetected)
	}
	return nil, 0, errors.Wrap(errors.ErrCategoryDecode, errors.CodeCameraSyncMissing,
		"detected flashes never match the decoded pulse pattern",
		types.ErrCameraSyncMissing)
}

// MatchSequence slides the flash inter-event intervals over the pulse
// IPI sequence and reports the first offset where every interval agrees
// within toleranceMS. The flash train is typically a short window into
// a much longer pulse train.
func MatchSequence(flashes []types.FlashEvent, fps float64, pulseIPIsMS []float64, toleranceMS float64) (int, bool) {
	flashIPIs := types.InterEventIntervals(types.FlashOnsets(flashes))
	if len(flashIPIs) == 0 || len(flashIPIs) > len(pulseIPIsMS) {
		return 0, false
	}

	msPerFrame := 1000 / fps
	for offset := 0; offset+len(flashIPIs) <= len(pulseIPIsMS); offset++ {
		matched := true
		for i, ipi := range flashIPIs {
			if math.Abs(float64(ipi)*msPerFrame-pulseIPIsMS[offset+i]) > toleranceMS {
				matched = false
				break
			}
		}
		if matched {
			return offset, true
		}
	}
	return 0, false
}
