// Package align locates the synchronization break in decoded event
// sequences, derives tracking windows, aligns two streams onto a common
// time base, and validates their divergence.
package align

import (
	"fmt"

	"github.com/bartulem/usv-playpen/internal/errors"
	"github.com/bartulem/usv-playpen/pkg/types"
)

// FindBreak selects the single largest gap between consecutive onsets.
// Ties break toward the earliest gap. The returned hop is the index of
// the event immediately after the break.
//
// The deliberately inserted break is multi-second, at least an order of
// magnitude longer than any ordinary inter-pulse interval. That is a
// recording-design invariant, not a runtime check: violated inputs
// yield a wrong break here and are caught downstream by the divergence
// validator.
func FindBreak(onsets []int64) (types.Break, int, error) {
	if len(onsets) < 2 {
		return types.Break{}, 0, errors.NewAlignError(errors.CodeTooFewEvents,
			fmt.Sprintf("need at least 2 events to find a break, have %d", len(onsets)))
	}

	best := 0
	var bestGap int64 = -1
	for i := 1; i < len(onsets); i++ {
		if gap := onsets[i] - onsets[i-1]; gap > bestGap {
			bestGap = gap
			best = i
		}
	}

	return types.Break{
		StartIndex: onsets[best-1],
		EndIndex:   onsets[best],
		Duration:   bestGap,
	}, best, nil
}

// TrackingWindow derives the tracked range from an event sequence:
// tracking starts at the first event after the break and ends at the
// last detected event. When eventCount is positive (the shared pulse
// count during tracking is known, e.g. the camera frame total), the end
// is pinned to the event exactly eventCount past the break; a sequence
// too short for that is out of bounds, meaning the recording stopped
// before tracking did.
func TrackingWindow(onsets []int64, eventCount int) (types.AlignmentWindow, types.Break, error) {
	brk, hop, err := FindBreak(onsets)
	if err != nil {
		return types.AlignmentWindow{}, types.Break{}, err
	}

	window := types.AlignmentWindow{TrackingStart: brk.EndIndex}
	if eventCount > 0 {
		end := hop + eventCount
		if end >= len(onsets) {
			return types.AlignmentWindow{}, brk, errors.NewAlignError(errors.CodeWindowOutOfBounds,
				fmt.Sprintf("tracking needs event %d past the break but only %d events were decoded", end, len(onsets)))
		}
		window.TrackingEnd = onsets[end]
	} else {
		window.TrackingEnd = onsets[len(onsets)-1]
	}

	if err := window.Validate(0); err != nil {
		return types.AlignmentWindow{}, brk, errors.NewAlignError(errors.CodeWindowOutOfBounds, err.Error())
	}
	return window, brk, nil
}
