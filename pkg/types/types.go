// Package types provides the shared domain types for cross-device
// synchronization: pulse and flash event sequences, breaks, alignment
// windows, and divergence reports.
package types

import "fmt"

// PulseEvent is a single rising edge detected on a digital trigger line,
// in the sample coordinates of the stream it was decoded from.
type PulseEvent struct {
	// OnsetSample is the sample index of the rising edge.
	OnsetSample int64 `json:"onset_sample"`

	// DurationSamples is the number of samples the line stayed high.
	DurationSamples int64 `json:"duration_samples"`
}

// FlashEvent is a single LED flash onset detected on one camera.
type FlashEvent struct {
	// OnsetFrame is the frame index at which the flash starts.
	OnsetFrame int64 `json:"onset_frame"`

	// Confidence is the relative intensity change that triggered the
	// detection, on a 0-1 scale.
	Confidence float64 `json:"confidence"`
}

// Break marks the single largest gap between consecutive events in a
// sequence. The break is deliberately inserted during recording and is
// used as a fiducial delimiting the tracked window.
type Break struct {
	// StartIndex is the onset of the event preceding the gap.
	StartIndex int64 `json:"start_index"`

	// EndIndex is the onset of the event following the gap.
	EndIndex int64 `json:"end_index"`

	// Duration is EndIndex - StartIndex, in the sequence's native units.
	Duration int64 `json:"duration"`
}

// AlignmentWindow is the tracked range on one stream, in that stream's
// native units (samples or frames).
type AlignmentWindow struct {
	TrackingStart int64 `json:"tracking_start"`
	TrackingEnd   int64 `json:"tracking_end"`
}

// Duration returns the window length in native units.
func (w AlignmentWindow) Duration() int64 {
	return w.TrackingEnd - w.TrackingStart
}

// Seconds converts the window length to seconds at the given rate.
func (w AlignmentWindow) Seconds(rate float64) float64 {
	return float64(w.Duration()) / rate
}

// Validate checks the window invariants against the stream's total
// sample/frame count. A totalUnits of zero disables the bounds check.
func (w AlignmentWindow) Validate(totalUnits int64) error {
	if w.TrackingEnd <= w.TrackingStart {
		return fmt.Errorf("tracking end %d must exceed tracking start %d", w.TrackingEnd, w.TrackingStart)
	}
	if w.TrackingStart < 0 {
		return fmt.Errorf("tracking start %d is negative", w.TrackingStart)
	}
	if totalUnits > 0 && w.TrackingEnd > totalUnits {
		return fmt.Errorf("tracking end %d exceeds stream bounds %d", w.TrackingEnd, totalUnits)
	}
	return nil
}

// DivergenceReport is the outcome of comparing two aligned streams'
// durations over the same physical interval. A failing report is data,
// not an error: the caller decides what to do with the session.
type DivergenceReport struct {
	ExpectedDuration float64 `json:"expected_duration_sec"`
	ObservedDuration float64 `json:"observed_duration_sec"`
	DiscrepancyMS    float64 `json:"discrepancy_ms"`
	ToleranceMS      float64 `json:"tolerance_ms"`
	Passed           bool    `json:"passed"`
}

// PulseOnsets extracts the onset sample of every pulse in order.
func PulseOnsets(pulses []PulseEvent) []int64 {
	onsets := make([]int64, len(pulses))
	for i, p := range pulses {
		onsets[i] = p.OnsetSample
	}
	return onsets
}

// FlashOnsets extracts the onset frame of every flash in order.
func FlashOnsets(flashes []FlashEvent) []int64 {
	onsets := make([]int64, len(flashes))
	for i, f := range flashes {
		onsets[i] = f.OnsetFrame
	}
	return onsets
}

// InterEventIntervals returns the gaps between consecutive onsets.
// The result has len(onsets)-1 entries; an input with fewer than two
// onsets yields nil.
func InterEventIntervals(onsets []int64) []int64 {
	if len(onsets) < 2 {
		return nil
	}
	ipis := make([]int64, len(onsets)-1)
	for i := 1; i < len(onsets); i++ {
		ipis[i-1] = onsets[i] - onsets[i-1]
	}
	return ipis
}

// ValidateOnsets checks that onsets are strictly increasing.
func ValidateOnsets(onsets []int64) error {
	for i := 1; i < len(onsets); i++ {
		if onsets[i] <= onsets[i-1] {
			return fmt.Errorf("onset %d at position %d does not increase over %d", onsets[i], i, onsets[i-1])
		}
	}
	return nil
}
