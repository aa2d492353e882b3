package align

import (
	"fmt"
	"math"

	"github.com/bartulem/usv-playpen/pkg/types"
)

// Mapping is an affine unit-to-time mapping for one stream: seconds
// elapsed since the stream's tracking start.
type Mapping struct {
	// Rate is the stream's sampling or frame rate in Hz.
	Rate float64

	// Origin is the native unit at which tracking starts.
	Origin int64
}

// ToSeconds converts a native unit to seconds since tracking start.
func (m Mapping) ToSeconds(unit int64) float64 {
	return float64(unit-m.Origin) / m.Rate
}

// ToUnit converts seconds since tracking start back to the nearest
// native unit. ToUnit(ToSeconds(u)) reproduces u within one unit.
func (m Mapping) ToUnit(seconds float64) int64 {
	return int64(math.Round(seconds*m.Rate)) + m.Origin
}

// Alignment relates two streams' tracking windows over the same
// physical interval. It does not resample anything: downstream
// consumers convert coordinates through the two affine mappings.
type Alignment struct {
	WindowA types.AlignmentWindow `json:"window_a"`
	WindowB types.AlignmentWindow `json:"window_b"`

	// SecondsA and SecondsB are each window's duration on its own
	// clock. They describe the same physical interval, so any gap
	// between them is clock divergence.
	SecondsA float64 `json:"seconds_a"`
	SecondsB float64 `json:"seconds_b"`

	MapA Mapping `json:"-"`
	MapB Mapping `json:"-"`
}

// AToB converts a stream-A unit to the corresponding stream-B unit.
func (al Alignment) AToB(unit int64) int64 {
	return al.MapB.ToUnit(al.MapA.ToSeconds(unit))
}

// BToA converts a stream-B unit to the corresponding stream-A unit.
func (al Alignment) BToA(unit int64) int64 {
	return al.MapA.ToUnit(al.MapB.ToSeconds(unit))
}

// Aligner pairs two streams by their native rates.
type Aligner struct {
	// RateA and RateB are the two streams' rates in Hz (e.g. 30000
	// ephys samples vs 150 video frames).
	RateA float64
	RateB float64
}

// Align converts both tracking windows to seconds on their own clocks.
// The windows are defined to span the same physical interval, from
// start of tracking to end of tracking on each device.
func (a Aligner) Align(windowA, windowB types.AlignmentWindow) (Alignment, error) {
	if a.RateA <= 0 || a.RateB <= 0 {
		return Alignment{}, fmt.Errorf("rates must be positive, got %g and %g", a.RateA, a.RateB)
	}
	if err := windowA.Validate(0); err != nil {
		return Alignment{}, fmt.Errorf("window A: %w", err)
	}
	if err := windowB.Validate(0); err != nil {
		return Alignment{}, fmt.Errorf("window B: %w", err)
	}

	return Alignment{
		WindowA:  windowA,
		WindowB:  windowB,
		SecondsA: windowA.Seconds(a.RateA),
		SecondsB: windowB.Seconds(a.RateB),
		MapA:     Mapping{Rate: a.RateA, Origin: windowA.TrackingStart},
		MapB:     Mapping{Rate: a.RateB, Origin: windowB.TrackingStart},
	}, nil
}
