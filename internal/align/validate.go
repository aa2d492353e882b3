package align

import "github.com/bartulem/usv-playpen/pkg/types"

// DefaultToleranceMS is just under two video frames at typical rates.
const DefaultToleranceMS = 12.0

// Validator checks whether two aligned streams agree on the duration of
// the tracked interval.
type Validator struct {
	// ToleranceMS is the maximum allowed discrepancy in milliseconds.
	// Zero selects DefaultToleranceMS.
	ToleranceMS float64
}

// Validate compares the two streams' durations. A failing report is a
// result, not an error: the caller must inspect Passed and decide
// whether to keep the session.
func (v Validator) Validate(al Alignment) types.DivergenceReport {
	tolerance := v.ToleranceMS
	if tolerance <= 0 {
		tolerance = DefaultToleranceMS
	}

	discrepancy := (al.SecondsA - al.SecondsB) * 1000
	if discrepancy < 0 {
		discrepancy = -discrepancy
	}

	return types.DivergenceReport{
		ExpectedDuration: al.SecondsA,
		ObservedDuration: al.SecondsB,
		DiscrepancyMS:    discrepancy,
		ToleranceMS:      tolerance,
		Passed:           discrepancy <= tolerance,
	}
}
