package pulse

// interval is one HIGH run: [onset, end) in sample coordinates.
type interval struct {
	onset int64
	end   int64
}

// mergeShortGaps joins pulses separated by a LOW run shorter than
// minGap. Spurious LOW samples inside a real pulse otherwise split it
// into two phantom pulses.
func mergeShortGaps(intervals []interval, minGap int64) []interval {
	if minGap <= 0 || len(intervals) < 2 {
		return intervals
	}

	merged := intervals[:1]
	for _, iv := range intervals[1:] {
		last := &merged[len(merged)-1]
		if iv.onset-last.end < minGap {
			last.end = iv.end
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// dropShortPulses removes HIGH runs shorter than minPulse, the noise
// floor for the trigger line.
func dropShortPulses(intervals []interval, minPulse int64) []interval {
	if minPulse <= 0 {
		return intervals
	}

	kept := intervals[:0]
	for _, iv := range intervals {
		if iv.end-iv.onset >= minPulse {
			kept = append(kept, iv)
		}
	}
	return kept
}
