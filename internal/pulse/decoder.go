// Package pulse decodes a digital trigger bit-stream from one channel of
// a multi-channel recording into an ordered sequence of pulse onsets.
package pulse

import (
	"fmt"
	"io"

	"github.com/bartulem/usv-playpen/internal/errors"
	"github.com/bartulem/usv-playpen/pkg/types"
)

// SampleSource is the single-channel view a decoder scans. It is
// satisfied by rawbin.ChannelView for on-disk recordings and by
// rawbin.Int16Slice for channels already in memory.
type SampleSource interface {
	NumSamples() int64
	ReadAt(buf []int16, offset int64) (int, error)
}

// Decoder extracts pulse events from a trigger channel.
// The zero value decodes the least significant bit with no debouncing.
type Decoder struct {
	// Bit is the bit position within each sample word carrying the
	// digital line. A negative value switches to level-threshold
	// decoding for analog-encoded digital lines.
	Bit int

	// Threshold is the level above which a sample counts as HIGH when
	// Bit is negative.
	Threshold int16

	// MinPulseSamples discards HIGH runs shorter than this as noise.
	MinPulseSamples int64

	// MinGapSamples merges LOW runs shorter than this back into the
	// surrounding pulse, correcting spurious dropouts inside one pulse.
	MinGapSamples int64

	// ChunkSamples is the read granularity. Zero selects a default
	// suitable for multi-gigabyte files.
	ChunkSamples int
}

const defaultChunkSamples = 1 << 17

// Decode scans the channel and returns the ordered pulse sequence.
// Decoding is deterministic: the same channel always yields the same
// sequence. A flat channel, or one with fewer than two edges, fails
// with NoPulsesDetected.
func (d *Decoder) Decode(src SampleSource) ([]types.PulseEvent, error) {
	intervals, err := d.scan(src)
	if err != nil {
		return nil, err
	}

	intervals = mergeShortGaps(intervals, d.MinGapSamples)
	intervals = dropShortPulses(intervals, d.MinPulseSamples)

	if len(intervals) == 0 {
		return nil, errors.Wrap(errors.ErrCategoryDecode, errors.CodeNoPulsesDetected,
			fmt.Sprintf("channel of %d samples has no usable pulses", src.NumSamples()),
			types.ErrNoPulsesDetected)
	}

	events := make([]types.PulseEvent, len(intervals))
	for i, iv := range intervals {
		events[i] = types.PulseEvent{
			OnsetSample:     iv.onset,
			DurationSamples: iv.end - iv.onset,
		}
	}
	return events, nil
}

// scan streams the channel in chunks and collects raw HIGH intervals.
// A pulse still high at end of file has no falling edge and is dropped,
// matching the rising/falling pairing rule.
func (d *Decoder) scan(src SampleSource) ([]interval, error) {
	chunk := d.ChunkSamples
	if chunk <= 0 {
		chunk = defaultChunkSamples
	}

	total := src.NumSamples()
	if total < 2 {
		return nil, errors.Wrap(errors.ErrCategoryDecode, errors.CodeNoPulsesDetected,
			fmt.Sprintf("channel has only %d samples", total),
			types.ErrNoPulsesDetected)
	}

	var (
		intervals []interval
		high      bool
		onset     int64
		edges     int
	)

	buf := make([]int16, chunk)
	for offset := int64(0); offset < total; {
		n, err := src.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return nil, errors.NewDecodeError(errors.CodeBadChannelLayout,
				fmt.Sprintf("failed reading trigger channel at sample %d", offset), err)
		}
		if n == 0 {
			break
		}

		for i := 0; i < n; i++ {
			level := d.isHigh(buf[i])
			idx := offset + int64(i)
			switch {
			case level && !high:
				onset = idx
				high = true
				edges++
			case !level && high:
				intervals = append(intervals, interval{onset: onset, end: idx})
				high = false
				edges++
			}
		}
		offset += int64(n)
	}

	if edges < 2 {
		return nil, errors.Wrap(errors.ErrCategoryDecode, errors.CodeNoPulsesDetected,
			fmt.Sprintf("channel carries %d edges, need at least 2", edges),
			types.ErrNoPulsesDetected)
	}
	return intervals, nil
}

// isHigh decides one sample's logic level.
func (d *Decoder) isHigh(sample int16) bool {
	if d.Bit >= 0 {
		return sample&(1<<uint(d.Bit)) != 0
	}
	return sample > d.Threshold
}
