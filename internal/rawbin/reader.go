package rawbin

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const bytesPerSample = 2 // int16 samples throughout

// defaultChunkSamples is the per-channel read granularity: large enough
// to amortize syscalls on multi-gigabyte files, small enough to keep a
// 384-channel chunk under ~100 MB.
const defaultChunkSamples = 1 << 17

// Reader provides chunked access to a channel-interleaved int16 binary
// recording without loading the whole file.
type Reader struct {
	f           *os.File
	numChannels int
	numSamples  int64
}

// Open opens a raw binary recording described by meta. The sample count
// is derived from the on-disk size; a mismatch against the declared
// FileSizeBytes is an error since a truncated recording would silently
// shift every decoded onset.
func Open(path string, meta Meta) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat recording: %w", err)
	}

	if meta.FileSizeBytes > 0 && info.Size() != meta.FileSizeBytes {
		f.Close()
		return nil, fmt.Errorf("recording size %d does not match meta declaration %d", info.Size(), meta.FileSizeBytes)
	}

	frameBytes := int64(meta.TotalChannels) * bytesPerSample
	if info.Size()%frameBytes != 0 {
		f.Close()
		return nil, fmt.Errorf("recording size %d is not a multiple of the %d-channel frame", info.Size(), meta.TotalChannels)
	}

	return &Reader{
		f:           f,
		numChannels: meta.TotalChannels,
		numSamples:  info.Size() / frameBytes,
	}, nil
}

// NumSamples returns the per-channel sample count.
func (r *Reader) NumSamples() int64 {
	return r.numSamples
}

// NumChannels returns the interleaved channel count.
func (r *Reader) NumChannels() int {
	return r.numChannels
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// Channel returns a view over one channel. Negative indices address
// channels from the end of the frame (-1 is the last channel, the
// usual position of the sync line).
func (r *Reader) Channel(ch int) (*ChannelView, error) {
	if ch < 0 {
		ch += r.numChannels
	}
	if ch < 0 || ch >= r.numChannels {
		return nil, fmt.Errorf("channel %d out of range for %d channels", ch, r.numChannels)
	}
	return &ChannelView{r: r, ch: ch, chunkSamples: defaultChunkSamples}, nil
}

// ChannelView is a read-only view over a single channel of a Reader.
// It implements the sample-source contract the pulse decoder consumes.
type ChannelView struct {
	r            *Reader
	ch           int
	chunkSamples int
}

// NumSamples returns the channel's sample count.
func (v *ChannelView) NumSamples() int64 {
	return v.r.numSamples
}

// ReadAt fills buf with per-channel samples starting at sample offset.
// It returns the number of samples read; io.EOF past the end.
func (v *ChannelView) ReadAt(buf []int16, offset int64) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("negative sample offset %d", offset)
	}
	if offset >= v.r.numSamples {
		return 0, io.EOF
	}

	n := int64(len(buf))
	if offset+n > v.r.numSamples {
		n = v.r.numSamples - offset
	}
	if n == 0 {
		return 0, nil
	}

	frameBytes := int64(v.r.numChannels) * bytesPerSample
	raw := make([]byte, n*frameBytes)
	if _, err := v.r.f.ReadAt(raw, offset*frameBytes); err != nil {
		return 0, fmt.Errorf("failed to read samples at %d: %w", offset, err)
	}

	chOff := int64(v.ch) * bytesPerSample
	for i := int64(0); i < n; i++ {
		buf[i] = int16(binary.LittleEndian.Uint16(raw[i*frameBytes+chOff:]))
	}
	return int(n), nil
}

// Fingerprint summarizes the channel contents for cache-staleness
// checks: total size plus samples probed from the head, middle, and
// tail of the file.
func (v *ChannelView) Fingerprint(probeSamples int) ([]int16, error) {
	if probeSamples <= 0 {
		probeSamples = 256
	}
	total := v.r.numSamples
	if int64(probeSamples)*3 > total {
		probeSamples = int(total / 3)
	}
	if probeSamples == 0 {
		return nil, nil
	}

	offsets := []int64{0, total/2 - int64(probeSamples)/2, total - int64(probeSamples)}
	probe := make([]int16, 0, probeSamples*3)
	buf := make([]int16, probeSamples)
	for _, off := range offsets {
		n, err := v.ReadAt(buf, off)
		if err != nil && err != io.EOF {
			return nil, err
		}
		probe = append(probe, buf[:n]...)
	}
	return probe, nil
}
