package rawbin

import "io"

// Int16Slice adapts an in-memory channel to the same read contract as
// ChannelView. Used for channels already split out to per-channel files
// (e.g. single-channel WAV payloads) and in tests.
type Int16Slice []int16

// NumSamples returns the channel length.
func (s Int16Slice) NumSamples() int64 {
	return int64(len(s))
}

// ReadAt fills buf starting at sample offset.
func (s Int16Slice) ReadAt(buf []int16, offset int64) (int, error) {
	if offset >= int64(len(s)) {
		return 0, io.EOF
	}
	n := copy(buf, s[offset:])
	return n, nil
}
