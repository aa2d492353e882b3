package pulse

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"

	interrors "github.com/bartulem/usv-playpen/internal/errors"
	"github.com/bartulem/usv-playpen/internal/rawbin"
	"github.com/bartulem/usv-playpen/pkg/types"
)

// lsbChannel builds a channel with the trigger line on bit 0, high for
// duration samples at each onset.
func lsbChannel(total int64, onsets []int64, duration int64) rawbin.Int16Slice {
	samples := make(rawbin.Int16Slice, total)
	for i := range samples {
		samples[i] = 128 // carrier signal on the upper bits
	}
	for _, onset := range onsets {
		for s := onset; s < onset+duration && s < total; s++ {
			samples[s] |= 1
		}
	}
	return samples
}

func TestDecodeLSBPulses(t *testing.T) {
	onsets := []int64{1000, 31000, 61000}
	src := lsbChannel(70000, onsets, 250)

	d := &Decoder{Bit: 0}
	events, err := d.Decode(src)
	assert.NoError(t, err)
	assert.Equal(t, onsets, types.PulseOnsets(events))
	for _, ev := range events {
		assert.Equal(t, int64(250), ev.DurationSamples)
	}
}

func TestDecodeLevelThreshold(t *testing.T) {
	// Ephys sync channels carry the trigger as an analog level, not a
	// multiplexed bit.
	samples := make(rawbin.Int16Slice, 2000)
	for s := 500; s < 700; s++ {
		samples[s] = 64
	}
	for s := 1200; s < 1400; s++ {
		samples[s] = 64
	}

	d := &Decoder{Bit: -1, Threshold: 32}
	events, err := d.Decode(samples)
	assert.NoError(t, err)
	assert.Equal(t, []int64{500, 1200}, types.PulseOnsets(events))
	assert.Equal(t, int64(200), events[0].DurationSamples)
}

func TestDecodeIsIdempotent(t *testing.T) {
	src := lsbChannel(50000, []int64{100, 9000, 17500, 33000}, 500)
	d := &Decoder{Bit: 0, MinPulseSamples: 5, MinGapSamples: 5}

	first, err := d.Decode(src)
	assert.NoError(t, err)
	second, err := d.Decode(src)
	assert.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecodeFlatChannelFails(t *testing.T) {
	src := make(rawbin.Int16Slice, 10000)

	d := &Decoder{Bit: 0}
	_, err := d.Decode(src)
	assert.True(t, errors.Is(err, types.ErrNoPulsesDetected))
	assert.Equal(t, interrors.CodeNoPulsesDetected, interrors.GetCode(err))
}

func TestDecodeSingleEdgeFails(t *testing.T) {
	// Rises once and stays high: one edge, no complete pulse.
	samples := make(rawbin.Int16Slice, 1000)
	for s := 400; s < 1000; s++ {
		samples[s] = 1
	}

	d := &Decoder{Bit: 0}
	_, err := d.Decode(samples)
	assert.True(t, errors.Is(err, types.ErrNoPulsesDetected))
}

func TestDecodeDropsTrailingUnterminatedPulse(t *testing.T) {
	samples := lsbChannel(1000, []int64{100}, 50)
	for s := 900; s < 1000; s++ {
		samples[s] |= 1 // still high at EOF
	}

	d := &Decoder{Bit: 0}
	events, err := d.Decode(samples)
	assert.NoError(t, err)
	assert.Equal(t, []int64{100}, types.PulseOnsets(events))
}

func TestDecodeDropsShortPulses(t *testing.T) {
	samples := lsbChannel(10000, []int64{1000, 5000}, 300)
	samples[3000] |= 1 // single-sample glitch

	d := &Decoder{Bit: 0, MinPulseSamples: 10}
	events, err := d.Decode(samples)
	assert.NoError(t, err)
	assert.Equal(t, []int64{1000, 5000}, types.PulseOnsets(events))
}

func TestDecodeMergesShortGaps(t *testing.T) {
	// A 300-sample pulse with a 3-sample dropout in the middle.
	samples := lsbChannel(10000, []int64{1000, 5000}, 300)
	samples[1100] &^= 1
	samples[1101] &^= 1
	samples[1102] &^= 1

	d := &Decoder{Bit: 0, MinGapSamples: 10}
	events, err := d.Decode(samples)
	assert.NoError(t, err)
	assert.Equal(t, []int64{1000, 5000}, types.PulseOnsets(events))
	assert.Equal(t, int64(300), events[0].DurationSamples)
}

func TestDecodeChunkBoundaryEdges(t *testing.T) {
	// A pulse straddling the chunk boundary must decode as one event.
	samples := lsbChannel(300, []int64{96}, 20)

	d := &Decoder{Bit: 0, ChunkSamples: 100}
	events, err := d.Decode(samples)
	assert.NoError(t, err)
	assert.Equal(t, []int64{96}, types.PulseOnsets(events))
	assert.Equal(t, int64(20), events[0].DurationSamples)
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cache := &Cache{Path: filepath.Join(dir, "trigger.sync_edges")}

	events := []types.PulseEvent{
		{OnsetSample: 1000, DurationSamples: 250},
		{OnsetSample: 31000, DurationSamples: 250},
	}

	assert.NoError(t, cache.Store(42, events))

	loaded, ok := cache.Load(42)
	assert.True(t, ok)
	assert.Equal(t, events, loaded)
}

func TestCacheStaleFingerprintMisses(t *testing.T) {
	dir := t.TempDir()
	cache := &Cache{Path: filepath.Join(dir, "trigger.sync_edges")}
	assert.NoError(t, cache.Store(42, []types.PulseEvent{{OnsetSample: 1, DurationSamples: 2}}))

	_, ok := cache.Load(43)
	assert.False(t, ok)
}

func TestCacheCorruptFileMisses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trigger.sync_edges")
	assert.NoError(t, os.WriteFile(path, []byte("not a cache"), 0644))

	cache := &Cache{Path: path}
	_, ok := cache.Load(42)
	assert.False(t, ok)
}

func TestCacheHugeCountIsAMiss(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trigger.sync_edges")

	// A well-formed header whose count field claims far more events
	// than the payload holds must miss, not allocate.
	raw := make([]byte, len(cacheMagic)+16)
	copy(raw, cacheMagic)
	binary.LittleEndian.PutUint64(raw[len(cacheMagic):], 42)
	binary.LittleEndian.PutUint64(raw[len(cacheMagic)+8:], 1<<60)
	assert.NoError(t, os.WriteFile(path, snappy.Encode(nil, raw), 0644))

	cache := &Cache{Path: path}
	_, ok := cache.Load(42)
	assert.False(t, ok)
}

func TestCacheTruncatedPayloadIsAMiss(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trigger.sync_edges")
	cache := &Cache{Path: path}
	assert.NoError(t, cache.Store(42, []types.PulseEvent{
		{OnsetSample: 1000, DurationSamples: 250},
		{OnsetSample: 2000, DurationSamples: 250},
	}))

	// Chop one event off the payload without touching the header.
	compressed, err := os.ReadFile(path)
	assert.NoError(t, err)
	raw, err := snappy.Decode(nil, compressed)
	assert.NoError(t, err)
	assert.NoError(t, os.WriteFile(path, snappy.Encode(nil, raw[:len(raw)-16]), 0644))

	_, ok := cache.Load(42)
	assert.False(t, ok)
}

func TestDecodeCachedReadThrough(t *testing.T) {
	dir := t.TempDir()
	cache := &Cache{Path: filepath.Join(dir, "trigger.sync_edges")}
	src := lsbChannel(50000, []int64{100, 9000, 17500}, 500)
	d := &Decoder{Bit: 0}

	first, err := d.DecodeCached(src, cache)
	assert.NoError(t, err)

	// The companion file now exists and a second decode agrees with the
	// first, whether served from cache or recomputed.
	_, statErr := os.Stat(cache.Path)
	assert.NoError(t, statErr)

	second, err := d.DecodeCached(src, cache)
	assert.NoError(t, err)
	assert.Equal(t, first, second)

	// Corrupting the companion file forces a recompute, not a failure.
	assert.NoError(t, os.WriteFile(cache.Path, []byte("garbage"), 0644))
	third, err := d.DecodeCached(src, cache)
	assert.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestFingerprintSensitivity(t *testing.T) {
	src := lsbChannel(10000, []int64{1000}, 100)
	d := &Decoder{Bit: 0}

	fp1, err := Fingerprint(src, d)
	assert.NoError(t, err)

	// Different parameters change the fingerprint.
	d2 := &Decoder{Bit: 0, MinPulseSamples: 5}
	fp2, err := Fingerprint(src, d2)
	assert.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)

	// Different data changes the fingerprint.
	src2 := lsbChannel(10000, []int64{1000}, 100)
	src2[0] = 999
	fp3, err := Fingerprint(src2, d)
	assert.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}
