package pulse

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	"github.com/bartulem/usv-playpen/pkg/types"
)

// cacheMagic identifies a decoded-edge companion file.
const cacheMagic = "PDC1"

// Cache is an advisory companion file holding a decoded pulse sequence,
// so a multi-gigabyte binary is not re-scanned on every run. It is
// read-through: a missing, corrupt, or stale file is a miss and the
// caller recomputes.
type Cache struct {
	Path string
}

// fingerprinter is implemented by sources that can probe their contents
// cheaply (rawbin.ChannelView).
type fingerprinter interface {
	Fingerprint(probeSamples int) ([]int16, error)
}

// Fingerprint hashes the source contents and decoder parameters. Any
// change to either invalidates the cached sequence.
func Fingerprint(src SampleSource, d *Decoder) (uint64, error) {
	var probe []int16
	var err error
	if fp, ok := src.(fingerprinter); ok {
		probe, err = fp.Fingerprint(256)
	} else {
		probe = make([]int16, 256)
		var n int
		n, err = src.ReadAt(probe, 0)
		probe = probe[:n]
	}
	if err != nil {
		return 0, fmt.Errorf("failed to probe source: %w", err)
	}

	buf := make([]byte, 0, len(probe)*2+5*8)
	for _, s := range probe {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(s))
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(src.NumSamples()))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(int64(d.Bit)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(int64(d.Threshold)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(d.MinPulseSamples))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(d.MinGapSamples))

	return murmur3.Sum64(buf), nil
}

// Load returns the cached sequence if the file exists, decodes cleanly,
// and matches the fingerprint. Every failure mode is a plain miss.
func (c *Cache) Load(fingerprint uint64) ([]types.PulseEvent, bool) {
	compressed, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, false
	}

	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, false
	}

	headerSize := len(cacheMagic) + 8 + 8
	if len(raw) < headerSize || string(raw[:len(cacheMagic)]) != cacheMagic {
		return nil, false
	}

	storedFP := binary.LittleEndian.Uint64(raw[len(cacheMagic):])
	if storedFP != fingerprint {
		return nil, false
	}

	// The count field is untrusted: compare it against the actual
	// payload length rather than multiplying it, so a corrupt value
	// cannot overflow or over-allocate.
	payload := len(raw) - headerSize
	count := binary.LittleEndian.Uint64(raw[len(cacheMagic)+8:])
	if payload%16 != 0 || count != uint64(payload/16) {
		return nil, false
	}

	events := make([]types.PulseEvent, count)
	for i := range events {
		off := headerSize + i*16
		events[i] = types.PulseEvent{
			OnsetSample:     int64(binary.LittleEndian.Uint64(raw[off:])),
			DurationSamples: int64(binary.LittleEndian.Uint64(raw[off+8:])),
		}
	}
	return events, true
}

// Store writes the sequence atomically (temp file plus rename) so a
// crashed run never leaves a truncated cache behind.
func (c *Cache) Store(fingerprint uint64, events []types.PulseEvent) error {
	headerSize := len(cacheMagic) + 8 + 8
	raw := make([]byte, headerSize+len(events)*16)
	copy(raw, cacheMagic)
	binary.LittleEndian.PutUint64(raw[len(cacheMagic):], fingerprint)
	binary.LittleEndian.PutUint64(raw[len(cacheMagic)+8:], uint64(len(events)))
	for i, ev := range events {
		off := headerSize + i*16
		binary.LittleEndian.PutUint64(raw[off:], uint64(ev.OnsetSample))
		binary.LittleEndian.PutUint64(raw[off+8:], uint64(ev.DurationSamples))
	}

	compressed := snappy.Encode(nil, raw)

	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0644); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := os.Rename(tmp, c.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize cache: %w", err)
	}
	return nil
}

// DecodeCached decodes through the cache: a fingerprint-matched cache
// hit skips the scan, a miss decodes and repopulates. A nil cache
// decodes directly.
func (d *Decoder) DecodeCached(src SampleSource, cache *Cache) ([]types.PulseEvent, error) {
	if cache == nil {
		return d.Decode(src)
	}

	fp, err := Fingerprint(src, d)
	if err != nil {
		// Advisory only: fall back to a direct decode.
		return d.Decode(src)
	}

	if events, ok := cache.Load(fp); ok {
		return events, nil
	}

	events, err := d.Decode(src)
	if err != nil {
		return nil, err
	}
	if err := cache.Store(fp, events); err != nil {
		// The decode succeeded; a failed cache write is not fatal.
		return events, nil
	}
	return events, nil
}
