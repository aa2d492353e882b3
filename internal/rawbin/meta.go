// Package rawbin reads raw multi-channel binary recordings: fixed-width
// int16 samples, channel-interleaved, with a companion key=value metadata
// file stating channel count and sampling rate.
package rawbin

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Meta holds the companion metadata for one binary recording.
type Meta struct {
	// TotalChannels is the number of interleaved channels per sample
	// frame, including the sync channel.
	TotalChannels int

	// SampleRate is the digitizer rate in Hz. Calibrated per-headstage
	// rates may override the nominal value after parsing.
	SampleRate float64

	// HeadstageSerial and ProbeSerial identify the acquisition hardware.
	HeadstageSerial string
	ProbeSerial     string

	// FileSizeBytes is the recording size declared by the acquisition
	// software, used as a consistency check against the file on disk.
	FileSizeBytes int64
}

// ParseMetaFile reads a companion .meta file from disk.
func ParseMetaFile(path string) (Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return Meta{}, fmt.Errorf("failed to open meta file: %w", err)
	}
	defer f.Close()
	return ParseMeta(f)
}

// ParseMeta parses key=value metadata lines. Recognized keys follow the
// SpikeGLX convention: acqApLfSy (channel counts), imSampRate or
// niSampRate (rate), imDatHs_sn, imDatPrb_sn, fileSizeBytes. Unknown
// keys are ignored.
func ParseMeta(r io.Reader) (Meta, error) {
	var meta Meta
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return Meta{}, fmt.Errorf("malformed meta line %q", line)
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "~"))
		value = strings.TrimSpace(value)

		switch key {
		case "acqApLfSy":
			// AP,LF,SY counts; saved channels are AP plus the SY
			// sync channel.
			parts := strings.Split(value, ",")
			if len(parts) != 3 {
				return Meta{}, fmt.Errorf("malformed acqApLfSy value %q", value)
			}
			ap, err := strconv.Atoi(strings.TrimSpace(parts[0]))
			if err != nil {
				return Meta{}, fmt.Errorf("malformed acqApLfSy value %q: %w", value, err)
			}
			sy, err := strconv.Atoi(strings.TrimSpace(parts[2]))
			if err != nil {
				return Meta{}, fmt.Errorf("malformed acqApLfSy value %q: %w", value, err)
			}
			meta.TotalChannels = ap + sy
		case "nSavedChans":
			// Only used when acqApLfSy is absent.
			if meta.TotalChannels == 0 {
				n, err := strconv.Atoi(value)
				if err != nil {
					return Meta{}, fmt.Errorf("malformed nSavedChans value %q: %w", value, err)
				}
				meta.TotalChannels = n
			}
		case "imSampRate", "niSampRate":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return Meta{}, fmt.Errorf("malformed sample rate %q: %w", value, err)
			}
			meta.SampleRate = f
		case "imDatHs_sn":
			meta.HeadstageSerial = value
		case "imDatPrb_sn":
			meta.ProbeSerial = value
		case "fileSizeBytes":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Meta{}, fmt.Errorf("malformed fileSizeBytes %q: %w", value, err)
			}
			meta.FileSizeBytes = n
		}
	}
	if err := scanner.Err(); err != nil {
		return Meta{}, fmt.Errorf("failed to read meta: %w", err)
	}

	if meta.TotalChannels <= 0 {
		return Meta{}, fmt.Errorf("meta declares no channels")
	}
	if meta.SampleRate <= 0 {
		return Meta{}, fmt.Errorf("meta declares no sample rate")
	}
	return meta, nil
}
