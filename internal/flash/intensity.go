// Package flash detects LED flash onsets in per-camera marker intensity
// data and matches them against the decoded trigger pulse pattern.
package flash

import (
	"fmt"
	"os"
)

// BoxSource reads a sync sidecar file: for every frame, the pixel
// intensities of the marker search box (sized by the configured
// deviation tolerance), row-major uint8. The sidecar is produced by the
// upstream video extraction step; this package never touches video.
type BoxSource struct {
	data      []byte
	numFrames int64
	boxW      int
	boxH      int
}

// OpenSidecar loads a sidecar whose box dimensions are known from the
// configuration that produced it.
func OpenSidecar(path string, boxW, boxH int) (*BoxSource, error) {
	if boxW <= 0 || boxH <= 0 {
		return nil, fmt.Errorf("box dimensions must be positive, got %dx%d", boxW, boxH)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync sidecar: %w", err)
	}
	return NewBoxSource(data, boxW, boxH)
}

// NewBoxSource wraps raw sidecar bytes.
func NewBoxSource(data []byte, boxW, boxH int) (*BoxSource, error) {
	boxBytes := boxW * boxH
	if boxBytes == 0 || len(data)%boxBytes != 0 {
		return nil, fmt.Errorf("sidecar size %d is not a multiple of the %dx%d box", len(data), boxW, boxH)
	}
	return &BoxSource{
		data:      data,
		numFrames: int64(len(data) / boxBytes),
		boxW:      boxW,
		boxH:      boxH,
	}, nil
}

// NumFrames returns the frame count covered by the sidecar.
func (b *BoxSource) NumFrames() int64 {
	return b.numFrames
}

// Window returns one frame's box pixels, row-major.
func (b *BoxSource) Window(frame int64) []uint8 {
	boxBytes := int64(b.boxW * b.boxH)
	return b.data[frame*boxBytes : (frame+1)*boxBytes]
}

// LocateMarker finds the marker position within the search box: the
// brightest pixel of the brightest early frame. Scanning about 1.5
// seconds of frames guarantees at least one flash is in view, since
// the pulse train ticks at roughly 1 Hz. This tolerates minor camera
// or marker drift between sessions up to the deviation tolerance.
func (b *BoxSource) LocateMarker(fps float64) (x, y int) {
	scanFrames := int64(fps * 1.5)
	if scanFrames < 1 || scanFrames > b.numFrames {
		scanFrames = b.numFrames
	}

	var peakFrame int64
	var peakValue uint8
	for f := int64(0); f < scanFrames; f++ {
		for _, px := range b.Window(f) {
			if px > peakValue {
				peakValue = px
				peakFrame = f
			}
		}
	}

	var peakIdx int
	var best uint8
	for i, px := range b.Window(peakFrame) {
		if px > best {
			best = px
			peakIdx = i
		}
	}
	return peakIdx % b.boxW, peakIdx / b.boxW
}

// IntensitySeries extracts one intensity value per frame: the mean of
// the 3x3 neighborhood around the located marker, clipped at the box
// edges.
func (b *BoxSource) IntensitySeries(markerX, markerY int) []float64 {
	series := make([]float64, b.numFrames)
	for f := int64(0); f < b.numFrames; f++ {
		window := b.Window(f)
		var sum, count float64
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				x, y := markerX+dx, markerY+dy
				if x < 0 || x >= b.boxW || y < 0 || y >= b.boxH {
					continue
				}
				sum += float64(window[y*b.boxW+x])
				count++
			}
		}
		series[f] = sum / count
	}
	return series
}
