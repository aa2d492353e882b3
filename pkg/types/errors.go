package types

import "errors"

// Decoder-level errors
var (
	// ErrNoPulsesDetected is returned when a trigger channel is flat or
	// carries fewer than two edges. Fatal for that device's alignment.
	ErrNoPulsesDetected = errors.New("no pulses detected on trigger channel")

	// ErrNoFlashesDetected is returned when no flash on a camera exceeds
	// the relative intensity threshold.
	ErrNoFlashesDetected = errors.New("no flashes detected on camera")

	// ErrCameraSyncMissing marks a camera excluded from alignment for a
	// session. Recoverable: alignment proceeds with remaining cameras.
	ErrCameraSyncMissing = errors.New("camera sync signal missing")
)

// Store-level errors
var (
	// ErrRecordNotFound is returned when no changepoint record exists for
	// a (session, device) pair.
	ErrRecordNotFound = errors.New("changepoint record not found")

	// ErrCorruptRecord is returned when a stored changepoint record fails
	// schema validation on load.
	ErrCorruptRecord = errors.New("corrupt changepoint record")
)
