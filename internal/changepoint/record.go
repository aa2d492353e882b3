// Package changepoint persists per-device alignment results as one JSON
// record per (session, device) pair. Records are merged in place as
// processing steps complete, never replaced wholesale.
package changepoint

import (
	"encoding/json"
	"fmt"

	"github.com/bartulem/usv-playpen/internal/errors"
	"github.com/bartulem/usv-playpen/pkg/types"
)

// SchemaVersion is the current record schema. Readers accept any version
// up to this one; unknown future versions fail validation.
const SchemaVersion = 1

// Span is a half-open [Start, End) range in a stream's native units.
// It marshals as a two-element JSON array to stay readable alongside the
// other per-session metadata files.
type Span struct {
	Start int64
	End   int64
}

func (s Span) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{s.Start, s.End})
}

func (s *Span) UnmarshalJSON(data []byte) error {
	var pair [2]int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	s.Start, s.End = pair[0], pair[1]
	return nil
}

// Len returns End - Start.
func (s Span) Len() int64 {
	return s.End - s.Start
}

// Record holds the alignment state for one device within one session.
// Optional fields are pointers: nil means the producing step has not run
// yet, and Merge never lets a nil overwrite a populated field.
type Record struct {
	SchemaVersion int    `json:"schema_version"`
	SessionID     string `json:"session_id"`
	DeviceSerial  string `json:"device_serial"`

	RootDirectory       string `json:"root_directory,omitempty"`
	TotalChannels       int    `json:"total_num_channels,omitempty"`
	FileDurationSamples int64  `json:"file_duration_samples,omitempty"`

	// SessionStartEnd is the device's span inside the (possibly
	// concatenated) recording. A concatenation step rewrites it.
	SessionStartEnd *Span `json:"session_start_end,omitempty"`

	// TrackingStartEnd is the break-delimited tracked window, set once
	// by alignment and only ever shifted, not recomputed, afterwards.
	TrackingStartEnd *Span `json:"tracking_start_end,omitempty"`

	LargestBreakDuration *int64 `json:"largest_break_duration,omitempty"`

	Divergence *types.DivergenceReport `json:"divergence_report,omitempty"`
}

// NewRecord returns a minimal valid record for the given identity.
func NewRecord(sessionID, deviceSerial string) *Record {
	return &Record{
		SchemaVersion: SchemaVersion,
		SessionID:     sessionID,
		DeviceSerial:  deviceSerial,
	}
}

// Validate checks the schema invariants. Failures surface as
// CORRUPT_CHANGEPOINT_RECORD so callers stop before feeding a bad
// record into spike-to-frame mapping.
func (r *Record) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return errors.NewRecordError(errors.CodeCorruptRecord,
			fmt.Sprintf(format, args...), types.ErrCorruptRecord).
			ForUnit(r.SessionID, r.DeviceSerial)
	}

	if r.SchemaVersion < 1 || r.SchemaVersion > SchemaVersion {
		return fail("unsupported schema version %d", r.SchemaVersion)
	}
	if r.SessionID == "" {
		return fail("missing session id")
	}
	if r.DeviceSerial == "" {
		return fail("missing device serial")
	}
	if r.FileDurationSamples < 0 {
		return fail("negative file duration %d", r.FileDurationSamples)
	}
	if s := r.SessionStartEnd; s != nil && (s.Start < 0 || s.End < s.Start) {
		return fail("malformed session span [%d, %d]", s.Start, s.End)
	}
	if s := r.TrackingStartEnd; s != nil && (s.Start < 0 || s.End <= s.Start) {
		return fail("malformed tracking span [%d, %d]", s.Start, s.End)
	}
	if d := r.LargestBreakDuration; d != nil && *d <= 0 {
		return fail("non-positive break duration %d", *d)
	}
	return nil
}

// Merge folds update into r field by field. Populated update fields win;
// nil or zero update fields leave r untouched. When update rewrites the
// session span without supplying a tracking span, the existing tracking
// span is shifted by the session start delta so it keeps pointing at the
// same physical samples after concatenation.
func (r *Record) Merge(update *Record) error {
	if update.SessionID != "" && update.SessionID != r.SessionID {
		return errors.NewRecordError(errors.CodeRecordConflict,
			fmt.Sprintf("record for session %q merged into session %q", update.SessionID, r.SessionID), nil)
	}
	if update.DeviceSerial != "" && update.DeviceSerial != r.DeviceSerial {
		return errors.NewRecordError(errors.CodeRecordConflict,
			fmt.Sprintf("record for device %q merged into device %q", update.DeviceSerial, r.DeviceSerial), nil)
	}

	if update.RootDirectory != "" {
		r.RootDirectory = update.RootDirectory
	}
	if update.TotalChannels != 0 {
		r.TotalChannels = update.TotalChannels
	}
	if update.FileDurationSamples != 0 {
		r.FileDurationSamples = update.FileDurationSamples
	}

	if update.SessionStartEnd != nil {
		if r.SessionStartEnd != nil && r.TrackingStartEnd != nil && update.TrackingStartEnd == nil {
			delta := update.SessionStartEnd.Start - r.SessionStartEnd.Start
			r.TrackingStartEnd = &Span{
				Start: r.TrackingStartEnd.Start + delta,
				End:   r.TrackingStartEnd.End + delta,
			}
		}
		r.SessionStartEnd = cloneSpan(update.SessionStartEnd)
	}
	if update.TrackingStartEnd != nil {
		r.TrackingStartEnd = cloneSpan(update.TrackingStartEnd)
	}
	if update.LargestBreakDuration != nil {
		v := *update.LargestBreakDuration
		r.LargestBreakDuration = &v
	}
	if update.Divergence != nil {
		v := *update.Divergence
		r.Divergence = &v
	}
	return nil
}

func cloneSpan(s *Span) *Span {
	c := *s
	return &c
}
