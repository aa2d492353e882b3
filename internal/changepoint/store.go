package changepoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bartulem/usv-playpen/internal/errors"
	"github.com/bartulem/usv-playpen/pkg/types"
)

// Store reads and writes changepoint records under a root directory,
// one JSON file per (session, device). Callers own exclusivity: two
// synchronization steps must not target the same record concurrently.
type Store struct {
	// Dir is the root under which per-session directories live.
	Dir string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

// Path returns the record file for a (session, device) pair.
func (s *Store) Path(sessionID, deviceSerial string) string {
	return filepath.Join(s.Dir, sessionID, fmt.Sprintf("changepoints_info_%s.json", deviceSerial))
}

// Load reads and validates the record for a (session, device) pair.
// A missing file returns RECORD_NOT_FOUND; a file that exists but does
// not parse or validate returns CORRUPT_CHANGEPOINT_RECORD.
func (s *Store) Load(sessionID, deviceSerial string) (*Record, error) {
	path := s.Path(sessionID, deviceSerial)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.NewRecordError(errors.CodeRecordNotFound,
			fmt.Sprintf("no changepoint record at %s", path), types.ErrRecordNotFound).
			ForUnit(sessionID, deviceSerial)
	}
	if err != nil {
		return nil, errors.NewRecordError(errors.CodeRecordNotFound,
			fmt.Sprintf("read changepoint record %s: %v", path, err), err).
			ForUnit(sessionID, deviceSerial)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.NewRecordError(errors.CodeCorruptRecord,
			fmt.Sprintf("parse changepoint record %s: %v", path, err), types.ErrCorruptRecord).
			ForUnit(sessionID, deviceSerial)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Upsert merges update into the stored record for its (session, device)
// pair, creating the record if none exists. The merged record is
// validated before it replaces the old file, and the write is atomic
// (temp file plus rename) so a crash never leaves a half-written record.
func (s *Store) Upsert(update *Record) (*Record, error) {
	if update.SessionID == "" || update.DeviceSerial == "" {
		return nil, errors.NewRecordError(errors.CodeCorruptRecord,
			"upsert requires session id and device serial", nil)
	}

	rec, err := s.Load(update.SessionID, update.DeviceSerial)
	switch {
	case err == nil:
	case errors.GetCode(err) == errors.CodeRecordNotFound:
		rec = NewRecord(update.SessionID, update.DeviceSerial)
	default:
		return nil, err
	}

	if err := rec.Merge(update); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := s.write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) write(rec *Record) error {
	path := s.Path(rec.SessionID, rec.DeviceSerial)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.NewRecordError(errors.CodeCatalogWriteFailed,
			fmt.Sprintf("create record directory: %v", err), err).
			ForUnit(rec.SessionID, rec.DeviceSerial)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.NewRecordError(errors.CodeCatalogWriteFailed,
			fmt.Sprintf("encode changepoint record: %v", err), err).
			ForUnit(rec.SessionID, rec.DeviceSerial)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.NewRecordError(errors.CodeCatalogWriteFailed,
			fmt.Sprintf("write changepoint record: %v", err), err).
			ForUnit(rec.SessionID, rec.DeviceSerial)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.NewRecordError(errors.CodeCatalogWriteFailed,
			fmt.Sprintf("finalize changepoint record: %v", err), err).
			ForUnit(rec.SessionID, rec.DeviceSerial)
	}
	return nil
}
