// Package storage moves session files between the local working tree
// and the lab archive: raw recordings come down before a sync run,
// changepoint records and catalogs go back up after.
package storage

import (
	"context"
	"fmt"
	"path"
)

// ArchiveStorage abstracts the lab archive. Implementations cover the
// shared filesystem mount and S3-compatible object stores.
type ArchiveStorage interface {
	// Put uploads a local file to the archive at objectPath.
	Put(ctx context.Context, localPath, objectPath string) error

	// Fetch downloads an archived object to localPath.
	Fetch(ctx context.Context, objectPath, localPath string) error

	// Exists reports whether an object is present in the archive.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns all object paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Remove deletes an object. Removing a missing object is not an
	// error, matching S3 delete semantics.
	Remove(ctx context.Context, objectPath string) error
}

// SessionLayout maps (session, device) pairs to archive object keys.
// All sessions for one rig share a prefix so a whole animal's data can
// be listed in one call.
type SessionLayout struct {
	Prefix string
}

// RawBinaryKey is the interleaved int16 recording for one device.
func (l SessionLayout) RawBinaryKey(sessionID, deviceSerial string) string {
	return path.Join(l.Prefix, sessionID, fmt.Sprintf("%s_t0.imec.ap.bin", deviceSerial))
}

// MetaKey is the companion metadata file for a device's recording.
func (l SessionLayout) MetaKey(sessionID, deviceSerial string) string {
	return path.Join(l.Prefix, sessionID, fmt.Sprintf("%s_t0.imec.ap.meta", deviceSerial))
}

// LEDSidecarKey is the per-camera LED intensity box extraction.
func (l SessionLayout) LEDSidecarKey(sessionID, cameraSerial string) string {
	return path.Join(l.Prefix, sessionID, fmt.Sprintf("led_box_%s.bin", cameraSerial))
}

// RecordKey is the changepoint record for one device.
func (l SessionLayout) RecordKey(sessionID, deviceSerial string) string {
	return path.Join(l.Prefix, sessionID, "sync", fmt.Sprintf("changepoints_info_%s.json", deviceSerial))
}

// CatalogKey is the sync-run catalog database for the whole prefix.
func (l SessionLayout) CatalogKey() string {
	return path.Join(l.Prefix, "sync_catalog.db")
}

// SessionPrefix is the key prefix holding everything for one session.
func (l SessionLayout) SessionPrefix(sessionID string) string {
	return path.Join(l.Prefix, sessionID) + "/"
}
