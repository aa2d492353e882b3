package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bartulem/usv-playpen/internal/errors"
)

// LocalArchive implements ArchiveStorage over a filesystem directory,
// typically the lab's shared mount. Checksums of uploaded files are
// tracked so callers can verify a multi-gigabyte raw binary landed
// intact.
type LocalArchive struct {
	basePath string
	mu       sync.RWMutex
	sums     map[string]string
}

// NewLocalArchive creates an archive rooted at basePath.
func NewLocalArchive(basePath string) (*LocalArchive, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, errors.NewStorageError(errors.CodeUploadFailed,
			fmt.Sprintf("create archive root: %v", err), err)
	}
	return &LocalArchive{
		basePath: basePath,
		sums:     make(map[string]string),
	}, nil
}

// BasePath returns the archive root directory.
func (l *LocalArchive) BasePath() string {
	return l.basePath
}

// Put copies a local file into the archive, recording its md5 sum.
func (l *LocalArchive) Put(ctx context.Context, localPath, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dest := l.fullPath(objectPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.NewStorageError(errors.CodeUploadFailed,
			fmt.Sprintf("create archive directory: %v", err), err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return errors.NewStorageError(errors.CodeUploadFailed,
			fmt.Sprintf("open %s: %v", localPath, err), err)
	}
	defer src.Close()

	sum, err := copyWithSum(dest, src)
	if err != nil {
		return errors.NewStorageError(errors.CodeUploadFailed,
			fmt.Sprintf("archive %s: %v", objectPath, err), err)
	}

	l.mu.Lock()
	l.sums[objectPath] = sum
	l.mu.Unlock()
	return nil
}

// copyWithSum writes src to a temp file, hashing as it goes, then
// renames into place so readers never see a partial object.
func copyWithSum(dest string, src io.Reader) (string, error) {
	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}

	hash := md5.New()
	if _, err := io.Copy(io.MultiWriter(out, hash), src); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Fetch copies an archived object to localPath.
func (l *LocalArchive) Fetch(ctx context.Context, objectPath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(l.fullPath(objectPath))
	if os.IsNotExist(err) {
		return errors.NewStorageError(errors.CodeObjectNotFound,
			fmt.Sprintf("no archived object %s", objectPath), nil)
	}
	if err != nil {
		return errors.NewStorageError(errors.CodeDownloadFailed,
			fmt.Sprintf("open archived %s: %v", objectPath, err), err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return errors.NewStorageError(errors.CodeDownloadFailed,
			fmt.Sprintf("create destination directory: %v", err), err)
	}
	if _, err := copyWithSum(localPath, src); err != nil {
		return errors.NewStorageError(errors.CodeDownloadFailed,
			fmt.Sprintf("fetch %s: %v", objectPath, err), err)
	}
	return nil
}

// Exists checks if an object is present in the archive.
func (l *LocalArchive) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(l.fullPath(objectPath))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes an object. Missing objects are ignored.
func (l *LocalArchive) Remove(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(l.fullPath(objectPath)); err != nil && !os.IsNotExist(err) {
		return errors.NewStorageError(errors.CodeUnexpected,
			fmt.Sprintf("remove %s: %v", objectPath, err), err)
	}
	l.mu.Lock()
	delete(l.sums, objectPath)
	l.mu.Unlock()
	return nil
}

// List returns all object paths under the given prefix.
func (l *LocalArchive) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var objects []string
	err := filepath.Walk(l.fullPath(prefix), func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			rel, err := filepath.Rel(l.basePath, p)
			if err != nil {
				return err
			}
			objects = append(objects, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return objects, nil
}

// Checksum returns the md5 sum recorded for an uploaded object.
func (l *LocalArchive) Checksum(objectPath string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum, ok := l.sums[objectPath]
	return sum, ok
}

func (l *LocalArchive) fullPath(objectPath string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(objectPath))
}
