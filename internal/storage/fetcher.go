package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/bartulem/usv-playpen/internal/errors"
)

// SessionFetcher pulls a session's input files out of the archive in
// parallel. Small companion files (meta, LED sidecars) come first so a
// run can fail fast on a bad channel layout before committing to a
// multi-gigabyte binary download.
type SessionFetcher struct {
	archive     ArchiveStorage
	concurrency int
	cacheDir    string
}

// FetchRequest names the objects to pull. Priority 0 objects download
// before priority 1; an empty priority list treats everything as 0.
type FetchRequest struct {
	ObjectPaths []string
	Priority    []int

	// TrimPrefix is removed from object paths when deriving local
	// destinations, so a session's files land directly under the cache
	// directory instead of mirroring the whole archive layout.
	TrimPrefix string
}

// FetchResult maps object paths to their local copies, with per-object
// errors for anything that failed. One bad object never sinks the rest
// of the session.
type FetchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	CacheHits  int
	Fetched    int
}

// NewSessionFetcher creates a fetcher drawing from archive with at most
// concurrency parallel downloads. Files land in cacheDir and are reused
// across runs; an empty cacheDir disables reuse.
func NewSessionFetcher(archive ArchiveStorage, concurrency int, cacheDir string) *SessionFetcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &SessionFetcher{
		archive:     archive,
		concurrency: concurrency,
		cacheDir:    cacheDir,
	}
}

// Fetch downloads the requested objects.
func (f *SessionFetcher) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	result := &FetchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}
	if len(req.ObjectPaths) == 0 {
		return result, nil
	}

	priority := req.Priority
	if len(priority) == 0 {
		priority = make([]int, len(req.ObjectPaths))
	} else if len(priority) != len(req.ObjectPaths) {
		return nil, errors.NewStorageError(errors.CodeUnexpected,
			"priority list length must match object paths", nil)
	}

	type item struct {
		path      string
		priority  int
		localPath string
	}
	items := make([]item, len(req.ObjectPaths))
	for i, p := range req.ObjectPaths {
		items[i] = item{path: p, priority: priority[i], localPath: f.localPath(p, req.TrimPrefix)}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].priority < items[j].priority
	})

	var queue []item
	for _, it := range items {
		if f.cacheDir != "" {
			if _, err := os.Stat(it.localPath); err == nil {
				result.LocalPaths[it.path] = it.localPath
				result.CacheHits++
				continue
			}
		}
		queue = append(queue, it)
	}

	sem := semaphore.NewWeighted(int64(f.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, it := range queue {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[it.path] = err
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(objectPath, localPath string) {
			defer sem.Release(1)
			defer wg.Done()

			if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
				mu.Lock()
				result.Errors[objectPath] = err
				mu.Unlock()
				return
			}
			if err := f.archive.Fetch(ctx, objectPath, localPath); err != nil {
				mu.Lock()
				result.Errors[objectPath] = err
				mu.Unlock()
				return
			}

			mu.Lock()
			result.LocalPaths[objectPath] = localPath
			result.Fetched++
			mu.Unlock()
		}(it.path, it.localPath)
	}

	wg.Wait()
	return result, nil
}

// localPath mirrors the object path (minus any trimmed prefix) under
// the cache directory, so same-named objects from different sessions
// never collide.
func (f *SessionFetcher) localPath(objectPath, trimPrefix string) string {
	rel := filepath.FromSlash(strings.TrimPrefix(objectPath, trimPrefix))
	if f.cacheDir == "" {
		return rel
	}
	return filepath.Join(f.cacheDir, rel)
}
