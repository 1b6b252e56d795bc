package cache

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hoard/hoard/pkg/metrics"
)

// fileWithAccess pairs a cached file with its effective access time.
type fileWithAccess struct {
	path       string
	size       int64
	accessTime time.Time
}

// listEntries returns every cache entry in the directory. Files with no
// recorded access time sort as the oldest.
func (d *DiskStore) listEntries() ([]fileWithAccess, int64) {
	dirEntries, err := os.ReadDir(d.dir)
	if err != nil {
		slog.Error("disk cache scan failed", "component", "cache", "cache", d.name, "error", err)
		return nil, d.currentSize.Load()
	}

	var files []fileWithAccess
	var total int64
	for _, de := range dirEntries {
		if de.IsDir() || !isEntryName(de.Name()) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue // removed underneath us
		}
		path := filepath.Join(d.dir, de.Name())
		files = append(files, fileWithAccess{
			path:       path,
			size:       info.Size(),
			accessTime: d.timeOf(path, AttrAccessedAt),
		})
		total += info.Size()
	}
	return files, total
}

// scanSize sums entry sizes without reading attributes.
func (d *DiskStore) scanSize() int64 {
	dirEntries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, de := range dirEntries {
		if de.IsDir() || !isEntryName(de.Name()) {
			continue
		}
		if info, err := de.Info(); err == nil {
			total += info.Size()
		}
	}
	return total
}

// pruneTo deletes least recently accessed files until the directory holds
// at most target bytes, then resets the size counter to what is left. Runs
// on the disk worker.
func (d *DiskStore) pruneTo(target int64) {
	if target <= 0 {
		target = d.maxSize.Load()
	}

	files, totalSize := d.listEntries()
	if totalSize <= target {
		// Correct the counter if it drifted.
		d.currentSize.Store(totalSize)
		d.publishSize(totalSize)
		return
	}

	// Sort by last access time (oldest first) for LRU eviction.
	sort.Slice(files, func(i, j int) bool {
		if files[i].accessTime.Equal(files[j].accessTime) {
			return files[i].path < files[j].path
		}
		return files[i].accessTime.Before(files[j].accessTime)
	})

	evicted := 0
	for _, f := range files {
		if totalSize <= target {
			break
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			slog.Warn("disk prune: remove failed", "component", "cache", "cache", d.name,
				"path", f.path, "error", err)
			continue
		}
		d.forget(f.path)
		totalSize -= f.size
		evicted++
	}

	d.currentSize.Store(totalSize)
	d.publishSize(totalSize)
	if evicted > 0 {
		metrics.CacheEvictions.WithLabelValues("disk").Add(float64(evicted))
		slog.Info("disk prune completed", "component", "cache", "cache", d.name,
			"evicted", evicted, "remaining_bytes", totalSize, "target", target)
	}
}
