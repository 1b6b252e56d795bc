package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hoard/hoard/pkg/metrics"
)

// DiskOptions configures a DiskStore.
type DiskOptions struct {
	Name           string
	Dir            string
	MaxSize        int64 // <= 0: a tenth of the free space at construction
	Format         StorageFormat
	AttributeStore string // "auto", "xattr", "index"
}

// DiskStore is the persistent tier: one file per entry in a flat directory,
// with access, store and expiry times kept by an AttributeStore. Writes,
// removals and prunes run on the store's own serial worker; reads are
// synchronous.
//
// A store whose directory could not be created is invalid: every operation on
// it is a silent no-op and every read a miss.
type DiskStore struct {
	name        string
	dir         string
	format      StorageFormat
	valid       bool
	attrs       AttributeStore
	queue       *Worker
	maintenance *Worker
	now         func() time.Time

	maxSize     atomic.Int64
	currentSize atomic.Int64
}

// NewDiskStore opens (creating if needed) the directory and schedules the
// initial size scan on the disk worker.
func NewDiskStore(opts DiskOptions, maintenance *Worker) *DiskStore {
	d := &DiskStore{
		name:        opts.Name,
		dir:         opts.Dir,
		format:      opts.Format,
		maintenance: maintenance,
		now:         time.Now,
		queue:       NewWorker("disk:" + opts.Name),
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		slog.Error("disk cache directory unusable, disk tier disabled",
			"component", "cache", "cache", opts.Name, "dir", opts.Dir, "error", err)
		return d
	}
	attrs, err := OpenAttributeStore(opts.Dir, opts.AttributeStore)
	if err != nil {
		slog.Error("attribute store unavailable, disk tier disabled",
			"component", "cache", "cache", opts.Name, "dir", opts.Dir, "error", err)
		return d
	}
	d.attrs = attrs
	d.valid = true

	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultDiskSize(opts.Dir)
	}
	d.maxSize.Store(maxSize)

	d.queue.Submit(func() {
		size := d.scanSize()
		d.currentSize.Store(size)
		d.publishSize(size)
		slog.Debug("disk cache opened", "component", "cache", "cache", d.name,
			"dir", d.dir, "size", size, "max", maxSize)
		if size > d.limit() {
			d.pruneTo(0)
		}
	})
	return d
}

// Valid reports whether the directory was usable at construction.
func (d *DiskStore) Valid() bool { return d.valid }

func (d *DiskStore) Dir() string { return d.dir }

func (d *DiskStore) MaxSize() int64 { return d.maxSize.Load() }

func (d *DiskStore) CurrentSize() int64 { return d.currentSize.Load() }

func (d *DiskStore) limit() int64 { return limitFor(d.maxSize.Load()) }

// Path is where the entry for key lives.
func (d *DiskStore) Path(key Key) string {
	return filepath.Join(d.dir, key.Filename(d.format.Extension()))
}

// StoreData writes data for key asynchronously. A nil data removes the
// entry. A non-zero expiresAt makes later reads past that time a miss.
func (d *DiskStore) StoreData(key Key, data []byte, expiresAt time.Time) {
	if !d.valid {
		return
	}
	if data == nil {
		d.Remove(key)
		return
	}
	d.queue.Submit(func() { d.write(key, data, expiresAt) })
}

func (d *DiskStore) write(key Key, data []byte, expiresAt time.Time) {
	path := d.Path(key)

	var oldSize int64
	if fi, err := os.Stat(path); err == nil {
		oldSize = fi.Size()
	}

	if err := writeFileAtomic(path, data); err != nil {
		slog.Warn("disk cache write failed", "component", "cache", "cache", d.name,
			"key", key, "error", err)
		return
	}

	// The rename gave the path a new inode; drop index state from the old one
	// so a rewrite without expiry does not inherit the previous expiry.
	d.forget(path)
	now := d.now()
	d.setTime(path, AttrStoredAt, now)
	d.setTime(path, AttrAccessedAt, now)
	if !expiresAt.IsZero() {
		d.setTime(path, AttrExpiresAt, expiresAt)
	}

	size := d.currentSize.Add(int64(len(data)) - oldSize)
	d.publishSize(size)
	if size > d.limit() {
		d.pruneTo(0)
	}
}

// FetchData reads the entry for key. With a non-zero moreRecentThan, entries
// stored before that instant (or with an unknown store time) are a miss.
// Expired entries are a miss. A hit refreshes the access time on the
// maintenance worker.
func (d *DiskStore) FetchData(key Key, moreRecentThan time.Time) ([]byte, bool) {
	if !d.valid {
		return nil, false
	}
	path := d.Path(key)

	if !moreRecentThan.IsZero() {
		storedAt := d.timeOf(path, AttrStoredAt)
		if storedAt.Before(moreRecentThan) {
			return nil, false
		}
	}
	if exp := d.timeOf(path, AttrExpiresAt); !exp.IsZero() && d.now().After(exp) {
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("disk cache read failed", "component", "cache", "cache", d.name,
				"key", key, "error", err)
		}
		return nil, false
	}
	d.Touch(key)
	return data, true
}

// Touch refreshes the access time of key on the maintenance worker.
func (d *DiskStore) Touch(key Key) {
	if !d.valid {
		return
	}
	path := d.Path(key)
	at := d.now()
	d.maintenance.Submit(func() {
		if _, err := os.Stat(path); err != nil {
			return
		}
		d.setTime(path, AttrAccessedAt, at)
	})
}

// IsAvailable reports whether a file exists for key. Freshness and expiry
// are not considered.
func (d *DiskStore) IsAvailable(key Key) bool {
	if !d.valid {
		return false
	}
	_, err := os.Stat(d.Path(key))
	return err == nil
}

// Remove deletes the entry for key asynchronously.
func (d *DiskStore) Remove(key Key) {
	if !d.valid {
		return
	}
	d.queue.Submit(func() {
		path := d.Path(key)
		fi, err := os.Stat(path)
		if err != nil {
			return
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("disk cache remove failed", "component", "cache", "cache", d.name,
				"key", key, "error", err)
			return
		}
		d.forget(path)
		d.publishSize(d.currentSize.Add(-fi.Size()))
	})
}

// ClearAll deletes every entry asynchronously and leaves an empty directory.
func (d *DiskStore) ClearAll() {
	if !d.valid {
		return
	}
	d.queue.Submit(func() {
		entries, err := os.ReadDir(d.dir)
		if err != nil {
			slog.Warn("disk cache clear: list failed", "component", "cache", "cache", d.name, "error", err)
			return
		}
		for _, e := range entries {
			if e.Name() == indexDirName {
				continue
			}
			if err := os.RemoveAll(filepath.Join(d.dir, e.Name())); err != nil {
				slog.Warn("disk cache clear: remove failed", "component", "cache", "cache", d.name,
					"name", e.Name(), "error", err)
			}
		}
		if err := d.attrs.Clear(); err != nil {
			slog.Warn("disk cache clear: attribute reset failed", "component", "cache", "cache", d.name, "error", err)
		}
		d.currentSize.Store(d.scanSize())
		d.publishSize(d.currentSize.Load())
		slog.Info("disk cache cleared", "component", "cache", "cache", d.name)
	})
}

// Prune schedules an eviction down to target; target <= 0 means max size.
func (d *DiskStore) Prune(target int64) {
	if !d.valid {
		return
	}
	d.queue.Submit(func() { d.pruneTo(target) })
}

// SetMaxSize changes the budget and prunes to it. n <= 0 recomputes the
// default from free space.
func (d *DiskStore) SetMaxSize(n int64) {
	if !d.valid {
		return
	}
	if n <= 0 {
		n = DefaultDiskSize(d.dir)
	}
	d.maxSize.Store(n)
	d.Prune(0)
}

// Drain waits for every write, removal and prune submitted so far.
func (d *DiskStore) Drain() {
	d.queue.Drain()
}

// Close finishes pending disk work and releases the attribute store.
func (d *DiskStore) Close() error {
	d.queue.Close()
	if d.attrs != nil {
		return d.attrs.Close()
	}
	return nil
}

func (d *DiskStore) setTime(path string, attr Attribute, t time.Time) {
	if err := d.attrs.SetTime(path, attr, t); err != nil {
		slog.Warn("disk cache attribute write failed", "component", "cache", "cache", d.name,
			"path", path, "attr", attr, "error", err)
	}
}

// timeOf returns the attribute, or the zero time when it is unknown.
func (d *DiskStore) timeOf(path string, attr Attribute) time.Time {
	t, err := d.attrs.Time(path, attr)
	if err != nil {
		if !errors.Is(err, ErrAttrNotSet) && !errors.Is(err, fs.ErrNotExist) {
			slog.Debug("disk cache attribute read failed", "component", "cache", "cache", d.name,
				"path", path, "attr", attr, "error", err)
		}
		return time.Time{}
	}
	return t
}

func (d *DiskStore) forget(path string) {
	if err := d.attrs.Remove(path); err != nil {
		slog.Debug("disk cache attribute remove failed", "component", "cache", "cache", d.name,
			"path", path, "error", err)
	}
}

func (d *DiskStore) publishSize(size int64) {
	metrics.CacheSize.WithLabelValues(d.name, "disk").Set(float64(size))
	if max := d.maxSize.Load(); max > 0 {
		metrics.CacheUtilization.WithLabelValues(d.name).Set(float64(size) / float64(max))
	}
}

// isEntryName filters out the index directory, scratch files and partial writes.
func isEntryName(name string) bool {
	return !strings.HasPrefix(name, ".")
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers never see a partial entry.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
