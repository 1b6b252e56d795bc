package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Attribute names a timestamp kept alongside a cached file.
type Attribute string

const (
	AttrAccessedAt Attribute = "accessed_at"
	AttrStoredAt   Attribute = "stored_at"
	AttrExpiresAt  Attribute = "expires_at"
)

// ErrAttrNotSet means the file exists but carries no value for the attribute.
var ErrAttrNotSet = errors.New("cache: attribute not set")

// AttributeStore persists per-file timestamps. Implementations may keep them
// in extended attributes or in a side index; callers only see paths.
type AttributeStore interface {
	SetTime(path string, attr Attribute, t time.Time) error
	Time(path string, attr Attribute) (time.Time, error)
	// Remove forgets every attribute of path.
	Remove(path string) error
	// Clear forgets every attribute the store holds.
	Clear() error
	Close() error
}

// Attribute store modes accepted by OpenAttributeStore.
const (
	AttrStoreAuto  = "auto"
	AttrStoreXattr = "xattr"
	AttrStoreIndex = "index"
)

// indexDirName holds the badger index. Dot-prefixed names are never treated
// as cache entries.
const indexDirName = ".hoard-index"

// OpenAttributeStore opens the attribute store for a cache directory. In
// auto mode extended attributes are tested first and the badger index is
// used when the filesystem rejects them.
func OpenAttributeStore(dir, mode string) (AttributeStore, error) {
	switch mode {
	case AttrStoreXattr:
		return newXattrStore()
	case AttrStoreIndex:
		return openIndexStore(filepath.Join(dir, indexDirName))
	case "", AttrStoreAuto:
		err := checkXattr(dir)
		if err == nil {
			return newXattrStore()
		}
		slog.Info("extended attributes unavailable, using index",
			"component", "attrs", "dir", dir, "reason", err)
		return openIndexStore(filepath.Join(dir, indexDirName))
	}
	return nil, fmt.Errorf("cache.OpenAttributeStore: unknown mode %q", mode)
}

// checkXattr writes and reads back an attribute on a scratch file in dir.
func checkXattr(dir string) error {
	s, err := newXattrStore()
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".xattr-check-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	defer os.Remove(name)

	want := time.Unix(0, 1_700_000_000_000_000_000)
	if err := s.SetTime(name, AttrAccessedAt, want); err != nil {
		return err
	}
	got, err := s.Time(name, AttrAccessedAt)
	if err != nil {
		return err
	}
	if !got.Equal(want) {
		return fmt.Errorf("xattr round trip mismatch: %v != %v", got, want)
	}
	return nil
}
