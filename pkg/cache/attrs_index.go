package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// fileAttrs is stored as JSON in badger for each cached file.
type fileAttrs struct {
	AccessedAt time.Time `json:"a,omitempty"`
	StoredAt   time.Time `json:"s,omitempty"`
	ExpiresAt  time.Time `json:"e,omitempty"`
}

func (fa *fileAttrs) field(attr Attribute) (*time.Time, error) {
	switch attr {
	case AttrAccessedAt:
		return &fa.AccessedAt, nil
	case AttrStoredAt:
		return &fa.StoredAt, nil
	case AttrExpiresAt:
		return &fa.ExpiresAt, nil
	}
	return nil, fmt.Errorf("cache: unknown attribute %q", attr)
}

// indexStore keeps timestamps in a badger database next to the cache files,
// for filesystems without extended attributes.
type indexStore struct {
	db *badger.DB
}

func openIndexStore(dir string) (AttributeStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: open attribute index %s: %w", dir, err)
	}
	return &indexStore{db: db}, nil
}

// attrKey returns the badger key for a cached file. Files live flat in the
// cache directory, so the base name is unique.
func attrKey(path string) []byte {
	return []byte("attr:" + filepath.Base(path))
}

func (s *indexStore) SetTime(path string, attr Attribute, t time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var fa fileAttrs
		item, err := txn.Get(attrKey(path))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &fa) }); err != nil {
				fa = fileAttrs{} // overwrite corrupt entries
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}
		f, err := fa.field(attr)
		if err != nil {
			return err
		}
		*f = t
		val, err := json.Marshal(fa)
		if err != nil {
			return err
		}
		return txn.Set(attrKey(path), val)
	})
}

func (s *indexStore) Time(path string, attr Attribute) (time.Time, error) {
	var fa fileAttrs
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(attrKey(path))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &fa) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, ErrAttrNotSet
	}
	if err != nil {
		return time.Time{}, err
	}
	f, err := fa.field(attr)
	if err != nil {
		return time.Time{}, err
	}
	if f.IsZero() {
		return time.Time{}, ErrAttrNotSet
	}
	return *f, nil
}

func (s *indexStore) Remove(path string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(attrKey(path))
	})
}

func (s *indexStore) Clear() error {
	return s.db.DropAll()
}

func (s *indexStore) Close() error {
	return s.db.Close()
}
