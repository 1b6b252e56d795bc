//go:build linux || darwin

package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const xattrPrefix = "user.hoard."

// xattrStore keeps timestamps in extended attributes on the cached file, so
// they disappear with it.
type xattrStore struct{}

func newXattrStore() (AttributeStore, error) {
	return xattrStore{}, nil
}

func (xattrStore) SetTime(path string, attr Attribute, t time.Time) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.UnixNano()))
	if err := unix.Setxattr(path, xattrPrefix+string(attr), buf[:], 0); err != nil {
		return fmt.Errorf("setxattr %s %s: %w", path, attr, err)
	}
	return nil
}

func (xattrStore) Time(path string, attr Attribute) (time.Time, error) {
	var buf [8]byte
	n, err := unix.Getxattr(path, xattrPrefix+string(attr), buf[:])
	if err != nil {
		if errors.Is(err, errNoAttr) {
			return time.Time{}, ErrAttrNotSet
		}
		return time.Time{}, fmt.Errorf("getxattr %s %s: %w", path, attr, err)
	}
	if n != len(buf) {
		return time.Time{}, fmt.Errorf("getxattr %s %s: short value (%d bytes)", path, attr, n)
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(buf[:]))), nil
}

func (xattrStore) Remove(string) error { return nil }
func (xattrStore) Clear() error        { return nil }
func (xattrStore) Close() error        { return nil }
