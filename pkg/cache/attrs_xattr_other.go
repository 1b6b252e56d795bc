//go:build !linux && !darwin

package cache

import "errors"

func newXattrStore() (AttributeStore, error) {
	return nil, errors.New("cache: extended attributes not supported on this platform")
}
