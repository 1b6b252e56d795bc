package cache

import "errors"

var (
	// ErrNotFound means no tier holds the locator and nothing could produce it.
	ErrNotFound = errors.New("cache: not found")
	// ErrCancelled is delivered to dupes of a primary fetch that was cancelled.
	ErrCancelled = errors.New("cache: fetch cancelled")
	// ErrDecode means fetched or stored bytes could not be turned into an object.
	ErrDecode = errors.New("cache: decode failed")
	// ErrDiskUnavailable is returned by operations that need a usable disk tier.
	ErrDiskUnavailable = errors.New("cache: disk tier unavailable")
	// ErrNoFetcher means a network fetch was needed but no fetcher is configured.
	ErrNoFetcher = errors.New("cache: no fetcher configured")
	// ErrClosed is returned once the runtime has been shut down.
	ErrClosed = errors.New("cache: closed")
	// ErrUnencodable means the codec cannot write an object in the requested format.
	ErrUnencodable = errors.New("cache: object cannot be encoded in this format")
)
