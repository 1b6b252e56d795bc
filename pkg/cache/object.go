// Package cache implements a two-tier (memory + disk) object cache with a
// request coordinator that deduplicates concurrent fetches of the same
// locator and bounds how many network fetches run at once.
package cache

import (
	"fmt"
	"strings"
)

// Object is anything the cache can hold. Cost is the memory-tier charge for
// the object; for images that is the pixel count, for blobs the byte length.
type Object interface {
	Cost() int64
}

// Codec converts between stored bytes and live objects.
type Codec[T Object] interface {
	Decode(data []byte) (T, error)
	Encode(obj T, format StorageFormat, quality int) ([]byte, error)
}

// StorageFormat selects how objects are serialised on disk.
type StorageFormat int

const (
	// FormatRaw keeps bytes as fetched; codecs that cannot produce raw bytes
	// skip the disk tier for objects stored directly.
	FormatRaw StorageFormat = iota
	// FormatLossy writes JPEG at the configured quality.
	FormatLossy
	// FormatLossless writes PNG.
	FormatLossless
)

// ParseStorageFormat accepts the config spellings of a storage format.
func ParseStorageFormat(s string) (StorageFormat, error) {
	switch strings.ToLower(s) {
	case "", "raw", "data":
		return FormatRaw, nil
	case "jpeg", "jpg", "lossy":
		return FormatLossy, nil
	case "png", "lossless":
		return FormatLossless, nil
	}
	return FormatRaw, fmt.Errorf("cache: unknown storage format %q", s)
}

// Extension is the file extension files in this format get, or "" when the
// locator's own extension should be kept.
func (f StorageFormat) Extension() string {
	switch f {
	case FormatLossy:
		return "jpg"
	case FormatLossless:
		return "png"
	}
	return ""
}

func (f StorageFormat) String() string {
	switch f {
	case FormatLossy:
		return "jpeg"
	case FormatLossless:
		return "png"
	}
	return "raw"
}

// Blob is an opaque byte payload.
type Blob struct {
	Data []byte
}

func (b *Blob) Cost() int64 {
	if b == nil {
		return 0
	}
	return int64(len(b.Data))
}

// BlobCodec stores blobs verbatim regardless of format.
type BlobCodec struct{}

func (BlobCodec) Decode(data []byte) (*Blob, error) {
	return &Blob{Data: data}, nil
}

func (BlobCodec) Encode(b *Blob, _ StorageFormat, _ int) ([]byte, error) {
	if b == nil {
		return nil, ErrUnencodable
	}
	return b.Data, nil
}
