package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
)

// maxNameLen caps the human-readable part of a key.
const maxNameLen = 64

// Key identifies a cached entry. It is derived from the locator alone, so
// the same locator maps to the same key in every cache:
//
//	<20 hex chars of sha256(locator)>-<sanitised basename>
//
// The basename keeps the locator's extension; on disk it may be swapped for
// the cache's storage format extension (see Filename).
type Key string

// KeyFor derives the key for a locator.
func KeyFor(locator string) Key {
	h := sha256.Sum256([]byte(locator))
	return Key(hex.EncodeToString(h[:10]) + "-" + baseName(locator))
}

// Filename is the on-disk file name for the key. ext overrides the
// extension carried in the key; with neither, "dat" is used.
func (k Key) Filename(ext string) string {
	stem, own := splitExt(string(k))
	if ext == "" {
		ext = own
	}
	if ext == "" {
		ext = "dat"
	}
	return stem + "." + ext
}

func (k Key) String() string { return string(k) }

// baseName extracts the last path segment of a locator and makes it safe to
// use in a file name.
func baseName(locator string) string {
	p := locator
	if u, err := url.Parse(locator); err == nil && u.Path != "" {
		p = u.Path
	}
	name := path.Base(p)
	if name == "." || name == "/" || name == "" {
		name = "root"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name = strings.TrimLeft(b.String(), ".")
	if name == "" {
		name = "root"
	}
	if len(name) > maxNameLen {
		stem, ext := splitExt(name)
		if len(ext) > 8 {
			ext = ""
		}
		keep := maxNameLen - len(ext) - 1
		if keep > len(stem) {
			keep = len(stem)
		}
		name = stem[:keep]
		if ext != "" {
			name += "." + ext
		}
	}
	return name
}

// splitExt splits "a.b.png" into ("a.b", "png").
func splitExt(name string) (string, string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return name, ""
	}
	return name[:i], name[i+1:]
}
