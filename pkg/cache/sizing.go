package cache

import "log/slog"

const (
	mib = 1 << 20
	gib = 1 << 30

	// fallbackDiskSize is used when free space cannot be read.
	fallbackDiskSize = 1 * gib
	// fallbackMemoryBytes is the host memory assumed when it cannot be read.
	fallbackMemoryBytes = 1 * gib
)

// limitFactor is how far a tier may overshoot its max size before a prune
// runs. Prune always brings it back down to max size.
const limitFactor = 1.25

func limitFor(maxSize int64) int64 {
	return int64(float64(maxSize) * limitFactor)
}

// DefaultMemorySize picks a memory budget from host RAM: 10% on hosts with
// 512MB or less, 20% otherwise, capped at 50M cost units.
func DefaultMemorySize() int64 {
	total, err := physicalMemory()
	if err != nil || total <= 0 {
		slog.Debug("physical memory unknown, assuming fallback", "component", "cache", "error", err)
		total = fallbackMemoryBytes
	}
	ratio := 0.2
	if total <= 512*mib {
		ratio = 0.1
	}
	size := int64(float64(total) * ratio)
	if size > 50*mib {
		size = 50 * mib
	}
	return size
}

// DefaultDiskSize is one tenth of the free space on the filesystem holding dir.
func DefaultDiskSize(dir string) int64 {
	free, err := freeSpace(dir)
	if err != nil || free <= 0 {
		slog.Warn("cannot read free space, using fallback disk size",
			"component", "cache", "dir", dir, "error", err, "size", fallbackDiskSize)
		return fallbackDiskSize
	}
	return free / 10
}
