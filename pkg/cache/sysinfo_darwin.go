package cache

import "golang.org/x/sys/unix"

func physicalMemory() (int64, error) {
	n, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
