// Package system reports process and host resource figures for the admin
// surface's detailed health view.
package system

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// DiskAvailable reports the bytes available on the filesystem holding the
// working directory.
func DiskAvailable() (uint64, error) {
	var stat unix.Statfs_t
	wd, err := os.Getwd()
	if err != nil {
		return 0, err
	}

	if err := unix.Statfs(wd, &stat); err != nil {
		return 0, err
	}

	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}

// MemoryUsageAndGoroutines reports the process's allocated heap bytes and
// current goroutine count.
func MemoryUsageAndGoroutines() (uint64, int) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc, runtime.NumGoroutine()
}

// ByteCountDecimal formats a byte count as a human-readable decimal string.
func ByteCountDecimal(b uint64) string {
	const unit = 1000
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "kMGTPE"[exp])
}
