//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// allocatedSize returns the blocks allocated to a file.
func allocatedSize(_ string, info os.FileInfo) (int64, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.Size(), nil
	}
	// st_blocks is always in 512-byte units.
	return stat.Blocks * 512, nil
}
