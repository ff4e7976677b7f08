//go:build !windows

package capacity

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// VolumeStats reports the size of the filesystem path lives on. The guard
// compares available, the space an unprivileged daemon can still write,
// against MinFreeSpace.
func VolumeStats(path string) (total, used, available int64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	block := int64(st.Bsize) //nolint:unconvert // uint32 on darwin
	total = int64(st.Blocks) * block
	free := int64(st.Bfree) * block
	return total, total - free, int64(st.Bavail) * block, nil
}
