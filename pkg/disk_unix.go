//go:build linux || darwin

package triggerdaq

import (
	"errors"

	"golang.org/x/sys/unix"
)

var errDiskSpaceUnsupported = errors.New("free disk space check not supported")

func freeDiskSpace(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
