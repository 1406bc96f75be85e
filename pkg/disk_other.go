//go:build !linux && !darwin

package triggerdaq

import "errors"

var errDiskSpaceUnsupported = errors.New("free disk space check not supported")

func freeDiskSpace(dir string) (uint64, error) {
	return 0, errDiskSpaceUnsupported
}
