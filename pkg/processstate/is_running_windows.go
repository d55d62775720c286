//go:build windows

package processstate

import (
	"syscall"

	"github.com/core-tools/hsu-tubes/pkg/errors"
)

const (
	stillActive                    = 259
	processQueryLimitedInformation = 0x1000
)

// IsProcessRunning opens pid with minimal rights and inspects its exit code.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errors.NewValidationError("PID must be positive", nil).WithContext("pid", pid)
	}

	handle, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false, err
	}
	defer syscall.CloseHandle(handle)

	var exitCode uint32
	if err := syscall.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false, err
	}
	return exitCode == stillActive, nil
}

// IsGroupRunning falls back to probing the group leader; Windows process
// groups cannot be probed as a whole.
func IsGroupRunning(pgid int) (bool, error) {
	return IsProcessRunning(pgid)
}
