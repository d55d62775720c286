//go:build !windows

package processstate

import (
	"errors"
	"os"
	"syscall"

	domainerrors "github.com/core-tools/hsu-tubes/pkg/errors"
)

// IsProcessRunning probes pid with signal 0.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, domainerrors.NewValidationError("PID must be positive", nil).WithContext("pid", pid)
	}

	// On Unix, FindProcess always succeeds, so existence is decided by the
	// result of delivering signal 0.
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}
	return interpretProbe(process.Signal(syscall.Signal(0)))
}

// IsGroupRunning reports whether any member of the process group led by
// pgid is still alive. Spawned service processes lead their own group.
func IsGroupRunning(pgid int) (bool, error) {
	if pgid <= 0 {
		return false, domainerrors.NewValidationError("process group ID must be positive", nil).WithContext("pgid", pgid)
	}
	return interpretProbe(syscall.Kill(-pgid, syscall.Signal(0)))
}

func interpretProbe(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false, nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false, err
	}
	switch errno {
	case syscall.ESRCH:
		return false, nil
	case syscall.EPERM:
		// Exists, but owned by someone else
		return true, nil
	}
	return false, err
}
