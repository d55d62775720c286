//go:build !windows

package process

import (
	"os"
	"syscall"
)

// SendTerminationSignal sends SIGTERM to the process group on Unix systems
func SendTerminationSignal(pid int) error {
	// Send SIGTERM to the process group (negative PID)
	// This ensures we terminate the entire process tree
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// KillProcessGroup sends SIGKILL to the whole process group led by pid
func KillProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// DescribeExit extracts the exit code and, for signalled processes, the
// terminating signal name.
func DescribeExit(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return -1, status.Signal().String()
	}
	return state.ExitCode(), ""
}
