//go:build windows

package process

import (
	"os"
)

// SendTerminationSignal kills the process; Windows has no SIGTERM.
func SendTerminationSignal(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// KillProcessGroup kills the process; child processes are not tracked.
func KillProcessGroup(pid int) error {
	return SendTerminationSignal(pid)
}

func DescribeExit(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	return state.ExitCode(), ""
}
