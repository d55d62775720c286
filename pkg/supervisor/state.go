package supervisor

import (
	"fmt"
)

// ProcessState represents the current lifecycle state of a service process
type ProcessState string

const (
	ProcessStateStopped  ProcessState = "stopped"  // No live process
	ProcessStateStarting ProcessState = "starting" // Spawned, inside the settle window
	ProcessStateRunning  ProcessState = "running"  // Survived the settle window
)

// ExitStatus describes how the last process ended. Err is set when the
// process could not be waited for; otherwise Code/Signal are meaningful.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

func (s ExitStatus) String() string {
	switch {
	case s.Err != nil:
		return fmt.Sprintf("error: %v", s.Err)
	case s.Signal != "":
		return fmt.Sprintf("signal: %s", s.Signal)
	default:
		return fmt.Sprintf("code: %d", s.Code)
	}
}
