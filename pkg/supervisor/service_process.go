// Package supervisor manages the lifecycle of a single spawned service
// process.
//
// A process counts as started once it survives a fixed settle window after
// spawn.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/core-tools/hsu-tubes/pkg/errors"
	"github.com/core-tools/hsu-tubes/pkg/logging"
	"github.com/core-tools/hsu-tubes/pkg/process"
	"github.com/core-tools/hsu-tubes/pkg/processstate"
)

// DefaultSettleDelay is how long a spawned process must stay alive to be
// considered started.
const DefaultSettleDelay = 1000 * time.Millisecond

type Options struct {
	Index            int
	Executable       string
	Args             []string
	WorkingDirectory string

	SettleDelay time.Duration
	Clock       clock.Clock
	// ExecuteCmd defaults to process.Execute
	ExecuteCmd process.ExecuteCmd
	// OnExit observes exits of processes that had already started
	OnExit func(index int, status ExitStatus)
}

type exitResult struct {
	state *os.ProcessState
	err   error
}

type ServiceProcess struct {
	options Options
	id      string
	logger  logging.Logger

	process    *os.Process
	state      ProcessState
	exitStatus *ExitStatus
	mutex      sync.RWMutex
}

func NewServiceProcess(options Options, id string, logger logging.Logger) *ServiceProcess {
	if options.SettleDelay <= 0 {
		options.SettleDelay = DefaultSettleDelay
	}
	if options.Clock == nil {
		options.Clock = clock.NewClock()
	}
	if options.ExecuteCmd == nil {
		options.ExecuteCmd = process.Execute
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ServiceProcess{
		options: options,
		id:      id,
		logger:  logger,
		state:   ProcessStateStopped,
	}
}

func (p *ServiceProcess) Index() int {
	return p.options.Index
}

// PID returns the live process ID, or 0 when stopped.
func (p *ServiceProcess) PID() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if p.process == nil {
		return 0
	}
	return p.process.Pid
}

func (p *ServiceProcess) State() ProcessState {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.state
}

func (p *ServiceProcess) Starting() bool { return p.State() == ProcessStateStarting }
func (p *ServiceProcess) Running() bool  { return p.State() == ProcessStateRunning }
func (p *ServiceProcess) Stopped() bool  { return p.State() == ProcessStateStopped }

// ExitStatus returns how the last process ended, or nil if it has not.
func (p *ServiceProcess) ExitStatus() *ExitStatus {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	if p.exitStatus == nil {
		return nil
	}
	status := *p.exitStatus
	return &status
}

// Alive probes the process group with signal 0, independently of the
// tracked state. Used for diagnostics while waiting for a stop.
func (p *ServiceProcess) Alive() bool {
	pid := p.PID()
	if pid == 0 {
		return false
	}
	alive, err := processstate.IsGroupRunning(pid)
	if err != nil {
		p.logger.Debugf("Liveness probe failed, id: %s, pid: %d, error: %v", p.id, pid, err)
		return false
	}
	return alive
}

// Start spawns a new process and blocks for the settle window. An exit or
// error inside the window fails the start; after it, exits are only
// recorded as ExitStatus.
func (p *ServiceProcess) Start(ctx context.Context) error {
	p.mutex.Lock()
	if p.state != ProcessStateStopped {
		state := p.state
		p.mutex.Unlock()
		return errors.NewConflictError("process already started", nil).
			WithContext("id", p.id).WithContext("current_state", string(state))
	}

	p.logger.Infof("STARTING %s %s", p.options.Executable, strings.Join(p.options.Args, " "))

	p.exitStatus = nil
	proc, err := p.options.ExecuteCmd(process.ExecutionConfig{
		ExecutablePath:   p.options.Executable,
		Args:             p.options.Args,
		WorkingDirectory: p.options.WorkingDirectory,
	}, p.id, p.logger)
	if err != nil {
		p.mutex.Unlock()
		p.logger.Errorf("FAILED TO START: %v", err)
		return errors.NewProcessError("failed to spawn process", err).WithContext("id", p.id)
	}

	p.process = proc
	p.state = ProcessStateStarting
	p.mutex.Unlock()

	exited := make(chan exitResult, 1)
	go func() {
		state, err := proc.Wait()
		exited <- exitResult{state: state, err: err}
	}()

	timer := p.options.Clock.NewTimer(p.options.SettleDelay)

	select {
	case result := <-exited:
		timer.Stop()
		status := p.toExitStatus(result)
		p.finish(proc, status)
		p.logger.Errorf("FAILED TO START: exited within settle window, %s", status)
		return errors.NewProcessError(fmt.Sprintf("process exited within settle window (%s)", status), result.err).
			WithContext("id", p.id).WithContext("pid", proc.Pid)

	case <-ctx.Done():
		timer.Stop()
		p.logger.Warnf("Start cancelled, killing process group %d", proc.Pid)
		if err := process.KillProcessGroup(proc.Pid); err != nil {
			p.logger.Warnf("Failed to kill process group %d: %v", proc.Pid, err)
			proc.Kill()
		}
		p.finish(proc, p.toExitStatus(<-exited))
		return errors.NewCancelledError("process start was cancelled", ctx.Err()).WithContext("id", p.id)

	case <-timer.C():
	}

	p.mutex.Lock()
	if p.process == proc {
		p.state = ProcessStateRunning
	}
	p.mutex.Unlock()

	p.logger.Infof("STARTED, PID: %d", proc.Pid)
	go p.watchExit(proc, exited)
	return nil
}

// Stop sends a termination signal to the live process, if any. It does not
// wait for the exit; poll Stopped to observe it.
func (p *ServiceProcess) Stop() {
	p.mutex.RLock()
	proc := p.process
	p.mutex.RUnlock()

	if proc == nil {
		return
	}

	p.logger.Infof("Sending termination signal to PID %d", proc.Pid)
	if err := process.SendTerminationSignal(proc.Pid); err != nil {
		p.logger.Warnf("Failed to send termination signal for PID %d: %v", proc.Pid, err)
	}
}

func (p *ServiceProcess) watchExit(proc *os.Process, exited <-chan exitResult) {
	status := p.toExitStatus(<-exited)
	if status.Err != nil {
		p.logger.Errorf("ERROR: %v", status.Err)
	} else {
		p.logger.Infof("EXITED: %d, %s", status.Code, status.Signal)
	}
	if p.finish(proc, status) && p.options.OnExit != nil {
		p.options.OnExit(p.options.Index, status)
	}
}

// finish records status and clears the live handle if proc is still the
// tracked process.
func (p *ServiceProcess) finish(proc *os.Process, status ExitStatus) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.process != proc {
		return false
	}
	p.process = nil
	p.state = ProcessStateStopped
	p.exitStatus = &status
	return true
}

func (p *ServiceProcess) toExitStatus(result exitResult) ExitStatus {
	if result.err != nil {
		return ExitStatus{Code: -1, Err: result.err}
	}
	code, signal := process.DescribeExit(result.state)
	return ExitStatus{Code: code, Signal: signal}
}
