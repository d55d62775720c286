package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/core-tools/hsu-tubes/pkg/errors"
	"github.com/core-tools/hsu-tubes/pkg/logging"
)

type ExecutionConfig struct {
	ExecutablePath   string   `yaml:"executable_path"`
	Args             []string `yaml:"args,omitempty"`
	Environment      []string `yaml:"environment,omitempty"`
	WorkingDirectory string   `yaml:"working_directory,omitempty"`
}

// ExecuteCmd spawns a process and returns its handle.
type ExecuteCmd func(execution ExecutionConfig, id string, logger logging.Logger) (*os.Process, error)

// Execute spawns the executable fully detached: the parent environment is
// inherited, no standard stream is shared and the child leads its own
// process group.
func Execute(execution ExecutionConfig, id string, logger logging.Logger) (*os.Process, error) {
	if err := ValidateExecutionConfig(execution); err != nil {
		logger.Errorf("Execution configuration validation failed, id: %s, error: %v", id, err)
		return nil, errors.NewValidationError("invalid execution configuration", err).WithContext("id", id)
	}

	// Check if the process is executable, and make it executable if it's not
	if err := ensureExecutable(execution.ExecutablePath); err != nil {
		return nil, errors.NewProcessError("failed to ensure process is executable", err).WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
	}

	workDir := execution.WorkingDirectory
	if workDir == "" {
		absPath, err := filepath.Abs(execution.ExecutablePath)
		if err != nil {
			return nil, errors.NewIOError("failed to get absolute path", err).WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
		}
		workDir = filepath.Dir(absPath)
	}

	logger.Debugf("Executing process: id: %s, executable path: '%s', args: %v, working directory: '%s'",
		id, execution.ExecutablePath, execution.Args, workDir)

	cmd := exec.Command(execution.ExecutablePath, execution.Args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), execution.Environment...)
	// nil streams are connected to the null device

	setupProcessAttributes(cmd)

	if err := cmd.Start(); err != nil {
		return nil, errors.NewProcessError("failed to start the process", err).WithContext("id", id).WithContext("executable_path", execution.ExecutablePath)
	}

	logger.Infof("Successfully executed process, id: %s, PID: %d", id, cmd.Process.Pid)

	return cmd.Process, nil
}

// ensureExecutable checks if a file is executable and makes it executable if it's not
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIOError("file does not exist", err).WithContext("path", path)
	}

	if runtime.GOOS == "windows" {
		return nil
	}

	mode := info.Mode()
	if mode&0111 != 0 { // Check if any execute bit is set
		return nil
	}

	// Package manifests may reference scripts that were never chmod'ed
	if err := os.Chmod(path, mode|0111); err != nil {
		return errors.NewProcessError("failed to make file executable", err).WithContext("path", path)
	}

	return nil
}
