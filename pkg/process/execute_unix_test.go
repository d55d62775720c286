//go:build !windows

package process

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-tubes/pkg/errors"
	"github.com/core-tools/hsu-tubes/pkg/logging"
)

func TestExecute_RunsInWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "touch.sh")
	// No execute bit: Execute must add it
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$1\" > out.txt\n"), 0644))

	proc, err := Execute(ExecutionConfig{
		ExecutablePath:   script,
		Args:             []string{"hello"},
		WorkingDirectory: dir,
	}, "test", logging.NewNopLogger())
	require.NoError(t, err)

	state, err := proc.Wait()
	require.NoError(t, err)
	code, signal := DescribeExit(state)
	assert.Equal(t, 0, code)
	assert.Empty(t, signal)

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestExecute_InvalidConfig(t *testing.T) {
	_, err := Execute(ExecutionConfig{}, "test", logging.NewNopLogger())
	assert.True(t, errors.IsValidationError(err))
}

func TestSendTerminationSignal_ReportsSignal(t *testing.T) {
	proc, err := Execute(ExecutionConfig{
		ExecutablePath: "/bin/sh",
		Args:           []string{"-c", "sleep 30"},
	}, "test", logging.NewNopLogger())
	require.NoError(t, err)

	// Give the shell a moment to install itself as group leader
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, SendTerminationSignal(proc.Pid))

	state, err := proc.Wait()
	require.NoError(t, err)
	code, signal := DescribeExit(state)
	assert.Equal(t, -1, code)
	assert.Equal(t, "terminated", signal)
}

func TestKillProcessGroup_KillsBackgroundChildren(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "child-survived")

	proc, err := Execute(ExecutionConfig{
		ExecutablePath:   "/bin/sh",
		Args:             []string{"-c", "(sleep 1; touch " + marker + ") & wait"},
		WorkingDirectory: dir,
	}, "test", logging.NewNopLogger())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, KillProcessGroup(proc.Pid))

	state, err := proc.Wait()
	require.NoError(t, err)
	_, signal := DescribeExit(state)
	assert.Equal(t, "killed", signal)

	time.Sleep(1500 * time.Millisecond)
	assert.NoFileExists(t, marker)
}
