package process

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/core-tools/hsu-tubes/pkg/errors"
)

func TestValidateExecutionConfig(t *testing.T) {
	dir := t.TempDir()
	executable := filepath.Join(dir, "node.sh")
	assert.NoError(t, os.WriteFile(executable, []byte("#!/bin/sh\n"), 0755))

	tests := []struct {
		name      string
		config    ExecutionConfig
		shouldErr bool
	}{
		{
			name:      "valid_minimal",
			config:    ExecutionConfig{ExecutablePath: executable},
			shouldErr: false,
		},
		{
			name: "valid_full",
			config: ExecutionConfig{
				ExecutablePath:   executable,
				Args:             []string{"--logger-level=DEBUG"},
				Environment:      []string{"A=B"},
				WorkingDirectory: dir,
			},
			shouldErr: false,
		},
		{
			name:      "missing_path",
			config:    ExecutionConfig{},
			shouldErr: true,
		},
		{
			name:      "nonexistent_executable",
			config:    ExecutionConfig{ExecutablePath: filepath.Join(dir, "missing")},
			shouldErr: true,
		},
		{
			name:      "relative_working_directory",
			config:    ExecutionConfig{ExecutablePath: executable, WorkingDirectory: "relative"},
			shouldErr: true,
		},
		{
			name:      "working_directory_is_file",
			config:    ExecutionConfig{ExecutablePath: executable, WorkingDirectory: executable},
			shouldErr: true,
		},
		{
			name:      "malformed_environment",
			config:    ExecutionConfig{ExecutablePath: executable, Environment: []string{"NOEQUALS"}},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateExecutionConfig(tt.config)
			if tt.shouldErr {
				assert.Error(t, err)
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
