package process

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-tubes/pkg/errors"
)

// ValidateExecutionConfig validates execution configuration
func ValidateExecutionConfig(config ExecutionConfig) error {
	// Validate executable path
	if config.ExecutablePath == "" {
		return errors.NewValidationError("executable path is required", nil)
	}

	// Check if executable exists
	if _, err := os.Stat(config.ExecutablePath); os.IsNotExist(err) {
		return errors.NewValidationError("executable not found: "+config.ExecutablePath, err)
	}

	// Validate working directory if provided
	if config.WorkingDirectory != "" {
		if !filepath.IsAbs(config.WorkingDirectory) {
			return errors.NewValidationError("working directory must be absolute path", nil)
		}

		if info, err := os.Stat(config.WorkingDirectory); err != nil {
			return errors.NewValidationError("working directory not accessible: "+config.WorkingDirectory, err)
		} else if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory: "+config.WorkingDirectory, nil)
		}
	}

	// Validate environment variables
	for _, env := range config.Environment {
		if !strings.Contains(env, "=") {
			return errors.NewValidationError("invalid environment variable format: "+env, nil)
		}
	}

	return nil
}
