// Package environment resolves where a test run lives and what it is
// configured with, once, at startup. The resulting Environment is read-only
// afterwards apart from its run logger, which exists between Start and
// Cleanup.
package environment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/core-tools/hsu-tubes/pkg/errors"
	"github.com/core-tools/hsu-tubes/pkg/logging"
	"github.com/core-tools/hsu-tubes/pkg/sandbox"
)

// ResourceKey is the sandbox key the Environment answers to.
const ResourceKey = "env"

// ConsoleLevelVariable enables console logging at the given level.
const ConsoleLevelVariable = "TEST_LOG_CONSOLE"

type Options struct {
	// BaseDir is the test top directory. When empty it is discovered by
	// walking up from SearchFrom (default: working directory) until a
	// directory containing ConfigFileName is found.
	BaseDir    string
	SearchFrom string
	// ConfigFile overrides <BaseDir>/tubes.yaml
	ConfigFile string
	WorkDir    string
	Nodes      int
	// ConsoleLevel defaults to $TEST_LOG_CONSOLE
	ConsoleLevel string
}

type Environment struct {
	sandbox.Owner

	baseDir      string
	workDir      string
	nodes        int
	config       *Config
	runID        string
	consoleLevel string

	zapLogger *zap.Logger
	logger    logging.Logger
	closeLog  func() error
	mutex     sync.RWMutex
}

func New(options Options) (*Environment, error) {
	baseDir := options.BaseDir
	if baseDir == "" {
		var err error
		if baseDir, err = findBaseDir(options.SearchFrom); err != nil {
			return nil, err
		}
	}
	baseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, errors.NewIOError("failed to resolve base directory", err).WithContext("base_dir", baseDir)
	}

	config, err := loadConfig(baseDir, options)
	if err != nil {
		return nil, err
	}

	workDir := options.WorkDir
	if workDir == "" {
		workDir = config.WorkDir
	}
	if !filepath.IsAbs(workDir) {
		workDir = filepath.Join(baseDir, workDir)
	}

	nodes := options.Nodes
	if nodes <= 0 {
		nodes = config.Nodes
	}
	if nodes <= 0 {
		nodes = 1
	}

	consoleLevel := options.ConsoleLevel
	if consoleLevel == "" {
		consoleLevel = os.Getenv(ConsoleLevelVariable)
	}

	return &Environment{
		baseDir:      baseDir,
		workDir:      workDir,
		nodes:        nodes,
		config:       config,
		runID:        uuid.New().String(),
		consoleLevel: consoleLevel,
		logger:       logging.NewNopLogger(),
		closeLog:     func() error { return nil },
	}, nil
}

func loadConfig(baseDir string, options Options) (*Config, error) {
	if options.ConfigFile != "" {
		return LoadConfigFromFile(options.ConfigFile)
	}
	filename := filepath.Join(baseDir, ConfigFileName)
	if _, err := os.Stat(filename); err != nil {
		if options.BaseDir != "" && os.IsNotExist(err) {
			// An explicit base directory does not need a config file
			return defaultConfig(), nil
		}
		return nil, errors.NewIOError("configuration file not accessible", err).WithContext("filename", filename)
	}
	return LoadConfigFromFile(filename)
}

// findBaseDir walks from dir up to the filesystem root looking for the
// configuration marker file.
func findBaseDir(dir string) (string, error) {
	if dir == "" {
		var err error
		if dir, err = os.Getwd(); err != nil {
			return "", errors.NewIOError("failed to get working directory", err)
		}
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.NewIOError("failed to resolve search directory", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.NewNotFoundError(
				fmt.Sprintf("test top directory (containing %s) not found", ConfigFileName), nil)
		}
		dir = parent
	}
}

// Start creates the work directory and opens the run log.
func (e *Environment) Start(ctx context.Context) error {
	if err := os.MkdirAll(e.workDir, 0755); err != nil {
		return errors.NewIOError("failed to create work directory", err).WithContext("work_dir", e.workDir)
	}

	logConfig := e.config.Log
	logConfig.Output = filepath.Join(e.workDir, "test.log")
	fileCore, closeLog, err := logging.NewZapCore(logConfig)
	if err != nil {
		return errors.NewIOError("failed to open run log", err).WithContext("work_dir", e.workDir)
	}

	cores := []zapcore.Core{fileCore}
	if e.consoleLevel != "" {
		consoleCore, _, err := logging.NewZapCore(logging.ZapConfig{
			Level:  strings.ToLower(e.consoleLevel),
			Format: "console",
			Output: "stderr",
		})
		if err != nil {
			closeLog()
			return errors.NewInternalError("failed to create console log", err)
		}
		cores = append(cores, consoleCore)
	}

	zapLogger := zap.New(zapcore.NewTee(cores...)).With(zap.String("run_id", e.runID))

	e.mutex.Lock()
	e.zapLogger = zapLogger
	e.logger = logging.FromZap("", zapLogger)
	e.closeLog = closeLog
	e.mutex.Unlock()

	trace := e.Tracer(ResourceKey)
	trace.Infof("TEST START %s", time.Now().Format(time.RFC3339))
	trace.Debugf("BASEDIR: %s", e.baseDir)
	trace.Debugf("WORKDIR: %s", e.workDir)
	return nil
}

// Cleanup flushes and closes the run log. The work directory is kept for
// post-mortem inspection.
func (e *Environment) Cleanup(ctx context.Context) error {
	e.Tracer(ResourceKey).Infof("TEST END %s", time.Now().Format(time.RFC3339))

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.zapLogger != nil {
		e.zapLogger.Sync()
	}
	err := e.closeLog()
	e.zapLogger = nil
	e.logger = logging.NewNopLogger()
	e.closeLog = func() error { return nil }
	return err
}

func (e *Environment) Res(key string) sandbox.Resource {
	if key == ResourceKey {
		return e
	}
	return nil
}

func (e *Environment) String() string {
	return "environment(" + e.baseDir + ")"
}

func (e *Environment) BaseDir() string { return e.baseDir }
func (e *Environment) WorkDir() string { return e.workDir }
func (e *Environment) Nodes() int      { return e.nodes }
func (e *Environment) RunID() string   { return e.runID }
func (e *Environment) Config() *Config { return e.config }

// Service returns the configuration entry for a service.
func (e *Environment) Service(name string) (ServiceConfig, bool) {
	service, ok := e.config.Services[name]
	return service, ok
}

// Logger returns the run logger; it discards everything outside
// Start..Cleanup.
func (e *Environment) Logger() logging.Logger {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.logger
}

// Tracer returns a logger whose messages are prefixed with
// "tubes:<name>:<index>". It always writes to the current run logger.
func (e *Environment) Tracer(name string, index ...int) logging.Logger {
	parts := []string{"tubes"}
	if name != "" {
		parts = append(parts, name)
	}
	for _, i := range index {
		parts = append(parts, fmt.Sprintf("%d", i))
	}
	return e.PrefixedLogger(strings.Join(parts, ":") + " ")
}

// PrefixedLogger returns a logger that prepends prefix and always writes to
// the current run logger.
func (e *Environment) PrefixedLogger(prefix string) logging.Logger {
	return logging.NewLogger(prefix, logging.LogFuncs{
		LogLevelf: func(level int, format string, args ...interface{}) {
			e.Logger().LogLevelf(level, format, args...)
		},
	})
}

// Dir resolves name against the base directory and creates it.
func (e *Environment) Dir(name string) (string, error) {
	dir := name
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(e.baseDir, name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.NewIOError("failed to create directory", err).WithContext("dir", dir)
	}
	return dir, nil
}

// InstanceDir is the per-instance directory <workDir>/<index>.
func (e *Environment) InstanceDir(index int) string {
	return filepath.Join(e.workDir, fmt.Sprintf("%d", index))
}

// FromContainer finds the Environment registered in container.
func FromContainer(container *sandbox.Sandbox) (*Environment, error) {
	if container == nil {
		return nil, errors.NewValidationError("resource is not added to a sandbox", nil)
	}
	env, ok := container.Res(ResourceKey).(*Environment)
	if !ok || env == nil {
		return nil, errors.NewNotFoundError("environment not found in sandbox", nil)
	}
	return env, nil
}
