package logging

import (
	"fmt"
	"os"

	zaplogfmt "github.com/sykesm/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ===== ZAP BACKEND =====

// ZapConfig defines Zap-specific configuration
type ZapConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json", "console", "logfmt"
	Output string `yaml:"output"` // "stdout", "stderr", file path
}

// DefaultZapConfig returns the configuration used for the run log
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:  "debug",
		Format: "json",
		Output: "stdout",
	}
}

// NewZapCore creates a zap core from configuration. The returned close func
// releases the output file, if one was opened, and is never nil.
func NewZapCore(config ZapConfig) (zapcore.Core, func() error, error) {
	// Parse level, in zap v1.27.0 use zapcore.ParseLevel(config.Level)
	level, err := getLevelFromString(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.LevelKey = "level"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case "logfmt":
		encoder = zaplogfmt.NewEncoder(encoderConfig)
	default: // "json" or anything else
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	closer := func() error { return nil }

	var writeSyncer zapcore.WriteSyncer
	switch config.Output {
	case "stdout", "":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stdout))
	case "stderr":
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stderr))
	default:
		// Each run starts a fresh log file
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log output %s: %w", config.Output, err)
		}
		writeSyncer = zapcore.Lock(file)
		closer = file.Close
	}

	return zapcore.NewCore(encoder, writeSyncer, level), closer, nil
}

// NewZapLogger creates a zap logger from configuration
func NewZapLogger(config ZapConfig) (*zap.Logger, func() error, error) {
	core, closer, err := NewZapCore(config)
	if err != nil {
		return nil, nil, err
	}
	return zap.New(core), closer, nil
}

// FromZap exposes a zap logger through the Logger facade
func FromZap(prefix string, zapLogger *zap.Logger) Logger {
	sugar := zapLogger.Sugar()
	return NewLogger(prefix, LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	})
}

// And older version (v1.20.0) of zapcore.ParseLevel(levelStr string) (v1.27.0)
func getLevelFromString(levelStr string) (zapcore.Level, error) {
	switch levelStr {
	case "debug", "DEBUG":
		return zap.DebugLevel, nil
	case "info", "INFO":
		return zap.InfoLevel, nil
	case "warn", "WARN":
		return zap.WarnLevel, nil
	case "error", "ERROR":
		return zap.ErrorLevel, nil
	case "fatal":
		return zap.FatalLevel, nil
	case "dpanic":
		return zap.DPanicLevel, nil
	case "panic":
		return zap.PanicLevel, nil
	default:
		return -1, fmt.Errorf("invalid log level: %s", levelStr)
	}
}
