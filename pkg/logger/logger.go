// Package logger holds the process-wide structured logger used by stages and
// steps. It starts as a no-op logger so library code can log before (or
// without) the host application configuring output.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger. Never nil.
	Logger *zap.SugaredLogger
	// JSONOutput tracks whether Initialize selected JSON encoding.
	JSONOutput bool
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Options controls Initialize.
type Options struct {
	JSON  bool
	Level string // debug, info, warn, error
}

// Initialize replaces the global logger. Console output goes to stderr so it
// never mixes with a driver's result output.
func Initialize(opts Options) error {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}

	var zapLogger *zap.Logger
	if opts.JSON {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(level)
		config.OutputPaths = []string{"stderr"}
		zapLogger, err = config.Build()
		if err != nil {
			return err
		}
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zapLogger = zap.New(zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.AddSync(os.Stderr),
			level,
		))
	}

	JSONOutput = opts.JSON
	Logger = zapLogger.Sugar()
	return nil
}

// ParseLevel maps a level name to a zap level; empty means info.
func ParseLevel(name string) (zapcore.Level, error) {
	if strings.TrimSpace(name) == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return zapcore.InfoLevel, err
	}
	return level, nil
}

// Named returns a child of the global logger, or of base when it is set.
func Named(base *zap.SugaredLogger, name string) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	return base.Named(name)
}

// Cleanup flushes buffered entries.
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}
