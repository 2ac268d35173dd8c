// Package logging builds the process zap logger and carries request
// identifiers through contexts.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures NewLoggerWithOptions.
type Options struct {
	Level  string // debug, info, warn or error
	Format string // json or console
	// FilePath sends output to a size-rotated file instead of stdout.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
}

// NewLogger creates a zap.Logger with the specified level, format, and optional file output.
// If filePath is empty, logs are written to stdout.
func NewLogger(level, format, filePath string) (*zap.Logger, error) {
	return NewLoggerWithOptions(Options{Level: level, Format: format, FilePath: filePath})
}

// NewLoggerWithOptions creates a zap.Logger from opts.
func NewLoggerWithOptions(opts Options) (*zap.Logger, error) {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToLower(opts.Format) == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	ws := zapcore.AddSync(os.Stdout)
	if opts.FilePath != "" {
		rw, err := newRotateWriter(opts.FilePath, int64(opts.MaxSizeMB)*1024*1024, opts.MaxBackups)
		if err != nil {
			return nil, err
		}
		ws = rw
	}

	core := zapcore.NewCore(encoder, ws, ParseLevel(opts.Level))
	return zap.New(core), nil
}

// ParseLevel maps a level name to a zap level. Unknown names yield info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
