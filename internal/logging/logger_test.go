package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestNewLogger_Formats(t *testing.T) {
	tests := []struct {
		format string
		json   bool
	}{
		{"json", true},
		{"JSON", true},
		{"", true},
		{"logfmt", true}, // unknown formats fall back to json
		{"console", false},
		{"Console", false},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "gate.log")
			logger, err := NewLogger("info", tt.format, path)
			require.NoError(t, err)
			logger.Info("decision", zap.String("address", "203.0.113.7"))
			require.NoError(t, logger.Sync())

			line := strings.TrimSpace(readLog(t, path))
			var entry map[string]any
			if tt.json {
				require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
				assert.Equal(t, "decision", entry["msg"])
				assert.Equal(t, "203.0.113.7", entry["address"])
				assert.Equal(t, "info", entry["level"])
			} else {
				assert.Error(t, json.Unmarshal([]byte(line), &entry))
				assert.Contains(t, line, "decision")
				assert.Contains(t, line, "203.0.113.7")
			}
		})
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.log")
	logger, err := NewLogger("WARN", "json", path)
	require.NoError(t, err)
	logger.Info("allowed by cache")
	logger.Warn("rate limiter degraded")
	require.NoError(t, logger.Sync())

	out := readLog(t, path)
	assert.NotContains(t, out, "allowed by cache")
	assert.Contains(t, out, "rate limiter degraded")
}

func TestNewLogger_Stdout(t *testing.T) {
	logger, err := NewLogger("debug", "console", "")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLogger_UnwritablePath(t *testing.T) {
	logger, err := NewLogger("info", "json", filepath.Join(t.TempDir(), "missing", "dir", "gate.log"))
	assert.Error(t, err)
	assert.Nil(t, logger)
}

func TestNewLoggerWithOptions_Rotates(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "rotating.log")

	logger, err := NewLoggerWithOptions(Options{Level: "info", FilePath: logFile, MaxSizeMB: 1, MaxBackups: 1})
	require.NoError(t, err)
	logger.Debug("dropped")
	logger.Info("kept")
	require.NoError(t, logger.Sync())

	out := readLog(t, logFile)
	assert.Contains(t, out, "kept")
	assert.NotContains(t, out, "dropped")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel(""))
}
