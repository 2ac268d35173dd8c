package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileLogger appends records to a file as JSON lines.
// It is safe for concurrent use.
type FileLogger struct {
	file   *os.File
	writer io.Writer
	mutex  sync.Mutex
	path   string
}

// FileConfig holds configuration for the file sink.
type FileConfig struct {
	// FilePath is the path to the JSONL file
	FilePath string
	// CreateDir creates parent directories when missing
	CreateDir bool
}

// NewFileLogger opens (or creates) the file for appending.
func NewFileLogger(config FileConfig) (*FileLogger, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("audit log file path cannot be empty")
	}

	if config.CreateDir {
		dir := filepath.Dir(config.FilePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}

	file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileLogger{
		file:   file,
		writer: file,
		path:   config.FilePath,
	}, nil
}

// NewWriterLogger writes JSON lines to w. Useful for tests and stdout.
func NewWriterLogger(w io.Writer) *FileLogger {
	return &FileLogger{writer: w}
}

// Write appends one record followed by a newline and syncs the file.
func (l *FileLogger) Write(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal access record: %w", err)
	}
	data = append(data, '\n')

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.writer == nil {
		return fmt.Errorf("audit log is closed")
	}
	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write access record: %w", err)
	}
	if syncer, ok := l.writer.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return fmt.Errorf("failed to sync audit log: %w", err)
		}
	}
	return nil
}

// Close closes the file. Further writes fail.
func (l *FileLogger) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.writer = nil
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Path returns the file path, or "" for writer-backed loggers.
func (l *FileLogger) Path() string {
	return l.path
}
