package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotateWriter_BasicWriteAndRotate(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "test.log")
	rw, err := newRotateWriter(logPath, 50, 2)
	if err != nil {
		t.Fatalf("failed to create rotateWriter: %v", err)
	}
	defer rw.Close()

	msg := []byte("hello world\n")
	n, err := rw.Write(msg)
	if err != nil || n != len(msg) {
		t.Errorf("Write() = %d, %v; want %d, nil", n, err, len(msg))
	}

	big := []byte(strings.Repeat("x", 60))
	if _, err := rw.Write(big); err != nil {
		t.Errorf("Write() after rotation error: %v", err)
	}
	if _, err := os.Stat(logPath + ".1"); err != nil {
		t.Errorf("expected rotated file: %v", err)
	}
	data, err := os.ReadFile(logPath + ".1")
	if err != nil || string(data) != string(msg) {
		t.Errorf("backup = %q, %v; want %q", data, err, msg)
	}
}

func TestRotateWriter_KeepsMaxBackups(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "test.log")
	rw, err := newRotateWriter(logPath, 10, 2)
	if err != nil {
		t.Fatalf("failed to create rotateWriter: %v", err)
	}
	defer rw.Close()

	for i := 0; i < 5; i++ {
		if _, err := rw.Write([]byte("0123456789")); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
	}
	for _, name := range []string{logPath, logPath + ".1", logPath + ".2"} {
		if _, err := os.Stat(name); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
	if _, err := os.Stat(logPath + ".3"); !os.IsNotExist(err) {
		t.Errorf("expected no third backup, got %v", err)
	}
}

func TestRotateWriter_SyncAndClose(t *testing.T) {
	dir := t.TempDir()
	rw, err := newRotateWriter(filepath.Join(dir, "test.log"), 100, 1)
	if err != nil {
		t.Fatalf("failed to create rotateWriter: %v", err)
	}
	if err := rw.Sync(); err != nil {
		t.Errorf("Sync() error: %v", err)
	}
	if err := rw.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := rw.Sync(); err != nil {
		t.Errorf("Sync() on closed writer error: %v", err)
	}
	// writes reopen the file
	if _, err := rw.Write([]byte("again\n")); err != nil {
		t.Errorf("Write() after Close error: %v", err)
	}
	_ = rw.Close()
}

func TestRotateWriter_OpenError(t *testing.T) {
	if _, err := newRotateWriter("/non/existent/directory/test.log", 10, 1); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
