package logging

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingFileWriter_Write(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")

	writer, err := NewRotatingFileWriter(logFile, 100, 3)
	if err != nil {
		t.Fatalf("NewRotatingFileWriter failed: %v", err)
	}
	defer writer.Close()

	data := []byte("This is a test log message\n")
	n, err := writer.Write(data)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != len(data) {
		t.Errorf("Write returned %d, want %d", n, len(data))
	}

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if string(content) != string(data) {
		t.Errorf("File content = %q, want %q", string(content), string(data))
	}
}

func TestRotatingFileWriter_Rotation(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	writer, err := NewRotatingFileWriter(logFile, 50, 2)
	if err != nil {
		t.Fatalf("NewRotatingFileWriter failed: %v", err)
	}
	defer writer.Close()

	for _, ch := range []string{"A", "B", "C", "D"} {
		if _, err := writer.Write([]byte(strings.Repeat(ch, 30) + "\n")); err != nil {
			t.Fatalf("Write %s failed: %v", ch, err)
		}
	}

	current, _ := os.ReadFile(logFile)
	if !strings.HasPrefix(string(current), "D") {
		t.Errorf("Current file should hold the newest record, got %q", current)
	}

	newest, err := os.ReadFile(filepath.Join(dir, "test.1.log"))
	if err != nil {
		t.Fatalf("Missing first backup: %v", err)
	}
	if !strings.HasPrefix(string(newest), "C") {
		t.Errorf("test.1.log = %q, want C record", newest)
	}

	oldest, err := os.ReadFile(filepath.Join(dir, "test.2.log"))
	if err != nil {
		t.Fatalf("Missing second backup: %v", err)
	}
	if !strings.HasPrefix(string(oldest), "B") {
		t.Errorf("test.2.log = %q, want B record", oldest)
	}

	if _, err := os.Stat(filepath.Join(dir, "test.3.log")); !os.IsNotExist(err) {
		t.Errorf("Backups beyond maxBackups should be dropped")
	}
}

func TestRotatingFileWriter_ExistingSize(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(logFile, []byte(strings.Repeat("x", 40)), 0o600); err != nil {
		t.Fatal(err)
	}

	writer, err := NewRotatingFileWriter(logFile, 50, 1)
	if err != nil {
		t.Fatalf("NewRotatingFileWriter failed: %v", err)
	}
	defer writer.Close()

	if writer.size != 40 {
		t.Errorf("size = %d, want 40", writer.size)
	}
}

func TestRotatingFileWriter_Closed(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")
	writer, err := NewRotatingFileWriter(logFile, 50, 1)
	if err != nil {
		t.Fatalf("NewRotatingFileWriter failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if _, err := writer.Write([]byte("late")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Write after Close = %v, want os.ErrClosed", err)
	}
}

func TestNewRotatingFileWriter_InvalidSize(t *testing.T) {
	if _, err := NewRotatingFileWriter(filepath.Join(t.TempDir(), "x.log"), 0, 1); err == nil {
		t.Error("Expected error for zero max size")
	}
}
