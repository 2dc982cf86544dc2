package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileWriterCreatesDatedFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "creditd.log")

	w, err := NewFileWriter(base, 0)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	dated := filepath.Join(dir, "creditd-"+today+".log")
	data, err := os.ReadFile(dated)
	if err != nil {
		t.Fatalf("read dated file: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("contents = %q", data)
	}
}

func TestFileWriterSizeRollover(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "creditd.log")

	w, err := NewFileWriter(base, 10)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("aaaaaaaa\n")); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if _, err := w.Write([]byte("bbbbbbbb\n")); err != nil {
		t.Fatalf("write 2: %v", err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	second := filepath.Join(dir, "creditd-"+today+"-2.log")
	if _, err := os.Stat(second); err != nil {
		t.Fatalf("expected rollover file: %v", err)
	}
}

func TestFileWriterDisabled(t *testing.T) {
	w, err := NewFileWriter("-", 0)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	if _, err := w.Write([]byte("dropped")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestComponentLoggerPrefix(t *testing.T) {
	var sb strings.Builder
	logger := NewComponentLogger(&sb, "credits")
	logger.Printf("ready")
	if !strings.Contains(sb.String(), "[credits] ready") {
		t.Errorf("output = %q", sb.String())
	}
}
