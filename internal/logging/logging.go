// Package logging provides file-backed log output for the credit daemon.
// Log files rotate once per UTC day and again whenever the current file
// would grow past the size cap.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBytes caps a single log file at 50 MiB before same-day rollover.
const DefaultMaxBytes int64 = 50 << 20

// NewComponentLogger returns a logger with the conventional "[name] " prefix.
func NewComponentLogger(out io.Writer, name string) *log.Logger {
	return log.New(out, "["+name+"] ", log.LstdFlags|log.Lmsgprefix)
}

// FileWriter appends to dated log files derived from a base path.
//
// A base path of logs/creditd.log yields logs/creditd-2026-09-01.log,
// then logs/creditd-2026-09-01-2.log once the size cap is hit. The base
// path itself becomes a symlink to the active file when the platform
// allows it.
type FileWriter struct {
	base     string
	maxBytes int64

	mu    sync.Mutex
	day   string
	seq   int
	file  *os.File
	wrote int64
}

// NewFileWriter opens a rotating writer rooted at basePath. Passing "-"
// disables file output entirely.
func NewFileWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return discardCloser{}, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	fw := &FileWriter{base: basePath, maxBytes: maxBytes}
	if err := fw.roll(0); err != nil {
		return nil, err
	}
	return fw, nil
}

func (w *FileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.roll(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.wrote += int64(n)
	return n, err
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// roll opens a fresh file when the UTC day changed or the pending write
// would push the current file past the cap.
func (w *FileWriter) roll(pending int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != today:
		w.day = today
		w.seq = 1
	case w.wrote+pending > w.maxBytes:
		w.seq++
	default:
		return nil
	}
	return w.open()
}

func (w *FileWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
	}
	dir, name := filepath.Split(w.base)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	dated := fmt.Sprintf("%s-%s%s", stem, w.day, ext)
	if w.seq > 1 {
		dated = fmt.Sprintf("%s-%s-%d%s", stem, w.day, w.seq, ext)
	}
	path := filepath.Join(dir, dated)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.file = f
	w.wrote = 0
	if st, err := f.Stat(); err == nil {
		w.wrote = st.Size()
	}
	w.link(path)
	return nil
}

// link keeps the base path pointing at the active dated file.
func (w *FileWriter) link(target string) {
	if info, err := os.Lstat(w.base); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, err := os.Readlink(w.base); err == nil && dest == target {
				return
			}
		}
		_ = os.Remove(w.base)
	}
	_ = os.Symlink(target, w.base)
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }
