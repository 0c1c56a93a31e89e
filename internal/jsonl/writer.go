package jsonl

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Writer appends newline-delimited JSON records to a file. The file is
// opened lazily on the first write so a configured-but-unused log never
// touches the filesystem.
//
// It is safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	path string
	file *os.File
	buf  *bufio.Writer
}

// New returns a writer that appends to path, or nil if path is blank.
// A nil *Writer is valid: Write and Close on it are no-ops.
func New(path string) *Writer {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return &Writer{path: path}
}

func (w *Writer) openLocked() error {
	if w.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 128*1024)
	return nil
}

// Write appends v as one JSON object plus '\n' and flushes, so tailers see
// each record as soon as it is written.
func (w *Writer) Write(v any) error {
	if w == nil {
		return nil
	}
	if v == nil {
		return fmt.Errorf("jsonl: nil record")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.openLocked(); err != nil {
		return err
	}
	if _, err := w.buf.Write(b); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	return w.buf.Flush()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	if w.buf != nil {
		if err := w.buf.Flush(); err != nil {
			firstErr = err
		}
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.buf = nil
	w.file = nil

	if firstErr != nil && errors.Is(firstErr, os.ErrClosed) {
		return nil
	}
	return firstErr
}
