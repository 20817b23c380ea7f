// Package journal implements append-only JSON Lines files and atomic
// whole-file JSON writes for the per-lab durable records.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
)

// Journal stores one JSON value of type T per line. Each append is fsynced.
type Journal[T any] struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open creates or opens a journal at path. A partially written trailing
// line left by a crash is cut off so later appends start on a fresh line.
func Open[T any](path string) (*Journal[T], error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if err := trimPartialTail(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("journal: seek end: %w", err)
	}

	return &Journal[T]{path: path, file: f}, nil
}

// Path returns the journal file location.
func (j *Journal[T]) Path() string { return j.path }

// Append writes v as one line and syncs it to disk.
func (j *Journal[T]) Append(v T) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("journal: marshal entry: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return errors.New("journal: closed")
	}
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("journal: write entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync entry: %w", err)
	}
	return nil
}

// ReadAll returns every complete, well-formed entry in file order.
// Malformed lines are skipped.
func (j *Journal[T]) ReadAll() ([]T, error) {
	j.mu.Lock()
	path := j.path
	j.mu.Unlock()
	return ReadFile[T](path)
}

// Close closes the underlying file.
func (j *Journal[T]) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// ReadFile reads a JSON Lines file without opening it for writing. A missing
// file yields no entries.
func ReadFile[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: open for read: %w", err)
	}
	defer f.Close()

	var out []T
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return out, fmt.Errorf("journal: read: %w", err)
		}
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var v T
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				if uerr := json.Unmarshal(trimmed, &v); uerr == nil {
					out = append(out, v)
				}
			}
		}
		// Anything after the last newline is a partial write.
		if errors.Is(err, io.EOF) {
			return out, nil
		}
	}
}

func trimPartialTail(f *os.File) error {
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("journal: stat: %w", err)
	}
	size := fi.Size()
	if size == 0 {
		return nil
	}

	// Scan backwards in chunks for the last newline.
	const chunk = 4096
	buf := make([]byte, chunk)
	end := size
	for end > 0 {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("journal: scan tail: %w", err)
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			keep := start + int64(i) + 1
			if keep == size {
				return nil
			}
			return truncate(f, keep)
		}
		end = start
	}
	return truncate(f, 0)
}

func truncate(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("journal: truncate partial tail: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("journal: sync after truncate: %w", err)
	}
	return nil
}
