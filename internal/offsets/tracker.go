// Package offsets keeps per-file read positions for tailed log files and
// detects rotation (identity change) and truncation (size below offset).
package offsets

import (
	"sync"
)

// Identity is a stable identifier for the file behind a path: device and
// inode on unix, volume serial and file index on windows. The zero value
// means the platform could not supply one.
type Identity struct {
	Dev uint64
	Ino uint64
}

// Window is the byte range a caller should read next.
type Window struct {
	Offset    int64
	Size      int64
	Rotated   bool
	Truncated bool
}

// Pending reports whether there are unread bytes.
func (w Window) Pending() int64 {
	if w.Size <= w.Offset {
		return 0
	}
	return w.Size - w.Offset
}

type statFunc func(path string) (size int64, id Identity, err error)

type watchedFile struct {
	offset int64
	id     Identity
}

// Tracker maps absolute paths to their last committed offset and identity.
type Tracker struct {
	mu    sync.Mutex
	files map[string]*watchedFile
	stat  statFunc
}

// NewTracker returns an empty tracker that stats files on the local filesystem.
func NewTracker() *Tracker {
	return newTracker(statFile)
}

func newTracker(stat statFunc) *Tracker {
	return &Tracker{
		files: make(map[string]*watchedFile),
		stat:  stat,
	}
}

// Track resolves the read window for path. A changed identity resets the
// offset to zero (rotation); otherwise a size below the stored offset resets
// it too (truncation). A stat error leaves state untouched and is returned
// so the caller can skip the file.
func (t *Tracker) Track(path string) (Window, error) {
	size, id, err := t.stat(path)
	if err != nil {
		return Window{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	wf, ok := t.files[path]
	if !ok {
		wf = &watchedFile{id: id}
		t.files[path] = wf
		return Window{Offset: 0, Size: size}, nil
	}

	w := Window{Size: size}
	switch {
	case wf.id != id:
		w.Rotated = true
		wf.id = id
		wf.offset = 0
	case size < wf.offset:
		w.Truncated = true
		wf.offset = 0
	}
	w.Offset = wf.offset
	return w, nil
}

// Commit stores the end-of-read position for path. Offsets never move
// backwards except through Track's rotation/truncation reset.
func (t *Tracker) Commit(path string, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	wf, ok := t.files[path]
	if !ok {
		wf = &watchedFile{}
		t.files[path] = wf
	}
	if offset > wf.offset {
		wf.offset = offset
	}
}

// Offset returns the committed offset for path.
func (t *Tracker) Offset(path string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wf, ok := t.files[path]
	if !ok {
		return 0, false
	}
	return wf.offset, true
}

// Len returns the number of tracked files.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}
