package watch

import (
	"os"

	"github.com/fsnotify/fsnotify"
)

// FileTailer follows a single file for appended bytes. Truncation is
// not an error: a shrunk file resets the read position and readers
// simply stop seeing new bytes until more are appended.
type FileTailer struct {
	f       *os.File
	watcher *fsnotify.Watcher
	pos     int64
}

// NewFileTailer opens path and begins following it from its current
// end of file.
func NewFileTailer(path string) (*FileTailer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		f.Close()
		return nil, err
	}
	return &FileTailer{f: f, watcher: w, pos: info.Size()}, nil
}

// Close stops following the file.
func (t *FileTailer) Close() error {
	t.watcher.Close()
	return t.f.Close()
}

// Poll reads whatever bytes have been appended since the last call (or
// since open). If the file has shrunk below the last read position,
// Poll resets to the new end of file and returns no bytes.
func (t *FileTailer) Poll() ([]byte, error) {
	info, err := t.f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < t.pos {
		t.pos = info.Size()
		return nil, nil
	}
	if info.Size() == t.pos {
		return nil, nil
	}

	buf := make([]byte, info.Size()-t.pos)
	n, err := t.f.ReadAt(buf, t.pos)
	t.pos += int64(n)
	if err != nil {
		return buf[:n], err
	}
	return buf[:n], nil
}

// Wait blocks until the watcher reports a write (or other) event on
// the file, or the watcher is closed.
func (t *FileTailer) Wait() bool {
	select {
	case _, ok := <-t.watcher.Events:
		return ok
	case _, ok := <-t.watcher.Errors:
		return ok
	}
}
