// Package watch implements the directory-tailing engine that lets the
// build orchestrator discover per-port log files as poudriere creates
// them, and read appended bytes from each without polling.
//
// A filesystem watch on the directory wakes a scan for new files; a
// per-file watch wakes a drain of newly available bytes. Drained bytes
// accumulate in a per-file buffer and are split on CR, LF, or CRLF;
// every byte read is emitted in exactly one record, except that an
// unterminated fragment still pending when Remove drops its file is
// discarded.
package watch

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Event is one completed line read from one file inside the watched
// directory.
type Event struct {
	Filename string
	Line     string
}

type tailedFile struct {
	f       *os.File
	pending []byte
}

// Follower watches a directory for newly created regular files and
// emits line-delimited records as bytes are appended to them.
type Follower struct {
	dir     string
	watcher *fsnotify.Watcher

	files  map[string]*tailedFile
	closed map[string]bool // never re-tail a file once dropped

	events    chan Event
	removeReq chan string
	closeReq  chan struct{}
	closeOnce sync.Once
}

// New opens path for event-driven observation and begins watching it
// for newly created files.
func New(path string) (*Follower, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(abs); err != nil {
		w.Close()
		return nil, err
	}

	f := &Follower{
		dir:       abs,
		watcher:   w,
		files:     make(map[string]*tailedFile),
		closed:    make(map[string]bool),
		events:    make(chan Event, 256),
		removeReq: make(chan string, 64),
		closeReq:  make(chan struct{}),
	}

	go f.run()
	return f, nil
}

// Events returns the channel of emitted lines. It is closed once Close
// has been requested and every tailed file has been drained and
// closed.
func (f *Follower) Events() <-chan Event {
	return f.events
}

// Close requests graceful shutdown: after one final directory scan, no
// more files are discovered;
// already-open files are drained (including any trailing unterminated
// fragment, which is emitted as a final line) and closed before
// Events() closes.
func (f *Follower) Close() {
	f.closeOnce.Do(func() { close(f.closeReq) })
}

// Remove requests that filename be closed and dropped from the tailed
// set, typically once a caller has seen a sentinel line in it (e.g.
// poudriere's "build time:" trailer).
func (f *Follower) Remove(filename string) {
	select {
	case f.removeReq <- filename:
	default:
	}
}

func (f *Follower) run() {
	defer close(f.events)
	defer f.watcher.Close()

	f.scan()

	for {
		select {
		case <-f.closeReq:
			// Graceful shutdown: pick up anything written since the last
			// event, flush every file's trailing fragment, and close.
			f.scan()
			for name, tf := range f.files {
				f.drain(name, tf)
				f.flushFragment(name, tf)
				f.closeFile(name)
			}
			return

		case name := <-f.removeReq:
			f.closeFile(name)

		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			f.handle(ev)

		case _, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			// Non-fatal: an error on a single watched file does not
			// affect the rest of the watch set.
		}
	}
}

func (f *Follower) handle(ev fsnotify.Event) {
	dir, _ := filepath.Split(ev.Name)

	if filepath.Clean(dir) == f.dir {
		if ev.Has(fsnotify.Create) {
			f.scan()
			return
		}
		if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			f.closeFile(filepath.Base(ev.Name))
			return
		}
	}

	if ev.Has(fsnotify.Write) {
		if tf, ok := f.files[filepath.Base(ev.Name)]; ok {
			f.drain(filepath.Base(ev.Name), tf)
		}
	}
}

// scan looks for regular files in the directory not yet known and
// begins tailing them; it runs on every directory wake.
func (f *Follower) scan() {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if ent.IsDir() || !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		if _, known := f.files[name]; known || f.closed[name] {
			continue
		}
		f.open(name)
	}
}

func (f *Follower) open(name string) {
	path := filepath.Join(f.dir, name)
	file, err := os.Open(path)
	if err != nil {
		return
	}
	if err := f.watcher.Add(path); err != nil {
		file.Close()
		return
	}
	tf := &tailedFile{f: file}
	f.files[name] = tf
	// Drain any bytes already readable at the moment of discovery.
	f.drain(name, tf)
}

func (f *Follower) drain(name string, tf *tailedFile) {
	buf := make([]byte, 64*1024)
	for {
		n, err := tf.f.Read(buf)
		if n > 0 {
			tf.pending = append(tf.pending, buf[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
	}
	f.emit(name, tf)
}

func (f *Follower) emit(name string, tf *tailedFile) {
	data := tf.pending
	for {
		idx, size := indexLinebreak(data)
		if idx < 0 {
			break
		}
		f.events <- Event{Filename: name, Line: string(data[:idx])}
		data = data[idx+size:]
	}
	if len(data) == 0 {
		tf.pending = tf.pending[:0]
	} else {
		tf.pending = append([]byte(nil), data...)
	}
}

// flushFragment emits the trailing unterminated fragment, if any, as a
// final line. The fragment is held until either a newline arrives or
// the follower shuts down; nothing will ever complete it after that.
func (f *Follower) flushFragment(name string, tf *tailedFile) {
	if len(tf.pending) > 0 {
		f.events <- Event{Filename: name, Line: string(tf.pending)}
		tf.pending = nil
	}
}

func (f *Follower) closeFile(name string) {
	tf, ok := f.files[name]
	if !ok {
		return
	}
	delete(f.files, name)
	f.closed[name] = true
	f.watcher.Remove(tf.f.Name())
	tf.f.Close()
}

// indexLinebreak finds the first CR, LF, or CRLF in b, returning its
// start index and byte length (1 for CR or LF alone, 2 for CRLF), or
// (-1, 0) if no break is present.
func indexLinebreak(b []byte) (idx, size int) {
	i := bytes.IndexAny(b, "\r\n")
	if i < 0 {
		return -1, 0
	}
	if b[i] == '\r' {
		if i+1 < len(b) && b[i+1] == '\n' {
			return i, 2
		}
		return i, 1
	}
	return i, 1
}
