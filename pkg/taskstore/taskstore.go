// Package taskstore is the durable, single-writer, many-reader task
// queue: enqueue, FIFO dequeue, per-task append-only log with a NULL
// end-of-stream sentinel, and change notification so readers wake
// without polling.
//
// The store runs SQLite in WAL mode and watches the journal's -wal
// side file for writes: every committed transaction extends that file,
// so a single filesystem watch gives O(1) wake-up for any number of
// readers without in-process pub/sub.
package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"

	"github.com/wagnerflo/poudomaticd/pkg/errs"
	"github.com/wagnerflo/poudomaticd/pkg/metrics"
)

// TaskStatus is a task's lifecycle state. Transitions are monotonic:
// PENDING -> RUNNING -> DONE.
type TaskStatus int

const (
	Pending TaskStatus = 1
	Running TaskStatus = 2
	Done    TaskStatus = 3
)

func (s TaskStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Task is one row of the tasks table.
type Task struct {
	ID      string
	Payload []byte
	Status  TaskStatus
	Result  []byte
}

// LogRecord is one row of the log table. Data is nil for the
// end-of-stream sentinel.
type LogRecord struct {
	TaskID string
	RowID  int64
	Data   []byte
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
  tid    TEXT    PRIMARY KEY NOT NULL,
  data   BLOB    NOT NULL,
  status INTEGER NOT NULL DEFAULT 1 CHECK(status IN (1, 2, 3)),
  result BLOB
);

CREATE TABLE IF NOT EXISTS log (
  tid  TEXT NOT NULL,
  data BLOB
);

CREATE INDEX IF NOT EXISTS log_tid_idx ON log(tid);
`

// Store is the durable task queue. A single *sql.DB connection is
// shared by all callers (SetMaxOpenConns(1)); SQLite's own locking
// serializes writers while readers see committed rows only.
type Store struct {
	db   *sql.DB
	path string

	watcher *fsnotify.Watcher
	watchWG sync.WaitGroup
	stopCh  chan struct{}

	mu       sync.Mutex
	changeCh chan struct{}
}

// Open initializes the schema at path, switches to WAL journaling, and
// starts a change watch on the WAL side file. Callers should Close the
// returned Store when done (typically via defer), releasing both the
// connection and the watch.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("taskstore: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("taskstore: open: %w", err)
	}
	// One pooled connection for every caller; WAL-mode readers and
	// writers serialize on it instead of racing for the file lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("taskstore: enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("taskstore: init schema: %w", err)
	}

	walPath := path + "-wal"
	if _, err := os.Stat(walPath); os.IsNotExist(err) {
		if f, err := os.Create(walPath); err == nil {
			f.Close()
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("taskstore: create watcher: %w", err)
	}
	if err := watcher.Add(walPath); err != nil {
		watcher.Close()
		db.Close()
		return nil, fmt.Errorf("taskstore: watch wal file: %w", err)
	}

	s := &Store{
		db:       db,
		path:     path,
		watcher:  watcher,
		stopCh:   make(chan struct{}),
		changeCh: make(chan struct{}),
	}

	s.watchWG.Add(1)
	go s.watchLoop()

	// Seed the queue-depth gauge from whatever survived the last run.
	var pending int
	if err := db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE status = 1`).Scan(&pending); err == nil {
		metrics.QueueDepth.Set(float64(pending))
	}

	return s, nil
}

func (s *Store) watchLoop() {
	defer s.watchWG.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) {
				s.broadcastChanged()
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *Store) broadcastChanged() {
	s.mu.Lock()
	ch := s.changeCh
	s.changeCh = make(chan struct{})
	s.mu.Unlock()
	close(ch)
}

// Changed returns the channel that closes the next time any write has
// committed to the store. Callers needing to wait repeatedly must call
// Changed again after each fire to observe the next change.
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changeCh
}

// WaitForChanges blocks until any write to the store has committed or
// ctx is done.
func (s *Store) WaitForChanges(ctx context.Context) error {
	ch := s.Changed()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the watch and the database connection.
func (s *Store) Close() error {
	close(s.stopCh)
	s.watcher.Close()
	s.watchWG.Wait()
	return s.db.Close()
}

// Enqueue inserts a new PENDING task. It fails with errs.ErrAlreadyExists
// if id is already present.
func (s *Store) Enqueue(ctx context.Context, id string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (tid, data) VALUES (?, ?)`, id, payload)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: task %q", errs.ErrAlreadyExists, id)
		}
		return &errs.StorageError{Op: "enqueue", Err: err}
	}
	metrics.TasksEnqueuedTotal.Inc()
	metrics.QueueDepth.Inc()
	return nil
}

// StartNextTask atomically selects the lowest-rowid PENDING task,
// marks it RUNNING, and returns it. It returns (nil, false, nil) if no
// task is pending.
func (s *Store) StartNextTask(ctx context.Context) (*Task, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, &errs.StorageError{Op: "start_next_task", Err: err}
	}
	defer tx.Rollback()

	var tid string
	var data []byte
	err = tx.QueryRowContext(ctx,
		`SELECT tid, data FROM tasks WHERE status = 1 ORDER BY rowid LIMIT 1`,
	).Scan(&tid, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &errs.StorageError{Op: "start_next_task", Err: err}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = 2 WHERE tid = ?`, tid); err != nil {
		return nil, false, &errs.StorageError{Op: "start_next_task", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, &errs.StorageError{Op: "start_next_task", Err: err}
	}
	metrics.QueueDepth.Dec()

	return &Task{ID: tid, Payload: data, Status: Running}, true, nil
}

// EndTask atomically sets status DONE, stores result, and appends the
// NULL end-of-stream log record.
func (s *Store) EndTask(ctx context.Context, id string, result []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &errs.StorageError{Op: "end_task", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = 3, result = ? WHERE tid = ?`, result, id)
	if err != nil {
		return &errs.StorageError{Op: "end_task", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &errs.StorageError{Op: "end_task", Err: err}
	}
	if n == 0 {
		return fmt.Errorf("%w: task %q", errs.ErrNotFound, id)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO log (tid, data) VALUES (?, NULL)`, id); err != nil {
		return &errs.StorageError{Op: "end_task", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &errs.StorageError{Op: "end_task", Err: err}
	}
	return nil
}

// EnqueueLog appends one non-NULL log record for id. It fails if the
// task's log has already been terminated by EndTask.
func (s *Store) EnqueueLog(ctx context.Context, id string, data []byte) error {
	if data == nil {
		return fmt.Errorf("taskstore: enqueue_log: data must not be nil")
	}

	var closed bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM log WHERE tid = ? AND data IS NULL)`, id,
	).Scan(&closed)
	if err != nil {
		return &errs.StorageError{Op: "enqueue_log", Err: err}
	}
	if closed {
		return fmt.Errorf("taskstore: enqueue_log: log for task %q is already terminated", id)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO log (tid, data) VALUES (?, ?)`, id, data); err != nil {
		return &errs.StorageError{Op: "enqueue_log", Err: err}
	}
	return nil
}

// GetResult returns the task's current status and result. found is
// false if id is unknown.
func (s *Store) GetResult(ctx context.Context, id string) (status TaskStatus, result []byte, found bool, err error) {
	var st int
	rowErr := s.db.QueryRowContext(ctx,
		`SELECT status, result FROM tasks WHERE tid = ?`, id,
	).Scan(&st, &result)
	if errors.Is(rowErr, sql.ErrNoRows) {
		return 0, nil, false, nil
	}
	if rowErr != nil {
		return 0, nil, false, &errs.StorageError{Op: "get_result", Err: rowErr}
	}
	return TaskStatus(st), result, true, nil
}

// GetLog returns all log records for id with rowid > since, in
// ascending order, plus whether the NULL terminator was seen.
func (s *Store) GetLog(ctx context.Context, id string, since int64) ([]LogRecord, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid, data FROM log WHERE tid = ? AND rowid > ? ORDER BY rowid ASC`,
		id, since)
	if err != nil {
		return nil, false, &errs.StorageError{Op: "get_log", Err: err}
	}
	defer rows.Close()

	var records []LogRecord
	complete := false
	for rows.Next() {
		var rowid int64
		var data []byte
		if err := rows.Scan(&rowid, &data); err != nil {
			return nil, false, &errs.StorageError{Op: "get_log", Err: err}
		}
		if data == nil {
			complete = true
			break
		}
		records = append(records, LogRecord{TaskID: id, RowID: rowid, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, false, &errs.StorageError{Op: "get_log", Err: err}
	}
	return records, complete, nil
}

// WatchLog streams log records for id starting after since, blocking
// on change notification between reads, until the NULL terminator is
// seen or ctx is done. It is intended to be driven from its own
// goroutine (e.g. by an SSE handler).
func (s *Store) WatchLog(ctx context.Context, id string, since int64, emit func(LogRecord) error) error {
	for {
		records, complete, err := s.GetLog(ctx, id, since)
		if err != nil {
			return err
		}
		for _, r := range records {
			if err := emit(r); err != nil {
				return err
			}
			since = r.RowID
		}
		if complete {
			return nil
		}
		if err := s.WaitForChanges(ctx); err != nil {
			return err
		}
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}
