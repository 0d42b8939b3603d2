package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wagnerflo/poudomaticd/pkg/taskstore"
)

func openTestStore(t *testing.T) *taskstore.Store {
	t.Helper()
	s, err := taskstore.Open(filepath.Join(t.TempDir(), "taskdb.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitForDone(t *testing.T, s *taskstore.Store, id string, timeout time.Duration) Result {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, result, found, err := s.GetResult(context.Background(), id)
		require.NoError(t, err)
		if found && status == taskstore.Done {
			var res Result
			require.NoError(t, json.Unmarshal(result, &res))
			return res
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s never reached DONE", id)
	return Result{}
}

// TestWorkerRunsTasksInOrder drives the loop end to end with a stubbed
// dispatcher: tasks submitted first finish first, results are
// persisted, and the worker parks on change notification between them.
func TestWorkerRunsTasksInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := openTestStore(t)

	var ran []string
	w := New(s, nil)
	w.runTask = func(ctx context.Context, task *taskstore.Task) (any, error) {
		ran = append(ran, task.ID)
		return string(task.Payload), nil
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, s.Enqueue(ctx, "t1", []byte("one")))
	require.NoError(t, s.Enqueue(ctx, "t2", []byte("two")))

	res1 := waitForDone(t, s, "t1", 5*time.Second)
	res2 := waitForDone(t, s, "t2", 5*time.Second)
	assert.Equal(t, "success", res1.Status)
	assert.Equal(t, "one", res1.Detail)
	assert.Equal(t, "success", res2.Status)
	assert.Equal(t, "two", res2.Detail)
	assert.Equal(t, []string{"t1", "t2"}, ran)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

func TestWorkerRecordsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := openTestStore(t)

	w := New(s, nil)
	w.runTask = func(ctx context.Context, task *taskstore.Task) (any, error) {
		return nil, errors.New("jail 132p4 not found")
	}

	go w.Run(ctx)

	require.NoError(t, s.Enqueue(ctx, "t1", []byte("x")))
	res := waitForDone(t, s, "t1", 5*time.Second)
	assert.Equal(t, "error", res.Status)
	assert.Equal(t, "jail 132p4 not found", res.Detail)
}

// TestWorkerRecordsDecodeFailure uses the real dispatcher: a payload
// with an unknown kind reaches DONE with an error result instead of
// wedging the loop.
func TestWorkerRecordsDecodeFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := openTestStore(t)

	go New(s, nil).Run(ctx)

	require.NoError(t, s.Enqueue(ctx, "t1", []byte(`{"kind":"paint_shed","data":{}}`)))
	res := waitForDone(t, s, "t1", 5*time.Second)
	assert.Equal(t, "error", res.Status)
}

// TestWorkerLogTermination checks that every finished task's log stream
// carries the end-of-stream sentinel, whether or not the handler wrote
// any records.
func TestWorkerLogTermination(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := openTestStore(t)

	w := New(s, nil)
	w.runTask = func(ctx context.Context, task *taskstore.Task) (any, error) {
		rec := &storeRecorder{store: s, taskID: task.ID}
		rec.Record("phase one", "")
		rec.Record("building", "editors/vim")
		return nil, nil
	}
	go w.Run(ctx)

	require.NoError(t, s.Enqueue(ctx, "t1", []byte("x")))
	waitForDone(t, s, "t1", 5*time.Second)

	records, complete, err := s.GetLog(ctx, "t1", 0)
	require.NoError(t, err)
	assert.True(t, complete)
	require.Len(t, records, 2)

	var first logRecord
	require.NoError(t, json.Unmarshal(records[0].Data, &first))
	assert.Equal(t, logRecord{Type: "log", Msg: "phase one"}, first)

	var second logRecord
	require.NoError(t, json.Unmarshal(records[1].Data, &second))
	assert.Equal(t, "editors/vim", second.Origin)
}

// TestWorkerResumesQueueAfterRestart: a worker that dies between tasks
// leaves the remaining queue intact, and a fresh worker picks up
// exactly where the old one stopped.
func TestWorkerResumesQueueAfterRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "taskdb.sqlite")

	s1, err := taskstore.Open(dbPath)
	require.NoError(t, err)

	ctx1, cancel1 := context.WithCancel(context.Background())
	w1 := New(s1, nil)
	w1.runTask = func(ctx context.Context, task *taskstore.Task) (any, error) {
		return task.ID, nil
	}
	go w1.Run(ctx1)

	require.NoError(t, s1.Enqueue(ctx1, "t1", []byte("x")))
	require.NoError(t, s1.Enqueue(ctx1, "t2", []byte("x")))
	waitForDone(t, s1, "t1", 5*time.Second)
	waitForDone(t, s1, "t2", 5*time.Second)

	// kill the first worker, then enqueue t3 so it cannot start it
	cancel1()
	require.NoError(t, s1.Enqueue(context.Background(), "t3", []byte("x")))
	require.NoError(t, s1.Close())

	s2, err := taskstore.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	w2 := New(s2, nil)
	var resumed []string
	w2.runTask = func(ctx context.Context, task *taskstore.Task) (any, error) {
		resumed = append(resumed, task.ID)
		return task.ID, nil
	}
	go w2.Run(ctx2)

	waitForDone(t, s2, "t3", 5*time.Second)
	assert.Equal(t, []string{"t3"}, resumed)

	for _, id := range []string{"t1", "t2", "t3"} {
		status, _, found, err := s2.GetResult(context.Background(), id)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, taskstore.Done, status, id)
	}
}
