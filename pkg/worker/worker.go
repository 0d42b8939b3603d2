// Package worker runs the single sequential task loop: dequeue the
// oldest pending task, dispatch it to its handler, persist the outcome,
// and block on the store's change notification while idle. One task
// runs at a time; sequential execution keeps builder, volume, and
// directory-follower state simple.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wagnerflo/poudomaticd/pkg/log"
	"github.com/wagnerflo/poudomaticd/pkg/metrics"
	"github.com/wagnerflo/poudomaticd/pkg/orchestrator"
	"github.com/wagnerflo/poudomaticd/pkg/tasks"
	"github.com/wagnerflo/poudomaticd/pkg/taskstore"
)

// Result is the wire form of a finished task's outcome, stored as the
// task's result and returned verbatim by GET /result/{id}.
type Result struct {
	Status string `json:"status"` // "success" or "error"
	Detail any    `json:"detail"`
}

// logRecord is the wire form of one task log line.
type logRecord struct {
	Type   string `json:"type"`
	Origin string `json:"origin,omitempty"`
	Msg    string `json:"msg"`
}

// Worker owns the dequeue/dispatch/persist loop for one store.
type Worker struct {
	store *taskstore.Store
	orch  *orchestrator.Orchestrator

	// runTask dispatches a dequeued task; swapped by tests to exercise
	// the loop without a live build environment.
	runTask func(ctx context.Context, t *taskstore.Task) (any, error)
}

// New wires a Worker to store and orch, pointing the orchestrator's log
// output at the store so build lines become durable log records.
func New(store *taskstore.Store, orch *orchestrator.Orchestrator) *Worker {
	w := &Worker{store: store, orch: orch}
	w.runTask = w.dispatch
	if orch != nil {
		orch.NewRecorder = func(taskID string) orchestrator.Recorder {
			return &storeRecorder{store: store, taskID: taskID}
		}
	}
	return w
}

// Run loops until ctx is canceled. A task that is mid-flight when the
// context dies is left in RUNNING for the operator to reconcile; it is
// never re-executed.
func (w *Worker) Run(ctx context.Context) error {
	logger := log.WithComponent("worker")
	logger.Info().Msg("worker loop started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		t, ok, err := w.store.StartNextTask(ctx)
		if err != nil {
			return err
		}
		if !ok {
			if err := w.store.WaitForChanges(ctx); err != nil {
				return err
			}
			continue
		}
		w.runOne(ctx, t)
	}
}

func (w *Worker) runOne(ctx context.Context, t *taskstore.Task) {
	logger := log.WithTaskID(t.ID)
	timer := metrics.NewTimer()

	kind := "unknown"
	if decoded, err := tasks.Decode(t.Payload); err == nil {
		kind = decoded.Kind()
	}
	metrics.TasksStartedTotal.WithLabelValues(kind).Inc()
	logger.Info().Str("kind", kind).Msg("task started")

	detail, err := w.runTask(ctx, t)

	if ctx.Err() != nil {
		// Interrupted mid-task: do not record an outcome. The row stays
		// RUNNING; re-execution is the operator's call.
		logger.Warn().Str("kind", kind).Msg("interrupted; task left running")
		return
	}

	res := Result{Status: "success", Detail: detail}
	outcome := "success"
	if err != nil {
		logger.Error().Err(err).Str("kind", kind).Msg("task failed")
		res = Result{Status: "error", Detail: err.Error()}
		outcome = "error"
	}

	payload, mErr := json.Marshal(res)
	if mErr != nil {
		payload, _ = json.Marshal(Result{
			Status: "error",
			Detail: fmt.Sprintf("unserializable result: %v", mErr),
		})
		outcome = "error"
	}
	if err := w.store.EndTask(context.Background(), t.ID, payload); err != nil {
		logger.Error().Err(err).Msg("recording task result failed")
	}

	metrics.TasksFinishedTotal.WithLabelValues(kind, outcome).Inc()
	timer.ObserveDurationVec(metrics.TaskDuration, kind)
	logger.Info().Str("kind", kind).Str("status", outcome).Msg("task finished")
}

func (w *Worker) dispatch(ctx context.Context, t *taskstore.Task) (any, error) {
	task, err := tasks.Decode(t.Payload)
	if err != nil {
		return nil, err
	}
	return task.Run(ctx, w.orch, t.ID)
}

// storeRecorder frames builder output lines as durable log records for
// one task. Write failures are logged and dropped rather than aborting
// the build; the log stream is best-effort, the task result is not.
type storeRecorder struct {
	store  *taskstore.Store
	taskID string
}

func (r *storeRecorder) Record(line, origin string) {
	data, err := json.Marshal(logRecord{Type: "log", Origin: origin, Msg: line})
	if err != nil {
		return
	}
	if err := r.store.EnqueueLog(context.Background(), r.taskID, data); err != nil &&
		!errors.Is(err, context.Canceled) {
		log.WithTaskID(r.taskID).Warn().Err(err).Msg("dropping log record")
	}
}
