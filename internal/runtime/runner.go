// Package runtime drives execution records through their lifecycle. It owns
// the one writer an execution has while it runs, records transitions in the
// store, and publishes state-change events to the push registry. The actual
// workflow-graph logic is supplied by the caller as a Work function.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wrenware/flowline/internal/model"
	"github.com/wrenware/flowline/internal/push"
	"github.com/wrenware/flowline/internal/store"
)

var executionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flowline_executions_total",
		Help: "Total number of executions reaching a terminal status.",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(executionsTotal)
}

// Work is the execution logic for one run. It returns the final data
// payload. Returning an error terminates the run in the error status. The
// Controls handle lets the logic suspend and resume the run.
type Work func(ctx context.Context, rc *Controls) ([]byte, error)

// EchoWork completes immediately, echoing the record's input payload. It is
// the default when no workflow engine is plugged in.
func EchoWork(ctx context.Context, rc *Controls) ([]byte, error) {
	return rc.Execution.Data, nil
}

// Runner launches and supervises execution lifecycles.
type Runner struct {
	store  store.Store
	push   *push.Registry
	logger *slog.Logger
	work   Work
	wg     sync.WaitGroup
}

// NewRunner creates a runner. A nil work function defaults to EchoWork.
func NewRunner(s store.Store, registry *push.Registry, logger *slog.Logger, work Work) *Runner {
	if work == nil {
		work = EchoWork
	}
	return &Runner{
		store:  s,
		push:   registry,
		logger: logger,
		work:   work,
	}
}

// Launch creates a new execution record and starts its lifecycle in a
// goroutine. For retries, retryOf references the failed original. The
// record is persisted in the new status before Launch returns.
func (r *Runner) Launch(ctx context.Context, workflowID, mode string, data []byte, retryOf *int64) (*model.Execution, error) {
	if !model.ValidMode(mode) {
		return nil, fmt.Errorf("invalid mode %q", mode)
	}

	rec := &model.Execution{
		WorkflowID: workflowID,
		Mode:       mode,
		Data:       data,
		RetryOf:    retryOf,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := r.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	recCopy := *rec
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(&recCopy)
	}()

	return rec, nil
}

// Wait blocks until all in-flight executions complete.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// execute runs one execution lifecycle: new→running→(waiting⇄running)→
// success|error. A panicking work function is recorded as an error so the
// record never sticks in running.
func (r *Runner) execute(rec *model.Execution) {
	ctx := context.Background()
	rc := &Controls{Execution: rec, runner: r}

	if err := r.store.MarkRunning(ctx, rec.ID); err != nil {
		r.logger.Error("failed to transition to running", "execution_id", rec.ID, "error", err)
		return
	}
	r.broadcast(push.EventExecutionStarted, rec, model.StatusRunning)

	out, err := r.runWork(ctx, rc)
	if err != nil {
		r.finish(ctx, rec, model.StatusError, out)
		return
	}
	r.finish(ctx, rec, model.StatusSuccess, out)
}

// runWork invokes the work function, converting a panic into an error.
func (r *Runner) runWork(ctx context.Context, rc *Controls) (out []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("execution panicked", "execution_id", rc.Execution.ID, "panic", p)
			err = fmt.Errorf("execution panicked: %v", p)
		}
	}()
	return r.work(ctx, rc)
}

// finish applies the terminal transition and broadcasts the result. For a
// retry that succeeded, the store links retry_success_id on the original in
// the same transaction as the transition.
func (r *Runner) finish(ctx context.Context, rec *model.Execution, status string, data []byte) {
	var err error
	if status == model.StatusSuccess {
		err = r.store.MarkSuccess(ctx, rec.ID, data)
	} else {
		err = r.store.MarkError(ctx, rec.ID, data)
	}
	if err != nil {
		r.logger.Error("failed to finish execution",
			"execution_id", rec.ID, "status", status, "error", err)
		return
	}

	executionsTotal.WithLabelValues(status).Inc()
	r.broadcast(push.EventExecutionFinished, rec, status)
}

// Controls is the handle the work function uses to suspend and resume its
// own execution.
type Controls struct {
	Execution *model.Execution
	runner    *Runner
}

// Suspend parks the execution in the waiting status until waitTill. Pass
// model.WaitIndefinitely when the resume depends on an external event with
// no deadline.
func (c *Controls) Suspend(ctx context.Context, waitTill time.Time) error {
	if err := c.runner.store.MarkWaiting(ctx, c.Execution.ID, waitTill); err != nil {
		return fmt.Errorf("suspend execution %d: %w", c.Execution.ID, err)
	}
	c.runner.broadcast(push.EventExecutionWaiting, c.Execution, model.StatusWaiting)
	return nil
}

// Resume moves a waiting execution back to running.
func (c *Controls) Resume(ctx context.Context) error {
	if err := c.runner.store.MarkRunning(ctx, c.Execution.ID); err != nil {
		return fmt.Errorf("resume execution %d: %w", c.Execution.ID, err)
	}
	c.runner.broadcast(push.EventExecutionStarted, c.Execution, model.StatusRunning)
	return nil
}

// executionEvent is the payload carried by lifecycle push frames.
type executionEvent struct {
	ExecutionID int64  `json:"executionId"`
	WorkflowID  string `json:"workflowId"`
	Mode        string `json:"mode"`
	Status      string `json:"status"`
	RetryOf     *int64 `json:"retryOf,omitempty"`
}

// broadcast publishes a lifecycle frame to every connected session. Push
// delivery is best-effort and never affects the execution itself.
func (r *Runner) broadcast(eventType string, rec *model.Execution, status string) {
	ev, err := push.NewEvent(eventType, executionEvent{
		ExecutionID: rec.ID,
		WorkflowID:  rec.WorkflowID,
		Mode:        rec.Mode,
		Status:      status,
		RetryOf:     rec.RetryOf,
	})
	if err != nil {
		r.logger.Error("build push event", "type", eventType, "error", err)
		return
	}
	r.push.SendToAll(ev)
}
