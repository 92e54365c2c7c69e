package store

import (
	"context"
	"errors"
	"time"

	"github.com/wrenware/flowline/internal/model"
)

// ErrNotFound is returned when an execution is absent or outside the
// caller's permitted workflow scope. The two cases are indistinguishable.
var ErrNotFound = errors.New("execution not found")

// ErrInvalidTransition is returned when a lifecycle transition is not
// allowed from the execution's current derived status.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// ListFilter holds the predicates for List and Count.
type ListFilter struct {
	// Limit caps the number of returned rows. Required for List, ignored
	// by Count.
	Limit int
	// LastID is the exclusive keyset cursor: only rows with id < LastID
	// are eligible.
	LastID *int64
	// Status is an optional derived-status filter.
	Status string
	// WorkflowIDs restricts results to these workflows when non-empty.
	WorkflowIDs []string
	// ExcludedWorkflowIDs removes these workflows from the results.
	ExcludedWorkflowIDs []string
}

// ExecutionStats holds aggregate counts by derived status.
type ExecutionStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// Store defines the persistence operations for execution records.
type Store interface {
	// Create inserts a new execution with started_at unset and finished
	// false, and returns its allocated id.
	Create(ctx context.Context, e *model.Execution) (int64, error)

	// Get fetches an execution by id with no workflow scoping. Used by the
	// runtime, which owns the execution it operates on.
	Get(ctx context.Context, id int64) (*model.Execution, error)

	// GetInWorkflows fetches an execution by id, constrained to the given
	// workflow ids. A nil scope permits all workflows.
	GetInWorkflows(ctx context.Context, id int64, workflowIDs []string) (*model.Execution, error)

	// List returns executions matching the filter, ordered by id
	// descending, at most filter.Limit rows.
	List(ctx context.Context, f ListFilter) ([]*model.Execution, error)

	// Count returns the number of executions matching the filter's
	// predicates, without pagination.
	Count(ctx context.Context, f ListFilter) (int, error)

	// Delete removes an execution. Any retry_success_id pointing at the
	// deleted record is nulled in the same transaction.
	Delete(ctx context.Context, id int64) error

	// MarkRunning transitions new→running or waiting→running: sets
	// started_at (if unset) and clears wait_till.
	MarkRunning(ctx context.Context, id int64) error

	// MarkWaiting transitions running→waiting: sets wait_till.
	MarkWaiting(ctx context.Context, id int64, waitTill time.Time) error

	// MarkSuccess transitions running→success: sets finished and
	// stopped_at, stores the final data payload when non-nil, and, when
	// the record is a retry, links retry_success_id on the original in
	// the same transaction.
	MarkSuccess(ctx context.Context, id int64, data []byte) error

	// MarkError transitions running→error: sets stopped_at, leaves
	// finished false.
	MarkError(ctx context.Context, id int64, data []byte) error

	// LinkRetrySuccess sets retry_success_id on the original record. It
	// only succeeds when retryID references a record that is a retry of
	// originalID and has reached success.
	LinkRetrySuccess(ctx context.Context, originalID, retryID int64) error

	// Stats returns aggregate execution counts by derived status.
	Stats(ctx context.Context) (*ExecutionStats, error)

	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error

	Close() error
}
