package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Execution run modes.
const (
	ModeManual  = "manual"
	ModeTrigger = "trigger"
	ModeWebhook = "webhook"
	ModeRetry   = "retry"
	ModeCLI     = "cli"
	ModeError   = "error"
)

// Derived execution statuses. A status is never stored; it is computed from
// the four control fields (started_at, stopped_at, wait_till, finished).
const (
	StatusNew     = "new"
	StatusRunning = "running"
	StatusWaiting = "waiting"
	StatusSuccess = "success"
	StatusError   = "error"
)

// WaitIndefinitely marks an execution suspended with no resume deadline.
// Stored as the maximum representable timestamp so that deadline comparisons
// stay plain range queries.
var WaitIndefinitely = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// Execution represents one recorded workflow run.
type Execution struct {
	ID             int64           `json:"id" db:"id"`
	WorkflowID     string          `json:"workflowId" db:"workflow_id"`
	Data           json.RawMessage `json:"data,omitempty" db:"data"`
	Mode           string          `json:"mode" db:"mode"`
	Finished       bool            `json:"finished" db:"finished"`
	RetryOf        *int64          `json:"retryOf" db:"retry_of"`
	RetrySuccessID *int64          `json:"retrySuccessId" db:"retry_success_id"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
	StartedAt      *time.Time      `json:"startedAt" db:"started_at"`
	StoppedAt      *time.Time      `json:"stoppedAt" db:"stopped_at"`
	WaitTill       *time.Time      `json:"waitTill" db:"wait_till"`
}

// Status derives the execution's lifecycle status from its control fields.
// The case order makes the statuses mutually exclusive: finished wins over a
// stale wait_till, wait_till over stopped_at, and so on.
func (e *Execution) Status() string {
	switch {
	case e.Finished:
		return StatusSuccess
	case e.WaitTill != nil:
		return StatusWaiting
	case e.StoppedAt != nil:
		return StatusError
	case e.StartedAt != nil:
		return StatusRunning
	default:
		return StatusNew
	}
}

// validModes is the set of accepted run modes.
var validModes = map[string]bool{
	ModeManual:  true,
	ModeTrigger: true,
	ModeWebhook: true,
	ModeRetry:   true,
	ModeCLI:     true,
	ModeError:   true,
}

// ValidMode reports whether m is a known run mode.
func ValidMode(m string) bool {
	return validModes[m]
}

// validTransitions maps each derived status to the set of statuses a worker
// may move the execution to. Success and error are terminal.
var validTransitions = map[string]map[string]bool{
	StatusNew: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusWaiting: true,
		StatusSuccess: true,
		StatusError:   true,
	},
	StatusWaiting: {
		StatusRunning: true,
	},
}

// ValidTransition reports whether transitioning from one derived status to
// another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ParseFilterStatus validates a status filter supplied on the query surface.
// Only the terminal-or-suspended statuses are exposed as filters; new and
// running are not part of the current surface.
func ParseFilterStatus(s string) (string, error) {
	switch s {
	case StatusSuccess, StatusWaiting, StatusError:
		return s, nil
	default:
		return "", fmt.Errorf("unknown status filter %q", s)
	}
}
