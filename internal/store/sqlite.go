package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wrenware/flowline/internal/model"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    workflow_id      TEXT NOT NULL,
    data             BLOB,
    mode             TEXT NOT NULL,
    finished         INTEGER NOT NULL DEFAULT 0,
    retry_of         INTEGER,
    retry_success_id INTEGER,
    created_at       DATETIME NOT NULL,
    started_at       DATETIME,
    stopped_at       DATETIME,
    wait_till        DATETIME
)`

const executionColumns = `id, workflow_id, data, mode, finished, retry_of,
	retry_success_id, created_at, started_at, stopped_at, wait_till`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createExecutionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create executions table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the backing database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a new execution record and returns its allocated id.
func (s *SQLiteStore) Create(ctx context.Context, e *model.Execution) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (
			workflow_id, data, mode, finished, retry_of, created_at
		) VALUES (?, ?, ?, 0, ?, ?)`,
		e.WorkflowID, []byte(e.Data), e.Mode, e.RetryOf, e.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert execution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("execution id: %w", err)
	}
	e.ID = id
	return id, nil
}

// Get retrieves an execution by id with no workflow scoping.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*model.Execution, error) {
	e := &model.Execution{}
	err := s.db.GetContext(ctx, e,
		"SELECT "+executionColumns+" FROM executions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// GetInWorkflows retrieves an execution by id constrained to the permitted
// workflow set. Absent and out-of-scope both yield ErrNotFound so that a
// caller cannot probe for executions it is not allowed to see.
func (s *SQLiteStore) GetInWorkflows(ctx context.Context, id int64, workflowIDs []string) (*model.Execution, error) {
	if workflowIDs == nil {
		return s.Get(ctx, id)
	}
	if len(workflowIDs) == 0 {
		return nil, ErrNotFound
	}

	query, args, err := sqlx.In(
		"SELECT "+executionColumns+" FROM executions WHERE id = ? AND workflow_id IN (?)",
		id, workflowIDs)
	if err != nil {
		return nil, fmt.Errorf("build scoped query: %w", err)
	}

	e := &model.Execution{}
	err = s.db.GetContext(ctx, e, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution in workflows: %w", err)
	}
	return e, nil
}

// statusPredicate translates a derived status into its control-field
// predicate. New and running are accepted here for internal callers even
// though the query surface does not expose them as filters.
func statusPredicate(status string) (string, error) {
	switch status {
	case "":
		return "", nil
	case model.StatusSuccess:
		return "finished = 1", nil
	case model.StatusWaiting:
		return "wait_till IS NOT NULL", nil
	case model.StatusError:
		return "stopped_at IS NOT NULL AND finished = 0", nil
	case model.StatusNew:
		return "started_at IS NULL AND finished = 0 AND stopped_at IS NULL AND wait_till IS NULL", nil
	case model.StatusRunning:
		return "started_at IS NOT NULL AND stopped_at IS NULL AND wait_till IS NULL AND finished = 0", nil
	default:
		return "", fmt.Errorf("unknown status %q", status)
	}
}

// buildPredicates assembles the WHERE clause shared by List and Count.
func buildPredicates(f ListFilter) (string, []interface{}, error) {
	var conds []string
	var args []interface{}

	if f.LastID != nil {
		conds = append(conds, "id < ?")
		args = append(args, *f.LastID)
	}

	pred, err := statusPredicate(f.Status)
	if err != nil {
		return "", nil, err
	}
	if pred != "" {
		conds = append(conds, pred)
	}

	if len(f.WorkflowIDs) > 0 {
		in, inArgs, err := sqlx.In("workflow_id IN (?)", f.WorkflowIDs)
		if err != nil {
			return "", nil, fmt.Errorf("build inclusion filter: %w", err)
		}
		conds = append(conds, in)
		args = append(args, inArgs...)
	}

	if len(f.ExcludedWorkflowIDs) > 0 {
		notIn, notInArgs, err := sqlx.In("workflow_id NOT IN (?)", f.ExcludedWorkflowIDs)
		if err != nil {
			return "", nil, fmt.Errorf("build exclusion filter: %w", err)
		}
		conds = append(conds, notIn)
		args = append(args, notInArgs...)
	}

	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// List returns executions matching the filter, newest id first. Keyset
// pagination (id < lastId) keeps pages stable under concurrent inserts.
func (s *SQLiteStore) List(ctx context.Context, f ListFilter) ([]*model.Execution, error) {
	if f.Limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", f.Limit)
	}

	where, args, err := buildPredicates(f)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + executionColumns + " FROM executions" + where +
		" ORDER BY id DESC LIMIT ?"
	args = append(args, f.Limit)

	var execs []*model.Execution
	if err := s.db.SelectContext(ctx, &execs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return execs, nil
}

// Count returns the number of executions matching the filter's predicates.
func (s *SQLiteStore) Count(ctx context.Context, f ListFilter) (int, error) {
	where, args, err := buildPredicates(f)
	if err != nil {
		return 0, err
	}

	var n int
	query := "SELECT COUNT(*) FROM executions" + where
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// Delete removes an execution. Records that pointed at it through
// retry_success_id get the back-reference nulled in the same transaction,
// so no forward retry link ever dangles toward a deleted record.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM executions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE executions SET retry_success_id = NULL WHERE retry_success_id = ?", id); err != nil {
		return fmt.Errorf("clear retry back-links: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// MarkRunning moves an execution into the running status. It covers both
// the initial new→running transition (sets started_at) and the
// waiting→running resume (clears wait_till). The guard in the WHERE clause
// encodes the legal source statuses so the transition is a single atomic
// statement.
func (s *SQLiteStore) MarkRunning(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions
		 SET started_at = COALESCE(started_at, ?), wait_till = NULL
		 WHERE id = ? AND finished = 0 AND stopped_at IS NULL
		   AND (started_at IS NULL OR wait_till IS NOT NULL)`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// MarkWaiting suspends a running execution until waitTill. Pass
// model.WaitIndefinitely when there is no resume deadline.
func (s *SQLiteStore) MarkWaiting(ctx context.Context, id int64, waitTill time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions
		 SET wait_till = ?
		 WHERE id = ? AND started_at IS NOT NULL AND stopped_at IS NULL
		   AND wait_till IS NULL AND finished = 0`,
		waitTill.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark waiting: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// MarkSuccess terminates a running execution successfully. When the record
// is a retry, the original's retry_success_id is set in the same
// transaction so a concurrent read never observes a half-written link.
func (s *SQLiteStore) MarkSuccess(ctx context.Context, id int64, data []byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin success tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE executions
		 SET finished = 1, stopped_at = ?, data = COALESCE(?, data)
		 WHERE id = ? AND started_at IS NOT NULL AND stopped_at IS NULL
		   AND wait_till IS NULL AND finished = 0`,
		time.Now().UTC(), data, id,
	)
	if err != nil {
		return fmt.Errorf("mark success: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.transitionErr(ctx, id)
	}

	var retryOf sql.NullInt64
	if err := tx.GetContext(ctx, &retryOf,
		"SELECT retry_of FROM executions WHERE id = ?", id); err != nil {
		return fmt.Errorf("read retry_of: %w", err)
	}
	if retryOf.Valid {
		if _, err := tx.ExecContext(ctx,
			"UPDATE executions SET retry_success_id = ? WHERE id = ?",
			id, retryOf.Int64); err != nil {
			return fmt.Errorf("link retry success: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit success: %w", err)
	}
	return nil
}

// MarkError terminates a running execution in error: stopped_at is set and
// finished stays false.
func (s *SQLiteStore) MarkError(ctx context.Context, id int64, data []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions
		 SET stopped_at = ?, data = COALESCE(?, data)
		 WHERE id = ? AND started_at IS NOT NULL AND stopped_at IS NULL
		   AND wait_till IS NULL AND finished = 0`,
		time.Now().UTC(), data, id,
	)
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// LinkRetrySuccess sets the forward link on a failed original record. The
// guarded statement only fires when retryID really is a successful retry
// of originalID, which keeps the lineage invariant enforced in one place.
func (s *SQLiteStore) LinkRetrySuccess(ctx context.Context, originalID, retryID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET retry_success_id = ?
		 WHERE id = ?
		   AND EXISTS (
		       SELECT 1 FROM executions r
		       WHERE r.id = ? AND r.retry_of = executions.id AND r.finished = 1
		   )`,
		retryID, originalID, retryID,
	)
	if err != nil {
		return fmt.Errorf("link retry success: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.Get(ctx, originalID); err != nil {
			return err
		}
		return fmt.Errorf("execution %d is not a successful retry of %d: %w",
			retryID, originalID, ErrInvalidTransition)
	}
	return nil
}

// Stats returns total and per-status execution counts. The SUM predicates
// repeat the derivation precedence so the five counts partition the table.
func (s *SQLiteStore) Stats(ctx context.Context) (*ExecutionStats, error) {
	var row struct {
		Total   int `db:"total"`
		Success int `db:"success"`
		Waiting int `db:"waiting"`
		Failed  int `db:"failed"`
		Running int `db:"running"`
		New     int `db:"new"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(finished = 1), 0) AS success,
			COALESCE(SUM(finished = 0 AND wait_till IS NOT NULL), 0) AS waiting,
			COALESCE(SUM(finished = 0 AND wait_till IS NULL AND stopped_at IS NOT NULL), 0) AS failed,
			COALESCE(SUM(finished = 0 AND wait_till IS NULL AND stopped_at IS NULL AND started_at IS NOT NULL), 0) AS running,
			COALESCE(SUM(finished = 0 AND wait_till IS NULL AND stopped_at IS NULL AND started_at IS NULL), 0) AS "new"
		FROM executions`)
	if err != nil {
		return nil, fmt.Errorf("execution stats: %w", err)
	}

	return &ExecutionStats{
		Total: row.Total,
		ByStatus: map[string]int{
			model.StatusSuccess: row.Success,
			model.StatusWaiting: row.Waiting,
			model.StatusError:   row.Failed,
			model.StatusRunning: row.Running,
			model.StatusNew:     row.New,
		},
	}, nil
}

// transitionErr distinguishes a missing record from an illegal transition
// after a guarded UPDATE touched no rows.
func (s *SQLiteStore) transitionErr(ctx context.Context, id int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// checkTransition maps a zero-rows-affected guarded UPDATE to ErrNotFound
// or ErrInvalidTransition.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, id int64) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.transitionErr(ctx, id)
	}
	return nil
}
