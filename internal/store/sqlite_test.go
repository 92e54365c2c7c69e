package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/wrenware/flowline/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestExecution(workflowID string) *model.Execution {
	return &model.Execution{
		WorkflowID: workflowID,
		Mode:       model.ModeTrigger,
		Data:       json.RawMessage(`{"input":{}}`),
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

// createInStatus inserts an execution and walks it to the requested derived
// status through the lifecycle transitions.
func createInStatus(t *testing.T, s *SQLiteStore, workflowID, status string) *model.Execution {
	t.Helper()
	ctx := context.Background()

	e := makeTestExecution(workflowID)
	if _, err := s.Create(ctx, e); err != nil {
		t.Fatalf("Create: %v", err)
	}

	switch status {
	case model.StatusNew:
	case model.StatusRunning:
		mustTransition(t, s.MarkRunning(ctx, e.ID))
	case model.StatusWaiting:
		mustTransition(t, s.MarkRunning(ctx, e.ID))
		mustTransition(t, s.MarkWaiting(ctx, e.ID, time.Now().UTC().Add(time.Hour)))
	case model.StatusSuccess:
		mustTransition(t, s.MarkRunning(ctx, e.ID))
		mustTransition(t, s.MarkSuccess(ctx, e.ID, nil))
	case model.StatusError:
		mustTransition(t, s.MarkRunning(ctx, e.ID))
		mustTransition(t, s.MarkError(ctx, e.ID, nil))
	default:
		t.Fatalf("unknown status %q", status)
	}

	got, err := s.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get after setup: %v", err)
	}
	if got.Status() != status {
		t.Fatalf("setup produced status %q, want %q", got.Status(), status)
	}
	return got
}

func mustTransition(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestExecution("wf-1")

	id, err := s.Create(ctx, e)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == 0 {
		t.Fatal("Create returned id 0")
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if got.WorkflowID != "wf-1" {
		t.Errorf("WorkflowID = %q, want %q", got.WorkflowID, "wf-1")
	}
	if got.Mode != model.ModeTrigger {
		t.Errorf("Mode = %q, want %q", got.Mode, model.ModeTrigger)
	}
	if string(got.Data) != `{"input":{}}` {
		t.Errorf("Data = %s, want %s", got.Data, `{"input":{}}`)
	}
	if got.Finished {
		t.Error("Finished = true on a fresh record")
	}
	if got.StartedAt != nil || got.StoppedAt != nil || got.WaitTill != nil {
		t.Error("control timestamps set on a fresh record")
	}
	if got.RetryOf != nil || got.RetrySuccessID != nil {
		t.Error("retry links set on a fresh record")
	}
	if got.Status() != model.StatusNew {
		t.Errorf("Status = %q, want %q", got.Status(), model.StatusNew)
	}
}

func TestCreateAllocatesIncreasingIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := s.Create(ctx, makeTestExecution("wf-1"))
		if err != nil {
			t.Fatalf("Create[%d]: %v", i, err)
		}
		if id <= last {
			t.Errorf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), 999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestGetInWorkflowsScoping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := makeTestExecution("wf-1")
	id, err := s.Create(ctx, e)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Caller permitted for a different workflow sees not-found, identical
	// to the record not existing at all.
	if _, err := s.GetInWorkflows(ctx, id, []string{"wf-2"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("out-of-scope error = %v, want ErrNotFound", err)
	}

	// Empty (non-nil) scope permits nothing.
	if _, err := s.GetInWorkflows(ctx, id, []string{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty-scope error = %v, want ErrNotFound", err)
	}

	// Matching scope returns the record.
	got, err := s.GetInWorkflows(ctx, id, []string{"wf-2", "wf-1"})
	if err != nil {
		t.Fatalf("in-scope GetInWorkflows: %v", err)
	}
	if got.ID != id {
		t.Errorf("ID = %d, want %d", got.ID, id)
	}

	// Nil scope means unscoped.
	if _, err := s.GetInWorkflows(ctx, id, nil); err != nil {
		t.Errorf("nil-scope GetInWorkflows: %v", err)
	}
}

func TestListKeysetPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.Create(ctx, makeTestExecution("wf-1"))
		if err != nil {
			t.Fatalf("Create[%d]: %v", i, err)
		}
		ids = append(ids, id)
	}

	// First page.
	page1, err := s.List(ctx, ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("List page 1: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("len(page1) = %d, want 2", len(page1))
	}
	if page1[0].ID != ids[4] || page1[1].ID != ids[3] {
		t.Errorf("page1 ids = %d, %d; want %d, %d", page1[0].ID, page1[1].ID, ids[4], ids[3])
	}

	// Second page via the keyset cursor: every row must have id < lastId.
	lastID := page1[len(page1)-1].ID
	page2, err := s.List(ctx, ListFilter{Limit: 2, LastID: &lastID})
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	for _, e := range page2 {
		if e.ID >= lastID {
			t.Errorf("page2 id %d not < cursor %d", e.ID, lastID)
		}
	}

	// Strictly descending within a page.
	for i := 1; i < len(page2); i++ {
		if page2[i].ID >= page2[i-1].ID {
			t.Errorf("page2 not strictly descending: %d then %d", page2[i-1].ID, page2[i].ID)
		}
	}

	// Walk to the end.
	lastID = page2[len(page2)-1].ID
	page3, err := s.List(ctx, ListFilter{Limit: 2, LastID: &lastID})
	if err != nil {
		t.Fatalf("List page 3: %v", err)
	}
	if len(page3) != 1 {
		t.Errorf("len(page3) = %d, want 1", len(page3))
	}
}

func TestListStatusFiltering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	succeeded := createInStatus(t, s, "wf-1", model.StatusSuccess)
	failed := createInStatus(t, s, "wf-1", model.StatusError)
	waiting := createInStatus(t, s, "wf-1", model.StatusWaiting)

	tests := []struct {
		status string
		wantID int64
	}{
		{model.StatusSuccess, succeeded.ID},
		{model.StatusError, failed.ID},
		{model.StatusWaiting, waiting.ID},
	}

	for _, tc := range tests {
		t.Run(tc.status, func(t *testing.T) {
			got, err := s.List(ctx, ListFilter{Limit: 10, Status: tc.status})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("len = %d, want 1", len(got))
			}
			if got[0].ID != tc.wantID {
				t.Errorf("id = %d, want %d", got[0].ID, tc.wantID)
			}
		})
	}
}

func TestListWorkflowFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, wf := range []string{"wf-1", "wf-2", "wf-3"} {
		if _, err := s.Create(ctx, makeTestExecution(wf)); err != nil {
			t.Fatalf("Create %s: %v", wf, err)
		}
	}

	included, err := s.List(ctx, ListFilter{Limit: 10, WorkflowIDs: []string{"wf-1", "wf-3"}})
	if err != nil {
		t.Fatalf("List inclusion: %v", err)
	}
	if len(included) != 2 {
		t.Errorf("inclusion len = %d, want 2", len(included))
	}

	excluded, err := s.List(ctx, ListFilter{Limit: 10, ExcludedWorkflowIDs: []string{"wf-2"}})
	if err != nil {
		t.Fatalf("List exclusion: %v", err)
	}
	for _, e := range excluded {
		if e.WorkflowID == "wf-2" {
			t.Errorf("excluded workflow wf-2 present in results")
		}
	}

	// A workflow both included and excluded contradicts itself; the AND of
	// the predicates yields an empty result rather than an error.
	both, err := s.List(ctx, ListFilter{
		Limit:               10,
		WorkflowIDs:         []string{"wf-1"},
		ExcludedWorkflowIDs: []string{"wf-1"},
	})
	if err != nil {
		t.Fatalf("List contradiction: %v", err)
	}
	if len(both) != 0 {
		t.Errorf("contradiction len = %d, want 0", len(both))
	}
}

func TestListRejectsBadInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.List(ctx, ListFilter{Limit: 0}); err == nil {
		t.Error("List with limit 0 succeeded, want error")
	}
	if _, err := s.List(ctx, ListFilter{Limit: 10, Status: "bogus"}); err == nil {
		t.Error("List with unknown status succeeded, want error")
	}
}

func TestCountMatchesPredicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createInStatus(t, s, "wf-1", model.StatusSuccess)
	createInStatus(t, s, "wf-1", model.StatusSuccess)
	createInStatus(t, s, "wf-2", model.StatusError)

	n, err := s.Count(ctx, ListFilter{Status: model.StatusSuccess})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("success count = %d, want 2", n)
	}

	// Count ignores Limit; it is not a row cap on the predicate set.
	n, err = s.Count(ctx, ListFilter{Limit: 1})
	if err != nil {
		t.Fatalf("Count all: %v", err)
	}
	if n != 3 {
		t.Errorf("total count = %d, want 3", n)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := makeTestExecution("wf-1")
	id, err := s.Create(ctx, e)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// new → running
	if err := s.MarkRunning(ctx, id); err != nil {
		t.Fatalf("new→running: %v", err)
	}
	got, _ := s.Get(ctx, id)
	if got.Status() != model.StatusRunning {
		t.Errorf("Status = %q, want running", got.Status())
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not set after MarkRunning")
	}
	startedAt := *got.StartedAt

	// running → waiting
	deadline := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	if err := s.MarkWaiting(ctx, id, deadline); err != nil {
		t.Fatalf("running→waiting: %v", err)
	}
	got, _ = s.Get(ctx, id)
	if got.Status() != model.StatusWaiting {
		t.Errorf("Status = %q, want waiting", got.Status())
	}
	if got.StoppedAt != nil || got.Finished {
		t.Error("waiting must not set stopped_at or finished")
	}

	// waiting → running keeps the original started_at
	if err := s.MarkRunning(ctx, id); err != nil {
		t.Fatalf("waiting→running: %v", err)
	}
	got, _ = s.Get(ctx, id)
	if got.Status() != model.StatusRunning {
		t.Errorf("Status = %q, want running", got.Status())
	}
	if got.WaitTill != nil {
		t.Error("WaitTill not cleared on resume")
	}
	if !got.StartedAt.Equal(startedAt) {
		t.Errorf("StartedAt changed on resume: %v, want %v", got.StartedAt, startedAt)
	}

	// running → success
	if err := s.MarkSuccess(ctx, id, []byte(`{"output":1}`)); err != nil {
		t.Fatalf("running→success: %v", err)
	}
	got, _ = s.Get(ctx, id)
	if got.Status() != model.StatusSuccess {
		t.Errorf("Status = %q, want success", got.Status())
	}
	if got.StoppedAt == nil || !got.Finished {
		t.Error("success must set stopped_at and finished")
	}
	if string(got.Data) != `{"output":1}` {
		t.Errorf("Data = %s, want final payload", got.Data)
	}
}

func TestMarkErrorLeavesFinishedFalse(t *testing.T) {
	s := newTestStore(t)

	e := createInStatus(t, s, "wf-1", model.StatusError)
	if e.StoppedAt == nil {
		t.Error("StoppedAt not set after MarkError")
	}
	if e.Finished {
		t.Error("Finished = true after MarkError")
	}
}

func TestInvalidTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		status string
		apply  func(id int64) error
	}{
		{"success from new", model.StatusNew, func(id int64) error { return s.MarkSuccess(ctx, id, nil) }},
		{"error from new", model.StatusNew, func(id int64) error { return s.MarkError(ctx, id, nil) }},
		{"waiting from new", model.StatusNew, func(id int64) error { return s.MarkWaiting(ctx, id, time.Now()) }},
		{"waiting from waiting", model.StatusWaiting, func(id int64) error { return s.MarkWaiting(ctx, id, time.Now()) }},
		{"success from waiting", model.StatusWaiting, func(id int64) error { return s.MarkSuccess(ctx, id, nil) }},
		{"running from success", model.StatusSuccess, func(id int64) error { return s.MarkRunning(ctx, id) }},
		{"running from error", model.StatusError, func(id int64) error { return s.MarkRunning(ctx, id) }},
		{"error from success", model.StatusSuccess, func(id int64) error { return s.MarkError(ctx, id, nil) }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := createInStatus(t, s, "wf-1", tc.status)
			if err := tc.apply(e.ID); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("got error %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestTransitionNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.MarkRunning(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRunning error = %v, want ErrNotFound", err)
	}
	if err := s.MarkSuccess(ctx, 999, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkSuccess error = %v, want ErrNotFound", err)
	}
}

func TestWaitIndefinitelyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := createInStatus(t, s, "wf-1", model.StatusRunning)
	if err := s.MarkWaiting(ctx, e.ID, model.WaitIndefinitely); err != nil {
		t.Fatalf("MarkWaiting indefinite: %v", err)
	}

	got, err := s.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.WaitTill == nil || !got.WaitTill.Equal(model.WaitIndefinitely) {
		t.Errorf("WaitTill = %v, want the indefinite marker", got.WaitTill)
	}
	if got.Status() != model.StatusWaiting {
		t.Errorf("Status = %q, want waiting", got.Status())
	}
}

func TestRetrySuccessLinksOriginal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	original := createInStatus(t, s, "wf-1", model.StatusError)

	retry := makeTestExecution("wf-1")
	retry.Mode = model.ModeRetry
	retry.RetryOf = &original.ID
	retryID, err := s.Create(ctx, retry)
	if err != nil {
		t.Fatalf("Create retry: %v", err)
	}

	// Creating the retry does not touch the original.
	got, _ := s.Get(ctx, original.ID)
	if got.RetrySuccessID != nil {
		t.Error("RetrySuccessID set before the retry succeeded")
	}

	mustTransition(t, s.MarkRunning(ctx, retryID))
	mustTransition(t, s.MarkSuccess(ctx, retryID, nil))

	// The success transition links the original in the same transaction.
	got, _ = s.Get(ctx, original.ID)
	if got.RetrySuccessID == nil || *got.RetrySuccessID != retryID {
		t.Errorf("RetrySuccessID = %v, want %d", got.RetrySuccessID, retryID)
	}
	if got.Status() != model.StatusError {
		t.Errorf("original status = %q, want error (only retry_success_id may change)", got.Status())
	}
}

func TestRetryErrorDoesNotLinkOriginal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	original := createInStatus(t, s, "wf-1", model.StatusError)

	retry := makeTestExecution("wf-1")
	retry.Mode = model.ModeRetry
	retry.RetryOf = &original.ID
	retryID, err := s.Create(ctx, retry)
	if err != nil {
		t.Fatalf("Create retry: %v", err)
	}
	mustTransition(t, s.MarkRunning(ctx, retryID))
	mustTransition(t, s.MarkError(ctx, retryID, nil))

	got, _ := s.Get(ctx, original.ID)
	if got.RetrySuccessID != nil {
		t.Errorf("RetrySuccessID = %v after failed retry, want nil", got.RetrySuccessID)
	}
}

func TestLinkRetrySuccessGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	original := createInStatus(t, s, "wf-1", model.StatusError)
	unrelated := createInStatus(t, s, "wf-1", model.StatusSuccess)

	// unrelated succeeded but is not a retry of original.
	err := s.LinkRetrySuccess(ctx, original.ID, unrelated.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("link unrelated: error = %v, want ErrInvalidTransition", err)
	}

	// A real retry that has not succeeded yet must not link either.
	retry := makeTestExecution("wf-1")
	retry.RetryOf = &original.ID
	retry.Mode = model.ModeRetry
	retryID, _ := s.Create(ctx, retry)
	mustTransition(t, s.MarkRunning(ctx, retryID))

	err = s.LinkRetrySuccess(ctx, original.ID, retryID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("link unfinished retry: error = %v, want ErrInvalidTransition", err)
	}

	mustTransition(t, s.MarkSuccess(ctx, retryID, nil))

	// MarkSuccess already linked; calling LinkRetrySuccess again is a
	// no-op rewrite of the same value.
	if err := s.LinkRetrySuccess(ctx, original.ID, retryID); err != nil {
		t.Errorf("relink after success: %v", err)
	}

	if err := s.LinkRetrySuccess(ctx, 999, retryID); !errors.Is(err, ErrNotFound) {
		t.Errorf("link missing original: error = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := createInStatus(t, s, "wf-1", model.StatusSuccess)
	if err := s.Delete(ctx, e.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: error = %v, want ErrNotFound", err)
	}

	if err := s.Delete(ctx, e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: error = %v, want ErrNotFound", err)
	}
}

func TestDeleteClearsRetrySuccessBacklink(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	original := createInStatus(t, s, "wf-1", model.StatusError)

	retry := makeTestExecution("wf-1")
	retry.Mode = model.ModeRetry
	retry.RetryOf = &original.ID
	retryID, _ := s.Create(ctx, retry)
	mustTransition(t, s.MarkRunning(ctx, retryID))
	mustTransition(t, s.MarkSuccess(ctx, retryID, nil))

	// Deleting the successful retry must null the original's forward link
	// so it never points at a missing record.
	if err := s.Delete(ctx, retryID); err != nil {
		t.Fatalf("Delete retry: %v", err)
	}
	got, err := s.Get(ctx, original.ID)
	if err != nil {
		t.Fatalf("Get original: %v", err)
	}
	if got.RetrySuccessID != nil {
		t.Errorf("RetrySuccessID = %v after deleting the retry, want nil", got.RetrySuccessID)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createInStatus(t, s, "wf-1", model.StatusNew)
	createInStatus(t, s, "wf-1", model.StatusRunning)
	createInStatus(t, s, "wf-1", model.StatusWaiting)
	createInStatus(t, s, "wf-1", model.StatusSuccess)
	createInStatus(t, s, "wf-1", model.StatusSuccess)
	createInStatus(t, s, "wf-2", model.StatusError)

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 6 {
		t.Errorf("Total = %d, want 6", stats.Total)
	}
	want := map[string]int{
		model.StatusNew:     1,
		model.StatusRunning: 1,
		model.StatusWaiting: 1,
		model.StatusSuccess: 2,
		model.StatusError:   1,
	}
	for status, n := range want {
		if stats.ByStatus[status] != n {
			t.Errorf("ByStatus[%q] = %d, want %d", status, stats.ByStatus[status], n)
		}
	}
}

func TestStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	// Running the migration twice on the same connection shouldn't error.
	s := newTestStore(t)
	if _, err := s.db.Exec(createExecutionsTable); err != nil {
		t.Fatalf("second migration: %v", err)
	}
}
