package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wrenware/flowline/internal/model"
	"github.com/wrenware/flowline/internal/store"
)

const (
	defaultListLimit = 10
	maxListLimit     = 250
	maxBodySize      = 1 << 20 // 1 MB
)

// launchExecutionRequest is the JSON body for POST /v1/executions.
type launchExecutionRequest struct {
	WorkflowID string          `json:"workflowId"`
	Mode       string          `json:"mode"`
	Data       json.RawMessage `json:"data"`
}

// listExecutionsResponse wraps the paginated list response. NextCursor is
// null once the page came back short, telling the client to stop paging.
type listExecutionsResponse struct {
	Data       []*model.Execution `json:"data"`
	NextCursor *int64             `json:"nextCursor"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if v > maxListLimit {
			v = maxListLimit
		}
		limit = v
	}

	filter := store.ListFilter{
		Limit:               limit,
		WorkflowIDs:         q["workflowId"],
		ExcludedWorkflowIDs: q["excludedWorkflowId"],
	}

	if raw := q.Get("lastId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "lastId must be an integer")
			return
		}
		filter.LastID = &id
	}

	if raw := q.Get("status"); raw != "" {
		status, err := model.ParseFilterStatus(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}

	// Callers see only their scope. Scope narrows any explicit workflowId
	// filter rather than widening it.
	if scope := s.scope(r); scope != nil {
		filter.WorkflowIDs = intersectScope(filter.WorkflowIDs, scope)
	}

	executions, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	if executions == nil {
		executions = []*model.Execution{}
	}

	resp := listExecutionsResponse{Data: executions}
	if len(executions) == limit {
		last := executions[len(executions)-1].ID
		resp.NextCursor = &last
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// noVisibleWorkflows is an inclusion filter that matches no rows. Workflow
// ids never contain a NUL byte, so the sentinel cannot collide with a real
// workflow.
var noVisibleWorkflows = []string{"\x00"}

// intersectScope narrows a requested workflow filter to the caller's scope.
// An empty request means "everything in scope". A scope permitting nothing,
// or a request entirely outside the scope, yields a filter that matches no
// rows; an empty filter would fall through to "no restriction" and widen
// the scope instead.
func intersectScope(requested, scope []string) []string {
	if len(scope) == 0 {
		return noVisibleWorkflows
	}
	if len(requested) == 0 {
		return scope
	}
	allowed := make(map[string]struct{}, len(scope))
	for _, id := range scope {
		allowed[id] = struct{}{}
	}
	out := make([]string, 0, len(requested))
	for _, id := range requested {
		if _, ok := allowed[id]; ok {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return noVisibleWorkflows
	}
	return out
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := s.executionID(w, r)
	if !ok {
		return
	}

	e, err := s.store.GetInWorkflows(r.Context(), id, s.scope(r))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := s.executionID(w, r)
	if !ok {
		return
	}

	// Fetch within scope first so a delete can never reach past it.
	e, err := s.store.GetInWorkflows(r.Context(), id, s.scope(r))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution for delete", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete execution")
		return
	}

	if err := s.store.Delete(r.Context(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("delete execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete execution")
		return
	}

	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleLaunchExecution(w http.ResponseWriter, r *http.Request) {
	var req launchExecutionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.WorkflowID == "" {
		s.writeError(w, http.StatusBadRequest, "workflowId is required")
		return
	}
	if req.Mode == "" {
		req.Mode = model.ModeManual
	}
	if !model.ValidMode(req.Mode) || req.Mode == model.ModeRetry {
		s.writeError(w, http.StatusBadRequest, "invalid mode")
		return
	}

	e, err := s.runner.Launch(r.Context(), req.WorkflowID, req.Mode, req.Data, nil)
	if err != nil {
		s.logger.Error("launch execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to launch execution")
		return
	}

	s.writeJSON(w, http.StatusAccepted, e)
}

func (s *Server) handleRetryExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := s.executionID(w, r)
	if !ok {
		return
	}

	original, err := s.store.GetInWorkflows(r.Context(), id, s.scope(r))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution for retry", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retry execution")
		return
	}

	if original.Status() != model.StatusError {
		s.writeError(w, http.StatusBadRequest, "only failed executions can be retried")
		return
	}

	retry, err := s.runner.Launch(r.Context(), original.WorkflowID, model.ModeRetry, original.Data, &original.ID)
	if err != nil {
		s.logger.Error("launch retry", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retry execution")
		return
	}

	s.writeJSON(w, http.StatusAccepted, retry)
}

// executionID parses the {id} route parameter, writing a 400 on garbage.
func (s *Server) executionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid execution id")
		return 0, false
	}
	return id, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
