package api

import (
	"net/http"
)

// healthResponse reports service liveness plus the live push-connection
// count so a probe can tell an idle instance from a wedged one.
type healthResponse struct {
	Status          string `json:"status"`
	PushConnections int    `json:"pushConnections"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:          "ok",
		PushConnections: s.registry.Len(),
	}

	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("health check: store unreachable", "error", err)
		resp.Status = "degraded"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}
