package api

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// handleHealthz reports ok when the store answers a count query.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if _, err := s.engine.GetEngagementCount(ctx); err != nil {
		s.logger.Error("health check", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Store: "error"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Store: "ok"})
}
