package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total           int64            `json:"total"`
	ByStatus        map[string]int64 `json:"by_status"`
	EscrowHeld      int64            `json:"escrow_held"`
	DisputeFeesHeld int64            `json:"dispute_fees_held"`
	PayoutsByStatus map[string]int64 `json:"payouts_by_status"`
}

// balanceResponse is the JSON response for GET /v1/parties/{party}/balance.
type balanceResponse struct {
	Party   string `json:"party"`
	Balance int64  `json:"balance"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeEngineError(w, r, "get stats", err)
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:           stats.Total,
		ByStatus:        stats.CountByStatus,
		EscrowHeld:      stats.EscrowHeld,
		DisputeFeesHeld: stats.DisputeFeesHeld,
		PayoutsByStatus: stats.PayoutsByStatus,
	})
}

func (s *Server) handleGetPartyBalance(w http.ResponseWriter, r *http.Request) {
	party := chi.URLParam(r, "party")

	balance, err := s.engine.PartyBalance(r.Context(), party)
	if err != nil {
		s.writeEngineError(w, r, "get party balance", err)
		return
	}

	s.writeJSON(w, http.StatusOK, balanceResponse{Party: party, Balance: balance})
}
