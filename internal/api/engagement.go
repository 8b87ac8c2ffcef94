package api

import (
	"net/http"
	"time"

	"github.com/seantiz/escrowd/internal/engine"
	"github.com/seantiz/escrowd/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// createEngagementRequest is the JSON body for POST /v1/engagements.
type createEngagementRequest struct {
	Freelancer  string    `json:"freelancer"`
	BidAmount   int64     `json:"bid_amount"`
	Deadline    time.Time `json:"deadline"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
}

// listEngagementsResponse wraps the paginated list response.
type listEngagementsResponse struct {
	Engagements []model.EngagementView `json:"engagements"`
	Total       int64                  `json:"total"`
	Limit       int                    `json:"limit"`
	Offset      int                    `json:"offset"`
}

type countResponse struct {
	Count int64 `json:"count"`
}

type payoutsResponse struct {
	EngagementID int64          `json:"engagement_id"`
	Payouts      []model.Payout `json:"payouts"`
}

func (s *Server) handleCreateEngagement(w http.ResponseWriter, r *http.Request) {
	var req createEngagementRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	eng, err := s.engine.CreateEngagement(r.Context(), caller(r), engine.NewEngagement{
		Freelancer:  req.Freelancer,
		BidAmount:   req.BidAmount,
		Deadline:    req.Deadline,
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		s.writeEngineError(w, r, "create engagement", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, eng.View())
}

func (s *Server) handleGetEngagement(w http.ResponseWriter, r *http.Request) {
	id, ok := s.engagementID(w, r)
	if !ok {
		return
	}

	eng, err := s.engine.GetEngagement(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "get engagement", err)
		return
	}

	s.writeJSON(w, http.StatusOK, eng.View())
}

func (s *Server) handleListEngagements(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	engagements, total, err := s.engine.ListEngagements(r.Context(), limit, offset)
	if err != nil {
		s.writeEngineError(w, r, "list engagements", err)
		return
	}

	views := make([]model.EngagementView, len(engagements))
	for i, eng := range engagements {
		views[i] = eng.View()
	}

	s.writeJSON(w, http.StatusOK, listEngagementsResponse{
		Engagements: views,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}

func (s *Server) handleCountEngagements(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.GetEngagementCount(r.Context())
	if err != nil {
		s.writeEngineError(w, r, "count engagements", err)
		return
	}
	s.writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := s.engagementID(w, r)
	if !ok {
		return
	}

	acct, err := s.engine.GetEscrowAccount(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "get escrow", err)
		return
	}

	s.writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleListPayouts(w http.ResponseWriter, r *http.Request) {
	id, ok := s.engagementID(w, r)
	if !ok {
		return
	}

	payouts, err := s.engine.Payouts(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "list payouts", err)
		return
	}
	if payouts == nil {
		payouts = []model.Payout{}
	}

	s.writeJSON(w, http.StatusOK, payoutsResponse{EngagementID: id, Payouts: payouts})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := s.engagementID(w, r)
	if !ok {
		return
	}

	d, err := s.engine.Dispute(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, "get dispute", err)
		return
	}

	s.writeJSON(w, http.StatusOK, d)
}
