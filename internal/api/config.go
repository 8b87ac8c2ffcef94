package api

import (
	"net/http"
	"time"

	"github.com/seantiz/escrowd/internal/policy"
)

type feePercentRequest struct {
	Percent int64 `json:"percent"`
}

type disputeFeeRequest struct {
	Amount int64 `json:"amount"`
}

// configResponse is the JSON response for the /v1/config routes.
type configResponse struct {
	Owner              string `json:"owner"`
	PlatformFeePercent int64  `json:"platform_fee_percent"`
	MaxFeePercent      int64  `json:"max_fee_percent"`
	DisputeFee         int64  `json:"dispute_fee"`
	UpdatedAt          string `json:"updated_at"`
}

func (s *Server) writeConfig(w http.ResponseWriter, status int) {
	cfg := s.engine.Config()
	s.writeJSON(w, status, configResponse{
		Owner:              cfg.Owner,
		PlatformFeePercent: cfg.PlatformFeePercent,
		MaxFeePercent:      policy.MaxFeePercent,
		DisputeFee:         cfg.DisputeFee,
		UpdatedAt:          cfg.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	s.writeConfig(w, http.StatusOK)
}

func (s *Server) handleSetFeePercent(w http.ResponseWriter, r *http.Request) {
	var req feePercentRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if _, err := s.engine.SetPlatformFeePercent(r.Context(), caller(r), req.Percent); err != nil {
		s.writeEngineError(w, r, "set platform fee", err)
		return
	}
	s.writeConfig(w, http.StatusOK)
}

func (s *Server) handleSetDisputeFee(w http.ResponseWriter, r *http.Request) {
	var req disputeFeeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if _, err := s.engine.SetDisputeFee(r.Context(), caller(r), req.Amount); err != nil {
		s.writeEngineError(w, r, "set dispute fee", err)
		return
	}
	s.writeConfig(w, http.StatusOK)
}
