package api

import (
	"context"
	"net/http"

	"github.com/seantiz/escrowd/internal/model"
)

type depositRequest struct {
	Amount int64 `json:"amount"`
}

type submitWorkRequest struct {
	Reference string `json:"reference"`
}

type rejectWorkRequest struct {
	Reason string `json:"reason"`
}

type raiseDisputeRequest struct {
	Fee int64 `json:"fee"`
}

type resolveDisputeRequest struct {
	ClientShare     int64 `json:"client_share"`
	FreelancerShare int64 `json:"freelancer_share"`
}

// transitionHandler adapts an engine state change on {id} to an HTTP handler.
// The body, if any, is decoded into req before apply runs.
func (s *Server) transitionHandler(op string, req any, apply func(ctx context.Context, caller string, id int64) (*model.Engagement, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.engagementID(w, r)
		if !ok {
			return
		}
		if req != nil && !s.decodeBody(w, r, req) {
			return
		}

		eng, err := apply(r.Context(), caller(r), id)
		if err != nil {
			s.writeEngineError(w, r, op, err)
			return
		}
		s.writeJSON(w, http.StatusOK, eng.View())
	}
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	s.transitionHandler("deposit", &req, func(ctx context.Context, caller string, id int64) (*model.Engagement, error) {
		return s.engine.ClientSignAndDeposit(ctx, caller, id, req.Amount)
	})(w, r)
}

func (s *Server) handleFreelancerSign(w http.ResponseWriter, r *http.Request) {
	s.transitionHandler("freelancer sign", nil, s.engine.FreelancerSign)(w, r)
}

func (s *Server) handleSubmitWork(w http.ResponseWriter, r *http.Request) {
	var req submitWorkRequest
	s.transitionHandler("submit work", &req, func(ctx context.Context, caller string, id int64) (*model.Engagement, error) {
		return s.engine.SubmitWork(ctx, caller, id, req.Reference)
	})(w, r)
}

func (s *Server) handleApproveWork(w http.ResponseWriter, r *http.Request) {
	s.transitionHandler("approve work", nil, s.engine.ApproveWork)(w, r)
}

func (s *Server) handleRejectWork(w http.ResponseWriter, r *http.Request) {
	var req rejectWorkRequest
	s.transitionHandler("reject work", &req, func(ctx context.Context, caller string, id int64) (*model.Engagement, error) {
		return s.engine.RejectWork(ctx, caller, id, req.Reason)
	})(w, r)
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	var req raiseDisputeRequest
	s.transitionHandler("raise dispute", &req, func(ctx context.Context, caller string, id int64) (*model.Engagement, error) {
		return s.engine.RaiseDispute(ctx, caller, id, req.Fee)
	})(w, r)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	s.transitionHandler("resolve dispute", &req, func(ctx context.Context, caller string, id int64) (*model.Engagement, error) {
		return s.engine.ResolveDispute(ctx, caller, id, req.ClientShare, req.FreelancerShare)
	})(w, r)
}

func (s *Server) handleRequestRefund(w http.ResponseWriter, r *http.Request) {
	s.transitionHandler("request refund", nil, s.engine.RequestRefund)(w, r)
}
