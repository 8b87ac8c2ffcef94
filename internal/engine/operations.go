package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/escrowd/internal/ledger"
	"github.com/seantiz/escrowd/internal/model"
	"github.com/seantiz/escrowd/internal/policy"
	"github.com/seantiz/escrowd/internal/store"
)

// Operation names, used for spans, metrics and logs.
const (
	opCreate        = "create_engagement"
	opDeposit       = "client_sign_and_deposit"
	opFreelancer    = "freelancer_sign"
	opSubmit        = "submit_work"
	opApprove       = "approve_work"
	opReject        = "reject_work"
	opDispute       = "raise_dispute"
	opResolve       = "resolve_dispute"
	opRefund        = "request_refund"
	opSetFeePercent = "set_platform_fee_percent"
	opSetDisputeFee = "set_dispute_fee"
)

// NewEngagement holds the caller-supplied fields of an engagement.
type NewEngagement struct {
	Freelancer  string
	BidAmount   int64
	Deadline    time.Time
	Title       string
	Description string
}

// transitionFunc checks the caller against a loaded engagement and returns the
// writes of the operation. It may mutate eng freely; on error the copy is
// discarded.
type transitionFunc func(ctx context.Context, eng *model.Engagement, at time.Time) (*store.Change, error)

// transition runs fn against engagement id under the writer lock and commits
// the resulting change.
func (e *Engine) transition(ctx context.Context, op, caller string, id int64, fn transitionFunc) (_ *model.Engagement, err error) {
	ctx, span := e.startSpan(ctx, op, caller, id)
	defer func() {
		observe(op, err)
		endSpan(span, err)
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	eng, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	from := eng.Status

	c, err := fn(ctx, eng, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.commit(ctx, op, from, c); err != nil {
		return nil, err
	}
	return eng, nil
}

// CreateEngagement registers a new engagement with caller as client. The
// engagement ID is the number of engagements created before it.
func (e *Engine) CreateEngagement(ctx context.Context, caller string, req NewEngagement) (_ *model.Engagement, err error) {
	ctx, span := e.startSpan(ctx, opCreate, caller, -1)
	defer func() {
		observe(opCreate, err)
		endSpan(span, err)
	}()

	freelancer := strings.TrimSpace(req.Freelancer)
	switch {
	case strings.TrimSpace(caller) == "":
		return nil, fmt.Errorf("empty client: %w", model.ErrInvalidParty)
	case strings.TrimSpace(caller) != caller:
		return nil, fmt.Errorf("client %q has surrounding whitespace: %w", caller, model.ErrInvalidParty)
	case freelancer == "":
		return nil, fmt.Errorf("empty freelancer: %w", model.ErrInvalidParty)
	case freelancer == caller:
		return nil, fmt.Errorf("freelancer is the client: %w", model.ErrInvalidParty)
	case req.BidAmount <= 0:
		return nil, fmt.Errorf("bid %d: %w", req.BidAmount, model.ErrInvalidAmount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.store.CountEngagements(ctx)
	if err != nil {
		return nil, fmt.Errorf("assign id: %w", err)
	}

	at := e.now()
	eng := &model.Engagement{
		ID:          id,
		Client:      caller,
		Freelancer:  freelancer,
		BidAmount:   req.BidAmount,
		Deadline:    req.Deadline.UTC(),
		Title:       req.Title,
		Description: req.Description,
		Status:      model.StatusCreated,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	acct := ledger.Open(id, req.BidAmount)

	c := &store.Change{
		Engagement: eng,
		Created:    true,
		Account:    &acct,
		Events: []model.Event{
			model.NewEvent(id, model.EventEngagementCreated, caller, model.EventData{
				Client:     caller,
				Freelancer: freelancer,
				Amount:     req.BidAmount,
			}, at),
		},
	}
	if err := e.commit(ctx, opCreate, "", c); err != nil {
		return nil, err
	}
	return eng, nil
}

// ClientSignAndDeposit signs the engagement as client and credits escrow with
// amount, which must equal the bid exactly.
func (e *Engine) ClientSignAndDeposit(ctx context.Context, caller string, id, amount int64) (*model.Engagement, error) {
	eng, err := e.transition(ctx, opDeposit, caller, id, func(ctx context.Context, eng *model.Engagement, at time.Time) (*store.Change, error) {
		if caller != eng.Client {
			return nil, model.ErrNotClient
		}
		if err := requireStatus(eng, model.StatusCreated); err != nil {
			return nil, err
		}
		if amount != eng.BidAmount {
			return nil, fmt.Errorf("%w: got %d, bid %d", model.ErrWrongAmount, amount, eng.BidAmount)
		}

		acct, err := e.loadAccount(ctx, eng)
		if err != nil {
			return nil, err
		}
		if err := ledger.Credit(acct, amount, at); err != nil {
			return nil, fmt.Errorf("credit escrow: %w", err)
		}
		if err := advance(eng, model.StatusClientSigned, "", at); err != nil {
			return nil, err
		}

		return &store.Change{
			Engagement: eng,
			Account:    acct,
			Events: []model.Event{
				model.NewEvent(eng.ID, model.EventClientSigned, caller, model.EventData{Client: caller, Amount: amount}, at),
			},
		}, nil
	})
	if err == nil {
		escrowDepositedTotal.Add(float64(amount))
	}
	return eng, err
}

// FreelancerSign countersigns a funded engagement.
func (e *Engine) FreelancerSign(ctx context.Context, caller string, id int64) (*model.Engagement, error) {
	return e.transition(ctx, opFreelancer, caller, id, func(_ context.Context, eng *model.Engagement, at time.Time) (*store.Change, error) {
		if caller != eng.Freelancer {
			return nil, model.ErrNotFreelancer
		}
		if err := requireStatus(eng, model.StatusClientSigned); err != nil {
			return nil, err
		}
		if err := advance(eng, model.StatusBothSigned, "", at); err != nil {
			return nil, err
		}
		return &store.Change{
			Engagement: eng,
			Events: []model.Event{
				model.NewEvent(eng.ID, model.EventFreelancerSigned, caller, model.EventData{Freelancer: caller}, at),
			},
		}, nil
	})
}

// SubmitWork records an opaque reference to the delivered work.
func (e *Engine) SubmitWork(ctx context.Context, caller string, id int64, reference string) (*model.Engagement, error) {
	return e.transition(ctx, opSubmit, caller, id, func(_ context.Context, eng *model.Engagement, at time.Time) (*store.Change, error) {
		if caller != eng.Freelancer {
			return nil, model.ErrNotFreelancer
		}
		if err := requireStatus(eng, model.StatusBothSigned); err != nil {
			return nil, err
		}
		eng.WorkReference = reference
		if err := advance(eng, model.StatusWorkSubmitted, "", at); err != nil {
			return nil, err
		}
		return &store.Change{
			Engagement: eng,
			Events: []model.Event{
				model.NewEvent(eng.ID, model.EventWorkSubmitted, caller, model.EventData{Freelancer: caller, Reference: reference}, at),
			},
		}, nil
	})
}

// ApproveWork completes the engagement, paying the bid less the platform fee
// to the freelancer and the fee to the owner. The fee percent is the one in
// force when the call starts.
func (e *Engine) ApproveWork(ctx context.Context, caller string, id int64) (*model.Engagement, error) {
	return e.transition(ctx, opApprove, caller, id, func(ctx context.Context, eng *model.Engagement, at time.Time) (*store.Change, error) {
		if caller != eng.Client {
			return nil, model.ErrNotClient
		}
		if err := requireStatus(eng, model.StatusWorkSubmitted); err != nil {
			return nil, err
		}

		cfg := e.policy.Snapshot()
		acct, err := e.loadAccount(ctx, eng)
		if err != nil {
			return nil, err
		}
		legs := policy.ApprovalLegs(cfg, eng.BidAmount, eng.Freelancer)
		payouts, err := ledger.Disburse(acct, legs, at)
		if err != nil {
			return nil, fmt.Errorf("disburse escrow: %w", err)
		}
		if err := advance(eng, model.StatusCompleted, model.OutcomeApproved, at); err != nil {
			return nil, err
		}

		net, fee := legs[0].Amount, legs[1].Amount
		return &store.Change{
			Engagement: eng,
			Account:    acct,
			Payouts:    payouts,
			Events: []model.Event{
				model.NewEvent(eng.ID, model.EventWorkApproved, caller, model.EventData{
					Client:     caller,
					Freelancer: eng.Freelancer,
					Amount:     eng.BidAmount,
				}, at),
				model.NewEvent(eng.ID, model.EventPaymentReleased, caller, model.EventData{
					Recipient:     eng.Freelancer,
					Amount:        net,
					Fee:           fee,
					FeePercent:    cfg.PlatformFeePercent,
					PlatformShare: fee,
				}, at),
			},
		}, nil
	})
}

// RejectWork records the client's rejection. The status stays WorkSubmitted;
// only a WorkRejected event is emitted.
func (e *Engine) RejectWork(ctx context.Context, caller string, id int64, reason string) (*model.Engagement, error) {
	return e.transition(ctx, opReject, caller, id, func(_ context.Context, eng *model.Engagement, at time.Time) (*store.Change, error) {
		if caller != eng.Client {
			return nil, model.ErrNotClient
		}
		if err := requireStatus(eng, model.StatusWorkSubmitted); err != nil {
			return nil, err
		}
		return &store.Change{
			Events: []model.Event{
				model.NewEvent(eng.ID, model.EventWorkRejected, caller, model.EventData{Reason: reason}, at),
			},
		}, nil
	})
}

// RaiseDispute moves submitted work into dispute. Either party may raise it
// by paying exactly the configured dispute fee, which is held with the escrow.
func (e *Engine) RaiseDispute(ctx context.Context, caller string, id, fee int64) (*model.Engagement, error) {
	return e.transition(ctx, opDispute, caller, id, func(ctx context.Context, eng *model.Engagement, at time.Time) (*store.Change, error) {
		if caller == "" || (caller != eng.Client && caller != eng.Freelancer) {
			return nil, model.ErrNotParty
		}
		if err := requireStatus(eng, model.StatusWorkSubmitted); err != nil {
			return nil, err
		}
		cfg := e.policy.Snapshot()
		if fee != cfg.DisputeFee {
			return nil, fmt.Errorf("%w: got %d, want %d", model.ErrWrongFee, fee, cfg.DisputeFee)
		}

		acct, err := e.loadAccount(ctx, eng)
		if err != nil {
			return nil, err
		}
		if err := ledger.HoldDisputeFee(acct, fee); err != nil {
			return nil, fmt.Errorf("hold dispute fee: %w", err)
		}
		if err := advance(eng, model.StatusDisputed, "", at); err != nil {
			return nil, err
		}

		return &store.Change{
			Engagement: eng,
			Account:    acct,
			Dispute: &model.Dispute{
				EngagementID: eng.ID,
				RaisedBy:     caller,
				FeePaid:      fee,
				RaisedAt:     at,
			},
			Events: []model.Event{
				model.NewEvent(eng.ID, model.EventDisputeRaised, caller, model.EventData{DisputeFee: fee}, at),
			},
		}, nil
	})
}

// ResolveDispute settles a disputed engagement with the owner's split. Any
// part of the bid not allocated to either party goes to the owner, as does
// the held dispute fee.
func (e *Engine) ResolveDispute(ctx context.Context, caller string, id, clientShare, freelancerShare int64) (*model.Engagement, error) {
	return e.transition(ctx, opResolve, caller, id, func(ctx context.Context, eng *model.Engagement, at time.Time) (*store.Change, error) {
		if !e.policy.IsOwner(caller) {
			return nil, model.ErrNotOwner
		}
		if err := requireStatus(eng, model.StatusDisputed); err != nil {
			return nil, err
		}

		cfg := e.policy.Snapshot()
		r := policy.Resolution{ClientShare: clientShare, FreelancerShare: freelancerShare}
		legs, err := policy.ResolutionLegs(cfg, eng.BidAmount, eng.Client, eng.Freelancer, r)
		if err != nil {
			return nil, err
		}

		acct, err := e.loadAccount(ctx, eng)
		if err != nil {
			return nil, err
		}
		dispute, err := e.store.GetDispute(ctx, eng.ID)
		if err != nil {
			return nil, fmt.Errorf("load dispute %d: %w", eng.ID, err)
		}

		feeHeld := acct.DisputeFeeHeld
		payouts, err := ledger.Disburse(acct, legs, at)
		if err != nil {
			return nil, fmt.Errorf("disburse escrow: %w", err)
		}
		if p := ledger.ReleaseDisputeFee(acct, cfg.Owner, model.PayoutDisputeFee, at); p != nil {
			payouts = append(payouts, *p)
		}
		if err := advance(eng, model.StatusCompleted, model.OutcomeResolved, at); err != nil {
			return nil, err
		}

		remainder := r.Remainder(eng.BidAmount)
		dispute.ClientShare = clientShare
		dispute.FreelancerShare = freelancerShare
		dispute.PlatformRemainder = remainder
		dispute.FeeDisposition = model.FeeToPlatform
		dispute.ResolvedBy = caller
		dispute.ResolvedAt = &at

		return &store.Change{
			Engagement: eng,
			Account:    acct,
			Dispute:    dispute,
			Payouts:    payouts,
			Events: []model.Event{
				model.NewEvent(eng.ID, model.EventDisputeResolved, caller, model.EventData{
					Client:          eng.Client,
					Freelancer:      eng.Freelancer,
					ClientShare:     clientShare,
					FreelancerShare: freelancerShare,
					PlatformShare:   remainder,
					DisputeFee:      feeHeld,
				}, at),
			},
		}, nil
	})
}

// RequestRefund returns the full bid to the client once the deadline has
// passed, from any funded, non-completed status. A dispute fee held on a
// disputed engagement goes back to whoever paid it.
func (e *Engine) RequestRefund(ctx context.Context, caller string, id int64) (*model.Engagement, error) {
	return e.transition(ctx, opRefund, caller, id, func(ctx context.Context, eng *model.Engagement, at time.Time) (*store.Change, error) {
		if caller != eng.Client {
			return nil, model.ErrNotClient
		}
		if eng.Terminal() {
			return nil, model.ErrAlreadyCompleted
		}
		if !eng.FundsDeposited() {
			return nil, fmt.Errorf("%w: no funds deposited", model.ErrWrongState)
		}
		if at.Before(eng.Deadline) {
			return nil, fmt.Errorf("%w: deadline %s", model.ErrDeadlineNotPassed, eng.Deadline.Format(time.RFC3339))
		}

		acct, err := e.loadAccount(ctx, eng)
		if err != nil {
			return nil, err
		}

		var dispute *model.Dispute
		if eng.Status == model.StatusDisputed {
			dispute, err = e.store.GetDispute(ctx, eng.ID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("load dispute %d: %w", eng.ID, err)
			}
		}

		feeHeld := acct.DisputeFeeHeld
		payouts, err := ledger.Disburse(acct, policy.RefundLegs(eng.BidAmount, eng.Client), at)
		if err != nil {
			return nil, fmt.Errorf("disburse escrow: %w", err)
		}
		if dispute != nil {
			if p := ledger.ReleaseDisputeFee(acct, dispute.RaisedBy, model.PayoutDisputeFeeReturn, at); p != nil {
				payouts = append(payouts, *p)
			}
			dispute.ClientShare = eng.BidAmount
			dispute.FeeDisposition = model.FeeReturned
			dispute.ResolvedBy = caller
			dispute.ResolvedAt = &at
		}
		if err := advance(eng, model.StatusCompleted, model.OutcomeRefunded, at); err != nil {
			return nil, err
		}

		return &store.Change{
			Engagement: eng,
			Account:    acct,
			Dispute:    dispute,
			Payouts:    payouts,
			Events: []model.Event{
				model.NewEvent(eng.ID, model.EventRefundIssued, caller, model.EventData{
					Client:     eng.Client,
					Recipient:  eng.Client,
					Amount:     eng.BidAmount,
					DisputeFee: feeHeld,
				}, at),
			},
		}, nil
	})
}

// SetPlatformFeePercent changes the fee taken on approval. Owner only.
func (e *Engine) SetPlatformFeePercent(ctx context.Context, caller string, percent int64) (model.PlatformConfig, error) {
	return e.updateConfig(ctx, opSetFeePercent, caller, func(at time.Time) (model.PlatformConfig, error) {
		return e.policy.WithFeePercent(caller, percent, at)
	})
}

// SetDisputeFee changes the fee required to raise a dispute. Owner only.
func (e *Engine) SetDisputeFee(ctx context.Context, caller string, amount int64) (model.PlatformConfig, error) {
	return e.updateConfig(ctx, opSetDisputeFee, caller, func(at time.Time) (model.PlatformConfig, error) {
		return e.policy.WithDisputeFee(caller, amount, at)
	})
}

// updateConfig persists the configuration built by next and installs it in
// the policy once durable.
func (e *Engine) updateConfig(ctx context.Context, op, caller string, next func(at time.Time) (model.PlatformConfig, error)) (_ model.PlatformConfig, err error) {
	ctx, span := e.startSpan(ctx, op, caller, -1)
	defer func() {
		observe(op, err)
		endSpan(span, err)
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := next(e.now())
	if err != nil {
		return model.PlatformConfig{}, err
	}
	if err := e.store.Apply(ctx, &store.Change{Config: &cfg}); err != nil {
		return model.PlatformConfig{}, fmt.Errorf("%s: commit: %w", op, err)
	}
	e.policy.Replace(cfg)

	e.logger.Info("platform config updated",
		"op", op,
		"caller", caller,
		"fee_percent", cfg.PlatformFeePercent,
		"dispute_fee", cfg.DisputeFee,
	)
	return cfg, nil
}
