package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/escrowd/internal/model"
	"github.com/seantiz/escrowd/internal/policy"
	"github.com/seantiz/escrowd/internal/store"
)

const tracerName = "github.com/seantiz/escrowd/internal/engine"

// Engine is the engagement registry and state machine.
type Engine struct {
	mu     sync.Mutex // single writer
	store  store.Store
	policy *policy.Policy
	broker *EventBroker
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	notify func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for timestamps and deadline checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPayoutNotifier registers fn to be called after a commit that queued
// payouts.
func WithPayoutNotifier(fn func()) Option {
	return func(e *Engine) { e.notify = fn }
}

// NewEngine creates an engine over s. The platform configuration persisted in
// s wins over defaults; defaults are validated and persisted on first start.
func NewEngine(ctx context.Context, s store.Store, defaults model.PlatformConfig, logger *slog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:  s,
		broker: NewEventBroker(),
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}

	cfg, err := s.GetPlatformConfig(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		defaults.UpdatedAt = e.now()
		if err := policy.Validate(defaults); err != nil {
			return nil, fmt.Errorf("platform config: %w", err)
		}
		if err := s.Apply(ctx, &store.Change{Config: &defaults}); err != nil {
			return nil, fmt.Errorf("seed platform config: %w", err)
		}
		cfg = &defaults
		logger.Info("seeded platform config", "owner", cfg.Owner, "fee_percent", cfg.PlatformFeePercent, "dispute_fee", cfg.DisputeFee)
	case err != nil:
		return nil, fmt.Errorf("load platform config: %w", err)
	default:
		if defaults.Owner != "" && defaults.Owner != cfg.Owner {
			logger.Warn("configured owner differs from persisted owner; using persisted",
				"configured", defaults.Owner, "persisted", cfg.Owner)
		}
	}

	p, err := policy.New(*cfg)
	if err != nil {
		return nil, fmt.Errorf("platform config: %w", err)
	}
	e.policy = p
	return e, nil
}

// Broker returns the engine's event broker for live subscriptions.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Config returns the current platform configuration.
func (e *Engine) Config() model.PlatformConfig {
	return e.policy.Snapshot()
}

// startSpan opens a span for op on engagement id. A negative id marks a
// registry-wide operation.
func (e *Engine) startSpan(ctx context.Context, op, caller string, id int64) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("escrowd.op", op),
		attribute.String("escrowd.caller", caller),
	}
	if id >= 0 {
		attrs = append(attrs, attribute.Int64("escrowd.engagement_id", id))
	}
	return e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// load reads an engagement, mapping a missing record to model.ErrNotFound.
func (e *Engine) load(ctx context.Context, id int64) (*model.Engagement, error) {
	if id < 0 {
		return nil, fmt.Errorf("engagement %d: %w", id, model.ErrNotFound)
	}
	eng, err := e.store.GetEngagement(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("engagement %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load engagement %d: %w", id, err)
	}
	return eng, nil
}

// loadAccount reads the escrow account of eng. Engagements always have one;
// a missing row reads as an empty account.
func (e *Engine) loadAccount(ctx context.Context, eng *model.Engagement) (*model.EscrowAccount, error) {
	acct, err := e.store.GetEscrowAccount(ctx, eng.ID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.EscrowAccount{EngagementID: eng.ID, BidAmount: eng.BidAmount}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load escrow account %d: %w", eng.ID, err)
	}
	return acct, nil
}

// requireStatus checks eng against the statuses op may start from.
func requireStatus(eng *model.Engagement, from ...model.Status) error {
	if eng.Status == model.StatusCompleted {
		return model.ErrAlreadyCompleted
	}
	for _, s := range from {
		if eng.Status == s {
			return nil
		}
	}
	return fmt.Errorf("%w: engagement %d is %s", model.ErrWrongState, eng.ID, eng.Status)
}

// advance moves eng to status to. Entering Completed records the status the
// engagement left and the outcome.
func advance(eng *model.Engagement, to model.Status, outcome model.Outcome, at time.Time) error {
	if !model.ValidTransition(eng.Status, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrWrongState, eng.Status, to)
	}
	if to == model.StatusCompleted {
		eng.CompletedFrom = eng.Status
		eng.Outcome = outcome
		eng.CompletedAt = &at
	}
	eng.Status = to
	eng.UpdatedAt = at
	return nil
}

// commit persists c and, once it is durable, publishes its events, updates
// metrics and wakes the payout dispatcher. from is the engagement's status
// before the operation.
func (e *Engine) commit(ctx context.Context, op string, from model.Status, c *store.Change) error {
	if err := e.store.Apply(ctx, c); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}

	for _, ev := range c.Events {
		e.broker.Publish(ev)
	}

	if eng := c.Engagement; eng != nil {
		observeChange(from, eng.Status, c.Payouts)
		e.logger.Info("engagement updated",
			"op", op,
			"engagement_id", eng.ID,
			"status", eng.Status,
			"payouts", len(c.Payouts),
		)
		if eng.Terminal() {
			e.broker.Close(eng.ID)
		}
	}

	if len(c.Payouts) > 0 && e.notify != nil {
		e.notify()
	}
	return nil
}

// GetEngagement returns the engagement with the given id.
func (e *Engine) GetEngagement(ctx context.Context, id int64) (*model.Engagement, error) {
	return e.load(ctx, id)
}

// GetEscrowBalance returns the value currently custodied for an engagement.
func (e *Engine) GetEscrowBalance(ctx context.Context, id int64) (int64, error) {
	eng, err := e.load(ctx, id)
	if err != nil {
		return 0, err
	}
	acct, err := e.loadAccount(ctx, eng)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// GetEscrowAccount returns the full escrow account of an engagement.
func (e *Engine) GetEscrowAccount(ctx context.Context, id int64) (*model.EscrowAccount, error) {
	eng, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.loadAccount(ctx, eng)
}

// GetEngagementCount returns the number of engagements ever created.
func (e *Engine) GetEngagementCount(ctx context.Context) (int64, error) {
	n, err := e.store.CountEngagements(ctx)
	if err != nil {
		return 0, fmt.Errorf("count engagements: %w", err)
	}
	return n, nil
}

// ListEngagements returns a page of engagements in ID order and the total.
func (e *Engine) ListEngagements(ctx context.Context, limit, offset int) ([]*model.Engagement, int64, error) {
	return e.store.ListEngagements(ctx, limit, offset)
}

// Events returns the persisted event history of an engagement.
func (e *Engine) Events(ctx context.Context, id int64) ([]model.Event, error) {
	if _, err := e.load(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, id)
}

// Payouts returns every payout queued for an engagement.
func (e *Engine) Payouts(ctx context.Context, id int64) ([]model.Payout, error) {
	if _, err := e.load(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListPayouts(ctx, id)
}

// Dispute returns the dispute record of an engagement.
func (e *Engine) Dispute(ctx context.Context, id int64) (*model.Dispute, error) {
	if _, err := e.load(ctx, id); err != nil {
		return nil, err
	}
	d, err := e.store.GetDispute(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("dispute for engagement %d: %w", id, model.ErrNotFound)
	}
	return d, err
}

// Stats returns aggregate engagement and escrow figures.
func (e *Engine) Stats(ctx context.Context) (*store.Stats, error) {
	return e.store.GetStats(ctx)
}

// PartyBalance returns the total booked to party by the book rail.
func (e *Engine) PartyBalance(ctx context.Context, party string) (int64, error) {
	return e.store.GetPartyBalance(ctx, party)
}
