package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/escrowd/internal/model"
)

// Dispatcher defaults.
const (
	DefaultInterval    = time.Second
	DefaultMaxAttempts = 5
	defaultBatchSize   = 50
)

// Outbox is the store side of payout delivery.
type Outbox interface {
	PendingPayouts(ctx context.Context, limit int) ([]model.Payout, error)
	MarkPayoutSent(ctx context.Context, id string, at time.Time) error
	RecordPayoutFailure(ctx context.Context, id, message string, final bool) error
}

// Dispatcher drains pending payouts through a rail. A payout is attempted at
// most MaxAttempts times; after the last failed attempt it is marked failed
// and left for an operator.
type Dispatcher struct {
	outbox      Outbox
	rail        Rail
	logger      *slog.Logger
	interval    time.Duration
	maxAttempts int
	now         func() time.Time
	kick        chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithInterval sets how often the outbox is polled.
func WithInterval(d time.Duration) DispatcherOption {
	return func(ds *Dispatcher) {
		if d > 0 {
			ds.interval = d
		}
	}
}

// WithMaxAttempts sets the attempt limit per payout.
func WithMaxAttempts(n int) DispatcherOption {
	return func(ds *Dispatcher) {
		if n > 0 {
			ds.maxAttempts = n
		}
	}
}

// NewDispatcher creates a dispatcher delivering from outbox through rail.
func NewDispatcher(outbox Outbox, rail Rail, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		outbox:      outbox,
		rail:        rail,
		logger:      logger,
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		kick:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Kick asks the dispatcher to drain the outbox now. It never blocks.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run drains the outbox on every tick or kick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	rail := d.rail.Capabilities().Name
	d.logger.Info("payout dispatcher started", "rail", rail, "interval", d.interval.String())
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("payout dispatcher stopped", "rail", rail)
			return nil
		case <-ticker.C:
		case <-d.kick:
		}
		if _, err := d.DispatchOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("payout dispatch failed", "rail", rail, "error", err)
		}
	}
}

// DispatchOnce attempts every currently pending payout once and returns how
// many were delivered. A payout that fails stays pending and is not retried
// until the next call.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	rail := d.rail.Capabilities().Name
	tried := make(map[string]struct{})
	// retained counts payouts attempted in this call that may still be
	// pending; they occupy rows at the head of the outbox.
	retained := 0
	sent := 0
	for {
		limit := defaultBatchSize + retained
		pending, err := d.outbox.PendingPayouts(ctx, limit)
		if err != nil {
			return sent, fmt.Errorf("load pending payouts: %w", err)
		}

		fresh := 0
		for _, p := range pending {
			if _, ok := tried[p.ID]; ok {
				continue
			}
			if err := ctx.Err(); err != nil {
				return sent, err
			}
			tried[p.ID] = struct{}{}
			fresh++

			ok, err := d.deliver(ctx, rail, p)
			if err != nil {
				return sent, err
			}
			if ok {
				sent++
			} else {
				retained++
			}
		}
		if fresh == 0 || len(pending) < limit {
			return sent, nil
		}
	}
}

// deliver sends one payout and records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, rail string, p model.Payout) (bool, error) {
	start := time.Now()
	sendErr := d.rail.Send(ctx, p)
	deliveryDuration.WithLabelValues(rail).Observe(time.Since(start).Seconds())

	if sendErr == nil {
		if err := d.outbox.MarkPayoutSent(ctx, p.ID, d.now()); err != nil {
			return false, fmt.Errorf("mark payout %s sent: %w", p.ID, err)
		}
		payoutsTotal.WithLabelValues(rail, string(model.PayoutSent)).Inc()
		d.logger.Info("payout sent",
			"payout_id", p.ID,
			"engagement_id", p.EngagementID,
			"recipient", p.Recipient,
			"amount", p.Amount,
			"kind", p.Kind,
		)
		return true, nil
	}

	final := p.Attempts+1 >= d.maxAttempts
	if err := d.outbox.RecordPayoutFailure(ctx, p.ID, sendErr.Error(), final); err != nil {
		return false, fmt.Errorf("record payout %s failure: %w", p.ID, err)
	}
	result := "retry"
	if final {
		result = string(model.PayoutFailed)
	}
	payoutsTotal.WithLabelValues(rail, result).Inc()
	d.logger.Error("payout delivery failed",
		"payout_id", p.ID,
		"engagement_id", p.EngagementID,
		"attempt", p.Attempts+1,
		"final", final,
		"error", sendErr,
	)
	return false, nil
}
