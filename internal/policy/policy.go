// Package policy holds the platform fee configuration and the rules that turn
// a settled engagement into ledger legs: the approval split between freelancer
// and platform, and the owner's dispute resolution split.
package policy

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/escrowd/internal/ledger"
	"github.com/seantiz/escrowd/internal/model"
)

// Fee bounds, in whole percent.
const (
	DefaultFeePercent = 5
	MaxFeePercent     = 10
)

// Policy guards the platform configuration. Reads return a snapshot; updates
// are computed with the With* methods and installed with Replace once the
// caller has persisted them.
type Policy struct {
	mu  sync.RWMutex
	cfg model.PlatformConfig
}

// New returns a policy seeded with cfg.
func New(cfg model.PlatformConfig) (*Policy, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return &Policy{cfg: cfg}, nil
}

// Validate checks a configuration for an owner and in-range amounts.
func Validate(cfg model.PlatformConfig) error {
	if strings.TrimSpace(cfg.Owner) == "" {
		return fmt.Errorf("platform owner: %w", model.ErrInvalidParty)
	}
	if cfg.PlatformFeePercent < 0 || cfg.PlatformFeePercent > MaxFeePercent {
		return fmt.Errorf("platform fee %d%%: %w", cfg.PlatformFeePercent, model.ErrFeeTooHigh)
	}
	if cfg.DisputeFee < 0 {
		return fmt.Errorf("dispute fee %d: %w", cfg.DisputeFee, model.ErrInvalidAmount)
	}
	return nil
}

// Snapshot returns the current configuration.
func (p *Policy) Snapshot() model.PlatformConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// IsOwner reports whether caller is the platform owner.
func (p *Policy) IsOwner(caller string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return caller != "" && caller == p.cfg.Owner
}

// WithFeePercent returns the configuration that would result from caller
// setting the platform fee to percent. The policy itself is not changed.
func (p *Policy) WithFeePercent(caller string, percent int64, at time.Time) (model.PlatformConfig, error) {
	if !p.IsOwner(caller) {
		return model.PlatformConfig{}, model.ErrNotOwner
	}
	if percent < 0 || percent > MaxFeePercent {
		return model.PlatformConfig{}, fmt.Errorf("%d%% exceeds %d%%: %w", percent, MaxFeePercent, model.ErrFeeTooHigh)
	}
	next := p.Snapshot()
	next.PlatformFeePercent = percent
	next.UpdatedAt = at
	return next, nil
}

// WithDisputeFee returns the configuration that would result from caller
// setting the dispute fee to amount. The policy itself is not changed.
func (p *Policy) WithDisputeFee(caller string, amount int64, at time.Time) (model.PlatformConfig, error) {
	if !p.IsOwner(caller) {
		return model.PlatformConfig{}, model.ErrNotOwner
	}
	if amount < 0 {
		return model.PlatformConfig{}, fmt.Errorf("dispute fee %d: %w", amount, model.ErrInvalidAmount)
	}
	next := p.Snapshot()
	next.DisputeFee = amount
	next.UpdatedAt = at
	return next, nil
}

// Replace installs cfg as the current configuration.
func (p *Policy) Replace(cfg model.PlatformConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// Fee returns floor(amount * percent / 100) without overflowing for any
// non-negative int64 amount and percent in [0, 100].
func Fee(amount, percent int64) int64 {
	return (amount/100)*percent + (amount%100)*percent/100
}

// ApprovalLegs splits bid between the freelancer and the platform owner using
// the fee percent of cfg.
func ApprovalLegs(cfg model.PlatformConfig, bid int64, freelancer string) []ledger.Leg {
	fee := Fee(bid, cfg.PlatformFeePercent)
	return []ledger.Leg{
		{Recipient: freelancer, Amount: bid - fee, Kind: model.PayoutFreelancerPayment},
		{Recipient: cfg.Owner, Amount: fee, Kind: model.PayoutPlatformFee},
	}
}

// Resolution is an owner-chosen split of a disputed escrow.
type Resolution struct {
	ClientShare     int64
	FreelancerShare int64
}

// Remainder is the part of bid not allocated to either party.
func (r Resolution) Remainder(bid int64) int64 {
	return bid - r.ClientShare - r.FreelancerShare
}

// ResolutionLegs validates r against bid and returns the legs paying each
// party its share. Any unallocated remainder goes to the platform owner so the
// legs always sum to bid.
func ResolutionLegs(cfg model.PlatformConfig, bid int64, client, freelancer string, r Resolution) ([]ledger.Leg, error) {
	if r.ClientShare < 0 || r.FreelancerShare < 0 {
		return nil, fmt.Errorf("negative share: %w", model.ErrInvalidAmount)
	}
	if r.ClientShare > bid || r.FreelancerShare > bid-r.ClientShare {
		return nil, fmt.Errorf("shares %d+%d over %d: %w",
			r.ClientShare, r.FreelancerShare, bid, model.ErrSharesExceedEscrow)
	}
	return []ledger.Leg{
		{Recipient: client, Amount: r.ClientShare, Kind: model.PayoutClientShare},
		{Recipient: freelancer, Amount: r.FreelancerShare, Kind: model.PayoutFreelancerShare},
		{Recipient: cfg.Owner, Amount: r.Remainder(bid), Kind: model.PayoutDisputeRemainder},
	}, nil
}

// RefundLegs returns the single leg returning bid to the client.
func RefundLegs(bid int64, client string) []ledger.Leg {
	return []ledger.Leg{{Recipient: client, Amount: bid, Kind: model.PayoutRefund}}
}
