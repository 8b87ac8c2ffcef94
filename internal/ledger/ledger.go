// Package ledger tracks custodied value per engagement. An escrow account is
// credited exactly once, with exactly the bid amount, and debited exactly once
// to zero. Every debit validates and zeroes the balance before the resulting
// payouts are handed back for delivery, so nothing downstream can observe a
// funded account whose value is already on its way out.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/escrowd/internal/model"
)

// Ledger errors. These guard invariants the state machine already enforces;
// seeing one means a caller skipped a check.
var (
	ErrAlreadyFunded  = errors.New("ledger: escrow already funded")
	ErrNotFunded      = errors.New("ledger: escrow not funded")
	ErrAlreadySettled = errors.New("ledger: escrow already settled")
	ErrAmountMismatch = errors.New("ledger: amount does not equal bid")
	ErrUnbalanced     = errors.New("ledger: disbursement does not equal balance")
	ErrNegativeLeg    = errors.New("ledger: negative disbursement leg")
	ErrFeeHeld        = errors.New("ledger: dispute fee already held")
)

// Leg is one recipient's share of a disbursement.
type Leg struct {
	Recipient string
	Amount    int64
	Kind      model.PayoutKind
}

// Open returns an empty escrow account for an engagement with the given bid.
func Open(engagementID, bidAmount int64) model.EscrowAccount {
	return model.EscrowAccount{
		EngagementID: engagementID,
		BidAmount:    bidAmount,
	}
}

// Credit funds the account with amount, which must equal the bid.
func Credit(acct *model.EscrowAccount, amount int64, at time.Time) error {
	if acct.Settled() {
		return ErrAlreadySettled
	}
	if acct.Funded() || acct.Balance != 0 {
		return ErrAlreadyFunded
	}
	if amount != acct.BidAmount {
		return fmt.Errorf("%w: got %d, bid %d", ErrAmountMismatch, amount, acct.BidAmount)
	}
	acct.Balance = amount
	acct.DepositedAt = &at
	return nil
}

// HoldDisputeFee records a dispute fee held alongside the bid.
func HoldDisputeFee(acct *model.EscrowAccount, fee int64) error {
	if fee < 0 {
		return ErrNegativeLeg
	}
	if acct.DisputeFeeHeld != 0 {
		return ErrFeeHeld
	}
	acct.DisputeFeeHeld = fee
	return nil
}

// Disburse empties the account into the given legs, which must sum exactly to
// the balance. Zero-amount legs are dropped. The balance is zeroed before the
// pending payouts are built and returned.
func Disburse(acct *model.EscrowAccount, legs []Leg, at time.Time) ([]model.Payout, error) {
	if acct.Settled() {
		return nil, ErrAlreadySettled
	}
	if !acct.Funded() || acct.Balance != acct.BidAmount {
		return nil, ErrNotFunded
	}

	var total int64
	for _, l := range legs {
		if l.Amount < 0 {
			return nil, fmt.Errorf("%w: %s %d", ErrNegativeLeg, l.Kind, l.Amount)
		}
		total += l.Amount
	}
	if total != acct.Balance {
		return nil, fmt.Errorf("%w: legs %d, balance %d", ErrUnbalanced, total, acct.Balance)
	}

	acct.Balance = 0
	acct.SettledAt = &at

	payouts := make([]model.Payout, 0, len(legs))
	for _, l := range legs {
		if l.Amount == 0 {
			continue
		}
		payouts = append(payouts, newPayout(acct.EngagementID, l, at))
	}
	return payouts, nil
}

// ReleaseDisputeFee zeroes any held dispute fee and returns the payout that
// moves it to recipient, or nil if no fee was held.
func ReleaseDisputeFee(acct *model.EscrowAccount, recipient string, kind model.PayoutKind, at time.Time) *model.Payout {
	if acct.DisputeFeeHeld == 0 {
		return nil
	}
	leg := Leg{Recipient: recipient, Amount: acct.DisputeFeeHeld, Kind: kind}
	acct.DisputeFeeHeld = 0
	p := newPayout(acct.EngagementID, leg, at)
	return &p
}

// Conserved reports whether the escrow-sourced payouts sum to bidAmount.
func Conserved(bidAmount int64, payouts []model.Payout) bool {
	var total int64
	for _, p := range payouts {
		if p.Kind.FromEscrow() {
			total += p.Amount
		}
	}
	return total == bidAmount
}

func newPayout(engagementID int64, l Leg, at time.Time) model.Payout {
	return model.Payout{
		ID:           model.NewIDAt(at),
		EngagementID: engagementID,
		Recipient:    l.Recipient,
		Amount:       l.Amount,
		Kind:         l.Kind,
		Status:       model.PayoutPending,
		CreatedAt:    at,
	}
}
