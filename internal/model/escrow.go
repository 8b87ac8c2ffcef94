package model

import "time"

// EscrowAccount holds the custodied value for one engagement. Balance is zero
// before deposit, exactly the bid amount while funds are held, and zero again
// after settlement. A held dispute fee is tracked apart from the bid.
type EscrowAccount struct {
	EngagementID   int64      `json:"engagement_id"`
	BidAmount      int64      `json:"bid_amount"`
	Balance        int64      `json:"balance"`
	DisputeFeeHeld int64      `json:"dispute_fee_held"`
	DepositedAt    *time.Time `json:"deposited_at,omitempty"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
}

// Funded reports whether the account has been credited.
func (a *EscrowAccount) Funded() bool {
	return a.DepositedAt != nil
}

// Settled reports whether the account has been disbursed.
func (a *EscrowAccount) Settled() bool {
	return a.SettledAt != nil
}

// Dispute records who opened a dispute on an engagement and how it was split.
type Dispute struct {
	EngagementID      int64      `json:"engagement_id"`
	RaisedBy          string     `json:"raised_by"`
	FeePaid           int64      `json:"fee_paid"`
	ClientShare       int64      `json:"client_share"`
	FreelancerShare   int64      `json:"freelancer_share"`
	PlatformRemainder int64      `json:"platform_remainder"`
	FeeDisposition    string     `json:"fee_disposition,omitempty"`
	ResolvedBy        string     `json:"resolved_by,omitempty"`
	RaisedAt          time.Time  `json:"raised_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the dispute has been settled by the owner.
func (d *Dispute) Resolved() bool {
	return d.ResolvedAt != nil
}

// Dispute fee dispositions.
const (
	FeeToPlatform = "platform"
	FeeReturned   = "returned"
)

// PlatformConfig is the engine-wide fee configuration, mutable only by Owner.
type PlatformConfig struct {
	Owner              string    `json:"owner"`
	PlatformFeePercent int64     `json:"platform_fee_percent"`
	DisputeFee         int64     `json:"dispute_fee"`
	UpdatedAt          time.Time `json:"updated_at"`
}
