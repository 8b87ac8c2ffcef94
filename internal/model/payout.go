package model

import "time"

// PayoutKind labels why value left escrow.
type PayoutKind string

// Payout kinds.
const (
	PayoutFreelancerPayment PayoutKind = "freelancer_payment"
	PayoutPlatformFee       PayoutKind = "platform_fee"
	PayoutClientShare       PayoutKind = "dispute_client_share"
	PayoutFreelancerShare   PayoutKind = "dispute_freelancer_share"
	PayoutDisputeRemainder  PayoutKind = "dispute_remainder"
	PayoutRefund            PayoutKind = "refund"
	PayoutDisputeFee        PayoutKind = "dispute_fee"
	PayoutDisputeFeeReturn  PayoutKind = "dispute_fee_return"
)

// FromEscrow reports whether the kind disburses the escrowed bid, as opposed
// to the separately held dispute fee.
func (k PayoutKind) FromEscrow() bool {
	return k != PayoutDisputeFee && k != PayoutDisputeFeeReturn
}

// PayoutStatus is the delivery state of a queued payout.
type PayoutStatus string

// Payout status constants.
const (
	PayoutPending PayoutStatus = "pending"
	PayoutSent    PayoutStatus = "sent"
	PayoutFailed  PayoutStatus = "failed"
)

// Payout is a queued outbound transfer. It is committed together with the
// state change that created it and delivered afterwards by a payout rail.
type Payout struct {
	ID           string       `json:"id"`
	EngagementID int64        `json:"engagement_id"`
	Recipient    string       `json:"recipient"`
	Amount       int64        `json:"amount"`
	Kind         PayoutKind   `json:"kind"`
	Status       PayoutStatus `json:"status"`
	Attempts     int          `json:"attempts"`
	LastError    string       `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	SentAt       *time.Time   `json:"sent_at,omitempty"`
}
