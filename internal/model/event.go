package model

import "time"

// EventType names an engagement event.
type EventType string

// Event type constants.
const (
	EventEngagementCreated EventType = "EngagementCreated"
	EventClientSigned      EventType = "ClientSigned"
	EventFreelancerSigned  EventType = "FreelancerSigned"
	EventWorkSubmitted     EventType = "WorkSubmitted"
	EventWorkApproved      EventType = "WorkApproved"
	EventPaymentReleased   EventType = "PaymentReleased"
	EventWorkRejected      EventType = "WorkRejected"
	EventDisputeRaised     EventType = "DisputeRaised"
	EventDisputeResolved   EventType = "DisputeResolved"
	EventRefundIssued      EventType = "RefundIssued"
)

// EventData carries the amounts and parties relevant to an event. Fields not
// meaningful for a given type are left zero and omitted from JSON.
type EventData struct {
	Client          string `json:"client,omitempty"`
	Freelancer      string `json:"freelancer,omitempty"`
	Recipient       string `json:"recipient,omitempty"`
	Amount          int64  `json:"amount,omitempty"`
	Fee             int64  `json:"fee,omitempty"`
	FeePercent      int64  `json:"fee_percent,omitempty"`
	ClientShare     int64  `json:"client_share,omitempty"`
	FreelancerShare int64  `json:"freelancer_share,omitempty"`
	PlatformShare   int64  `json:"platform_share,omitempty"`
	DisputeFee      int64  `json:"dispute_fee,omitempty"`
	Reference       string `json:"reference,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Event is an immutable record of a committed engine operation. Seq is
// assigned by the store when the event is persisted.
type Event struct {
	ID           string    `json:"id"`
	Seq          int64     `json:"seq"`
	EngagementID int64     `json:"engagement_id"`
	Type         EventType `json:"type"`
	Actor        string    `json:"actor,omitempty"`
	Data         EventData `json:"data"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewEvent builds an event stamped at the given time.
func NewEvent(engagementID int64, typ EventType, actor string, data EventData, at time.Time) Event {
	return Event{
		ID:           NewIDAt(at),
		EngagementID: engagementID,
		Type:         typ,
		Actor:        actor,
		Data:         data,
		CreatedAt:    at,
	}
}
