package model

import "time"

// Status is the lifecycle state of an engagement.
type Status string

// Engagement status constants.
const (
	StatusCreated       Status = "created"
	StatusClientSigned  Status = "client_signed"
	StatusBothSigned    Status = "both_signed"
	StatusWorkSubmitted Status = "work_submitted"
	StatusDisputed      Status = "disputed"
	StatusCompleted     Status = "completed"
)

// Outcome records how a completed engagement was settled.
type Outcome string

// Completion outcome constants.
const (
	OutcomeApproved Outcome = "approved"
	OutcomeResolved Outcome = "resolved"
	OutcomeRefunded Outcome = "refunded"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusCreated,
	StatusClientSigned,
	StatusBothSigned,
	StatusWorkSubmitted,
	StatusDisputed,
	StatusCompleted,
}

// validTransitions maps each status to the set of statuses it may transition to.
// Completed has no entry: it is terminal.
var validTransitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusClientSigned: true,
	},
	StatusClientSigned: {
		StatusBothSigned: true,
		StatusCompleted:  true,
	},
	StatusBothSigned: {
		StatusWorkSubmitted: true,
		StatusCompleted:     true,
	},
	StatusWorkSubmitted: {
		StatusDisputed:  true,
		StatusCompleted: true,
	},
	StatusDisputed: {
		StatusCompleted: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// rank orders the non-terminal statuses so signing and deposit flags can be
// projected from the status alone.
func (s Status) rank() int {
	switch s {
	case StatusClientSigned:
		return 1
	case StatusBothSigned:
		return 2
	case StatusWorkSubmitted:
		return 3
	case StatusDisputed:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Engagement is one client/freelancer job agreement. Status is the single
// source of truth; CompletedFrom remembers the status a completed engagement
// left so the signing flags stay derivable after settlement.
type Engagement struct {
	ID            int64      `json:"id"`
	Client        string     `json:"client"`
	Freelancer    string     `json:"freelancer"`
	BidAmount     int64      `json:"bid_amount"`
	Deadline      time.Time  `json:"deadline"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Status        Status     `json:"status"`
	CompletedFrom Status     `json:"completed_from,omitempty"`
	Outcome       Outcome    `json:"outcome,omitempty"`
	WorkReference string     `json:"work_reference,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// effective returns the status used for flag projection.
func (e *Engagement) effective() Status {
	if e.Status == StatusCompleted {
		return e.CompletedFrom
	}
	return e.Status
}

// ClientSigned reports whether the client has signed (and therefore deposited).
func (e *Engagement) ClientSigned() bool {
	return e.effective().rank() >= StatusClientSigned.rank()
}

// FundsDeposited reports whether the bid has been deposited into escrow.
// Signing and depositing are one operation, so this mirrors ClientSigned.
func (e *Engagement) FundsDeposited() bool {
	return e.ClientSigned()
}

// FreelancerSigned reports whether the freelancer has countersigned.
func (e *Engagement) FreelancerSigned() bool {
	return e.effective().rank() >= StatusBothSigned.rank()
}

// Terminal reports whether no further transitions are possible.
func (e *Engagement) Terminal() bool {
	return e.Status == StatusCompleted
}

// EngagementView is the externally visible projection of an engagement,
// including the compatibility flags.
type EngagementView struct {
	Engagement
	ClientSigned     bool `json:"client_signed"`
	FreelancerSigned bool `json:"freelancer_signed"`
	FundsDeposited   bool `json:"funds_deposited"`
}

// View returns the external projection of e.
func (e *Engagement) View() EngagementView {
	return EngagementView{
		Engagement:       *e,
		ClientSigned:     e.ClientSigned(),
		FreelancerSigned: e.FreelancerSigned(),
		FundsDeposited:   e.FundsDeposited(),
	}
}
