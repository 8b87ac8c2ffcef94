package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/escrowd/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert collides with an existing record.
var ErrConflict = errors.New("record already exists")

// Change is the full set of writes produced by one engine operation. Apply
// persists it in a single transaction: either every row lands or none does.
type Change struct {
	// Engagement is inserted when Created is set, updated otherwise.
	Engagement *model.Engagement
	Created    bool

	Account *model.EscrowAccount
	Dispute *model.Dispute
	Config  *model.PlatformConfig

	// Events are appended in order; Apply fills in each Seq.
	Events  []model.Event
	Payouts []model.Payout
}

// Stats holds aggregate engagement and escrow figures.
type Stats struct {
	Total           int64            `json:"total"`
	CountByStatus   map[string]int64 `json:"count_by_status"`
	EscrowHeld      int64            `json:"escrow_held"`
	DisputeFeesHeld int64            `json:"dispute_fees_held"`
	PayoutsByStatus map[string]int64 `json:"payouts_by_status"`
}

// Store defines the persistence operations for engagements and their escrow.
// Records are never deleted.
type Store interface {
	CountEngagements(ctx context.Context) (int64, error)
	GetEngagement(ctx context.Context, id int64) (*model.Engagement, error)
	ListEngagements(ctx context.Context, limit, offset int) ([]*model.Engagement, int64, error)
	GetEscrowAccount(ctx context.Context, engagementID int64) (*model.EscrowAccount, error)
	GetDispute(ctx context.Context, engagementID int64) (*model.Dispute, error)
	ListEvents(ctx context.Context, engagementID int64) ([]model.Event, error)
	ListPayouts(ctx context.Context, engagementID int64) ([]model.Payout, error)
	GetPlatformConfig(ctx context.Context) (*model.PlatformConfig, error)
	GetStats(ctx context.Context) (*Stats, error)
	Apply(ctx context.Context, c *Change) error

	PendingPayouts(ctx context.Context, limit int) ([]model.Payout, error)
	MarkPayoutSent(ctx context.Context, id string, at time.Time) error
	RecordPayoutFailure(ctx context.Context, id, message string, final bool) error
	CreditParty(ctx context.Context, p model.Payout, at time.Time) error
	GetPartyBalance(ctx context.Context, party string) (int64, error)

	Close() error
}
