package payout

import (
	"context"
	"time"

	"github.com/seantiz/escrowd/internal/model"
)

// BookRailName is the registry name of the book rail.
const BookRailName = "book"

// Crediter books a payout into a party's internal balance. Booking the same
// payout twice must be a no-op.
type Crediter interface {
	CreditParty(ctx context.Context, p model.Payout, at time.Time) error
}

var _ Rail = (*BookRail)(nil)

// BookRail settles payouts by crediting internal party balances.
type BookRail struct {
	book Crediter
	now  func() time.Time
}

// NewBookRail returns a rail that credits payouts to book.
func NewBookRail(book Crediter) *BookRail {
	return &BookRail{
		book: book,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *BookRail) Send(ctx context.Context, p model.Payout) error {
	return r.book.CreditParty(ctx, p, r.now())
}

func (r *BookRail) Capabilities() RailCapabilities {
	return RailCapabilities{
		Name:        BookRailName,
		Description: "credits internal party balances",
	}
}
