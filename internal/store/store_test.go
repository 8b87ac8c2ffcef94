package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/escrowd/internal/model"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func makeTestEngagement(id int64) *model.Engagement {
	return &model.Engagement{
		ID:          id,
		Client:      "alice",
		Freelancer:  "bob",
		BidAmount:   100,
		Deadline:    testNow.Add(72 * time.Hour),
		Title:       "Logo",
		Description: "Vector logo",
		Status:      model.StatusCreated,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
}

func createEngagement(t *testing.T, s Store, id int64) *model.Engagement {
	t.Helper()
	e := makeTestEngagement(id)
	err := s.Apply(context.Background(), &Change{
		Engagement: e,
		Created:    true,
		Events: []model.Event{
			model.NewEvent(id, model.EventEngagementCreated, e.Client, model.EventData{Client: e.Client, Freelancer: e.Freelancer, Amount: e.BidAmount}, testNow),
		},
	})
	if err != nil {
		t.Fatalf("Apply(create %d): %v", id, err)
	}
	return e
}

// runStoreContract exercises behavior every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := createEngagement(t, s, 0)

		got, err := s.GetEngagement(ctx, 0)
		if err != nil {
			t.Fatalf("GetEngagement: %v", err)
		}
		if got.Client != e.Client || got.Freelancer != e.Freelancer || got.BidAmount != e.BidAmount {
			t.Errorf("got %+v, want %+v", got, e)
		}
		if got.Status != model.StatusCreated {
			t.Errorf("Status = %q, want created", got.Status)
		}
		if !got.Deadline.Equal(e.Deadline) {
			t.Errorf("Deadline = %v, want %v", got.Deadline, e.Deadline)
		}
		if got.CompletedAt != nil {
			t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
		}

		n, err := s.CountEngagements(ctx)
		if err != nil {
			t.Fatalf("CountEngagements: %v", err)
		}
		if n != 1 {
			t.Errorf("count = %d, want 1", n)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.GetEngagement(ctx, 42); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetEngagement error = %v, want ErrNotFound", err)
		}
		if _, err := s.GetEscrowAccount(ctx, 42); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetEscrowAccount error = %v, want ErrNotFound", err)
		}
		if _, err := s.GetDispute(ctx, 42); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetDispute error = %v, want ErrNotFound", err)
		}
		if _, err := s.GetPlatformConfig(ctx); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetPlatformConfig error = %v, want ErrNotFound", err)
		}
	})

	t.Run("DuplicateCreate", func(t *testing.T) {
		s := newStore(t)
		createEngagement(t, s, 0)
		err := s.Apply(context.Background(), &Change{Engagement: makeTestEngagement(0), Created: true})
		if !errors.Is(err, ErrConflict) {
			t.Errorf("Apply duplicate error = %v, want ErrConflict", err)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)
		err := s.Apply(context.Background(), &Change{Engagement: makeTestEngagement(9)})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Apply update error = %v, want ErrNotFound", err)
		}
	})

	t.Run("UpdateEngagement", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := createEngagement(t, s, 0)

		done := testNow.Add(time.Hour)
		e.Status = model.StatusCompleted
		e.CompletedFrom = model.StatusWorkSubmitted
		e.Outcome = model.OutcomeApproved
		e.WorkReference = "ipfs://work"
		e.UpdatedAt = done
		e.CompletedAt = &done
		if err := s.Apply(ctx, &Change{Engagement: e}); err != nil {
			t.Fatalf("Apply update: %v", err)
		}

		got, err := s.GetEngagement(ctx, 0)
		if err != nil {
			t.Fatalf("GetEngagement: %v", err)
		}
		if got.Status != model.StatusCompleted || got.CompletedFrom != model.StatusWorkSubmitted {
			t.Errorf("status = %q from %q", got.Status, got.CompletedFrom)
		}
		if got.Outcome != model.OutcomeApproved || got.WorkReference != "ipfs://work" {
			t.Errorf("outcome = %q, reference = %q", got.Outcome, got.WorkReference)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
			t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, done)
		}
	})

	t.Run("ListPagination", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := int64(0); i < 5; i++ {
			createEngagement(t, s, i)
		}

		page, total, err := s.ListEngagements(ctx, 2, 2)
		if err != nil {
			t.Fatalf("ListEngagements: %v", err)
		}
		if total != 5 {
			t.Errorf("total = %d, want 5", total)
		}
		if len(page) != 2 || page[0].ID != 2 || page[1].ID != 3 {
			t.Errorf("page = %v, want ids 2,3", ids(page))
		}
	})

	t.Run("ListEmpty", func(t *testing.T) {
		s := newStore(t)
		page, total, err := s.ListEngagements(context.Background(), 10, 0)
		if err != nil {
			t.Fatalf("ListEngagements: %v", err)
		}
		if total != 0 || len(page) != 0 {
			t.Errorf("total = %d, len = %d, want 0/0", total, len(page))
		}
	})

	t.Run("EventsOrderedWithSeq", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := createEngagement(t, s, 0)

		e.Status = model.StatusClientSigned
		change := &Change{
			Engagement: e,
			Events: []model.Event{
				model.NewEvent(0, model.EventClientSigned, "alice", model.EventData{Amount: 100}, testNow.Add(time.Second)),
			},
		}
		if err := s.Apply(ctx, change); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if change.Events[0].Seq == 0 {
			t.Error("Apply did not assign Seq")
		}

		events, err := s.ListEvents(ctx, 0)
		if err != nil {
			t.Fatalf("ListEvents: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("len(events) = %d, want 2", len(events))
		}
		if events[0].Type != model.EventEngagementCreated || events[1].Type != model.EventClientSigned {
			t.Errorf("types = %s, %s", events[0].Type, events[1].Type)
		}
		if events[0].Seq >= events[1].Seq {
			t.Errorf("seq not increasing: %d, %d", events[0].Seq, events[1].Seq)
		}
		if events[1].Data.Amount != 100 || events[1].Actor != "alice" {
			t.Errorf("event data = %+v actor %q", events[1].Data, events[1].Actor)
		}
		if events[0].Data.Freelancer != "bob" {
			t.Errorf("created event freelancer = %q, want bob", events[0].Data.Freelancer)
		}
	})

	t.Run("AccountAndDisputeUpsert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		createEngagement(t, s, 0)

		deposited := testNow
		acct := &model.EscrowAccount{EngagementID: 0, BidAmount: 100, Balance: 100, DepositedAt: &deposited}
		if err := s.Apply(ctx, &Change{Account: acct}); err != nil {
			t.Fatalf("Apply account: %v", err)
		}

		dispute := &model.Dispute{EngagementID: 0, RaisedBy: "bob", FeePaid: 10, RaisedAt: testNow}
		acct.DisputeFeeHeld = 10
		if err := s.Apply(ctx, &Change{Account: acct, Dispute: dispute}); err != nil {
			t.Fatalf("Apply dispute: %v", err)
		}

		settled := testNow.Add(time.Hour)
		acct.Balance = 0
		acct.DisputeFeeHeld = 0
		acct.SettledAt = &settled
		dispute.ClientShare = 60
		dispute.FreelancerShare = 40
		dispute.FeeDisposition = model.FeeToPlatform
		dispute.ResolvedBy = "owner"
		dispute.ResolvedAt = &settled
		if err := s.Apply(ctx, &Change{Account: acct, Dispute: dispute}); err != nil {
			t.Fatalf("Apply resolve: %v", err)
		}

		gotAcct, err := s.GetEscrowAccount(ctx, 0)
		if err != nil {
			t.Fatalf("GetEscrowAccount: %v", err)
		}
		if gotAcct.Balance != 0 || !gotAcct.Settled() || !gotAcct.Funded() {
			t.Errorf("account = %+v", gotAcct)
		}

		gotDispute, err := s.GetDispute(ctx, 0)
		if err != nil {
			t.Fatalf("GetDispute: %v", err)
		}
		if !gotDispute.Resolved() || gotDispute.ClientShare != 60 || gotDispute.FeeDisposition != model.FeeToPlatform {
			t.Errorf("dispute = %+v", gotDispute)
		}
		if gotDispute.RaisedBy != "bob" || gotDispute.FeePaid != 10 {
			t.Errorf("resolve overwrote raise fields: %+v", gotDispute)
		}
	})

	t.Run("PlatformConfig", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		cfg := &model.PlatformConfig{Owner: "owner", PlatformFeePercent: 5, DisputeFee: 10, UpdatedAt: testNow}
		if err := s.Apply(ctx, &Change{Config: cfg}); err != nil {
			t.Fatalf("Apply config: %v", err)
		}
		cfg.PlatformFeePercent = 7
		if err := s.Apply(ctx, &Change{Config: cfg}); err != nil {
			t.Fatalf("Apply config update: %v", err)
		}
		got, err := s.GetPlatformConfig(ctx)
		if err != nil {
			t.Fatalf("GetPlatformConfig: %v", err)
		}
		if got.Owner != "owner" || got.PlatformFeePercent != 7 || got.DisputeFee != 10 {
			t.Errorf("config = %+v", got)
		}
	})

	t.Run("PayoutLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		createEngagement(t, s, 0)

		payouts := []model.Payout{
			{ID: model.NewIDAt(testNow), EngagementID: 0, Recipient: "bob", Amount: 95, Kind: model.PayoutFreelancerPayment, Status: model.PayoutPending, CreatedAt: testNow},
			{ID: model.NewIDAt(testNow.Add(time.Millisecond)), EngagementID: 0, Recipient: "owner", Amount: 5, Kind: model.PayoutPlatformFee, Status: model.PayoutPending, CreatedAt: testNow.Add(time.Millisecond)},
		}
		if err := s.Apply(ctx, &Change{Payouts: payouts}); err != nil {
			t.Fatalf("Apply payouts: %v", err)
		}

		pending, err := s.PendingPayouts(ctx, 10)
		if err != nil {
			t.Fatalf("PendingPayouts: %v", err)
		}
		if len(pending) != 2 || pending[0].ID != payouts[0].ID {
			t.Fatalf("pending = %+v", pending)
		}

		if err := s.MarkPayoutSent(ctx, payouts[0].ID, testNow.Add(time.Second)); err != nil {
			t.Fatalf("MarkPayoutSent: %v", err)
		}
		if err := s.MarkPayoutSent(ctx, payouts[0].ID, testNow.Add(time.Second)); !errors.Is(err, ErrNotFound) {
			t.Errorf("second MarkPayoutSent error = %v, want ErrNotFound", err)
		}

		if err := s.RecordPayoutFailure(ctx, payouts[1].ID, "rail down", false); err != nil {
			t.Fatalf("RecordPayoutFailure: %v", err)
		}
		if err := s.RecordPayoutFailure(ctx, payouts[1].ID, "rail down", true); err != nil {
			t.Fatalf("RecordPayoutFailure final: %v", err)
		}

		pending, err = s.PendingPayouts(ctx, 10)
		if err != nil {
			t.Fatalf("PendingPayouts: %v", err)
		}
		if len(pending) != 0 {
			t.Errorf("pending after delivery = %+v, want none", pending)
		}

		all, err := s.ListPayouts(ctx, 0)
		if err != nil {
			t.Fatalf("ListPayouts: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("len(all) = %d, want 2", len(all))
		}
		if all[0].Status != model.PayoutSent || all[0].SentAt == nil || all[0].Attempts != 1 {
			t.Errorf("sent payout = %+v", all[0])
		}
		if all[1].Status != model.PayoutFailed || all[1].Attempts != 2 || all[1].LastError != "rail down" {
			t.Errorf("failed payout = %+v", all[1])
		}
	})

	t.Run("PartyCreditsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := model.Payout{ID: model.NewID(), Recipient: "bob", Amount: 95}

		for i := 0; i < 2; i++ {
			if err := s.CreditParty(ctx, p, testNow); err != nil {
				t.Fatalf("CreditParty[%d]: %v", i, err)
			}
		}
		if err := s.CreditParty(ctx, model.Payout{ID: model.NewID(), Recipient: "bob", Amount: 5}, testNow); err != nil {
			t.Fatalf("CreditParty: %v", err)
		}

		bal, err := s.GetPartyBalance(ctx, "bob")
		if err != nil {
			t.Fatalf("GetPartyBalance: %v", err)
		}
		if bal != 100 {
			t.Errorf("balance = %d, want 100", bal)
		}
		if bal, _ := s.GetPartyBalance(ctx, "nobody"); bal != 0 {
			t.Errorf("unknown party balance = %d, want 0", bal)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		createEngagement(t, s, 0)
		e := createEngagement(t, s, 1)

		deposited := testNow
		e.Status = model.StatusClientSigned
		err := s.Apply(ctx, &Change{
			Engagement: e,
			Account:    &model.EscrowAccount{EngagementID: 1, BidAmount: 100, Balance: 100, DepositedAt: &deposited},
		})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}

		stats, err := s.GetStats(ctx)
		if err != nil {
			t.Fatalf("GetStats: %v", err)
		}
		if stats.Total != 2 {
			t.Errorf("Total = %d, want 2", stats.Total)
		}
		if stats.CountByStatus[string(model.StatusCreated)] != 1 || stats.CountByStatus[string(model.StatusClientSigned)] != 1 {
			t.Errorf("CountByStatus = %v", stats.CountByStatus)
		}
		if stats.EscrowHeld != 100 {
			t.Errorf("EscrowHeld = %d, want 100", stats.EscrowHeld)
		}
	})

	t.Run("ApplyIsAtomic", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		dup := model.NewID()
		err := s.Apply(ctx, &Change{
			Engagement: makeTestEngagement(0),
			Created:    true,
			Events: []model.Event{
				model.NewEvent(0, model.EventEngagementCreated, "alice", model.EventData{}, testNow),
			},
			Payouts: []model.Payout{
				{ID: dup, Recipient: "bob", Amount: 1, Kind: model.PayoutRefund, Status: model.PayoutPending, CreatedAt: testNow},
				{ID: dup, Recipient: "bob", Amount: 1, Kind: model.PayoutRefund, Status: model.PayoutPending, CreatedAt: testNow},
			},
		})
		if err == nil {
			t.Fatal("Apply with duplicate payout IDs succeeded")
		}

		if _, err := s.GetEngagement(ctx, 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetEngagement after failed Apply error = %v, want ErrNotFound", err)
		}
		events, err := s.ListEvents(ctx, 0)
		if err != nil {
			t.Fatalf("ListEvents: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("events after failed Apply = %d, want 0", len(events))
		}
	})
}

func ids(es []*model.Engagement) []int64 {
	out := make([]int64, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}
