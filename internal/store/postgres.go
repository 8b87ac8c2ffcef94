package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seantiz/escrowd/internal/model"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS engagements (
    id             BIGINT PRIMARY KEY,
    client         TEXT NOT NULL,
    freelancer     TEXT NOT NULL,
    bid_amount     BIGINT NOT NULL CHECK (bid_amount > 0),
    deadline       TIMESTAMPTZ NOT NULL,
    title          TEXT NOT NULL,
    description    TEXT NOT NULL,
    status         TEXT NOT NULL,
    completed_from TEXT NOT NULL DEFAULT '',
    outcome        TEXT NOT NULL DEFAULT '',
    work_reference TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL,
    completed_at   TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS escrow_accounts (
    engagement_id    BIGINT PRIMARY KEY,
    bid_amount       BIGINT NOT NULL,
    balance          BIGINT NOT NULL CHECK (balance = 0 OR balance = bid_amount),
    dispute_fee_held BIGINT NOT NULL DEFAULT 0,
    deposited_at     TIMESTAMPTZ,
    settled_at       TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS disputes (
    engagement_id      BIGINT PRIMARY KEY,
    raised_by          TEXT NOT NULL,
    fee_paid           BIGINT NOT NULL,
    client_share       BIGINT NOT NULL DEFAULT 0,
    freelancer_share   BIGINT NOT NULL DEFAULT 0,
    platform_remainder BIGINT NOT NULL DEFAULT 0,
    fee_disposition    TEXT NOT NULL DEFAULT '',
    resolved_by        TEXT NOT NULL DEFAULT '',
    raised_at          TIMESTAMPTZ NOT NULL,
    resolved_at        TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS events (
    seq           BIGSERIAL PRIMARY KEY,
    id            TEXT NOT NULL UNIQUE,
    engagement_id BIGINT NOT NULL,
    type          TEXT NOT NULL,
    actor         TEXT NOT NULL DEFAULT '',
    payload       JSONB NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS events_engagement_idx ON events (engagement_id, seq)`,
	`CREATE TABLE IF NOT EXISTS payouts (
    id            TEXT PRIMARY KEY,
    engagement_id BIGINT NOT NULL,
    recipient     TEXT NOT NULL,
    amount        BIGINT NOT NULL CHECK (amount > 0),
    kind          TEXT NOT NULL,
    status        TEXT NOT NULL,
    attempts      INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL,
    sent_at       TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS payouts_status_idx ON payouts (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS party_credits (
    payout_id  TEXT PRIMARY KEY,
    party      TEXT NOT NULL,
    amount     BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS platform_config (
    id                   INTEGER PRIMARY KEY CHECK (id = 1),
    owner                TEXT NOT NULL,
    platform_fee_percent BIGINT NOT NULL,
    dispute_fee          BIGINT NOT NULL,
    updated_at           TIMESTAMPTZ NOT NULL
)`,
}

const pgUniqueViolation = "23505"

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates any missing tables.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases every pooled connection.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CountEngagements(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM engagements").Scan(&n); err != nil {
		return 0, fmt.Errorf("count engagements: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) GetEngagement(ctx context.Context, id int64) (*model.Engagement, error) {
	e, err := scanEngagement(s.pool.QueryRow(ctx,
		"SELECT "+engagementColumns+" FROM engagements WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get engagement: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListEngagements(ctx context.Context, limit, offset int) ([]*model.Engagement, int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var total int64
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM engagements").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count engagements: %w", err)
	}

	rows, err := tx.Query(ctx,
		"SELECT "+engagementColumns+" FROM engagements ORDER BY id LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list engagements: %w", err)
	}
	defer rows.Close()

	var out []*model.Engagement
	for rows.Next() {
		e, err := scanEngagement(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan engagement: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate engagements: %w", err)
	}
	return out, total, nil
}

func (s *PostgresStore) GetEscrowAccount(ctx context.Context, engagementID int64) (*model.EscrowAccount, error) {
	a := &model.EscrowAccount{}
	err := s.pool.QueryRow(ctx,
		`SELECT engagement_id, bid_amount, balance, dispute_fee_held, deposited_at, settled_at
		FROM escrow_accounts WHERE engagement_id = $1`, engagementID,
	).Scan(&a.EngagementID, &a.BidAmount, &a.Balance, &a.DisputeFeeHeld, &a.DepositedAt, &a.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow account: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetDispute(ctx context.Context, engagementID int64) (*model.Dispute, error) {
	d := &model.Dispute{}
	err := s.pool.QueryRow(ctx,
		`SELECT engagement_id, raised_by, fee_paid, client_share, freelancer_share,
			platform_remainder, fee_disposition, resolved_by, raised_at, resolved_at
		FROM disputes WHERE engagement_id = $1`, engagementID,
	).Scan(&d.EngagementID, &d.RaisedBy, &d.FeePaid, &d.ClientShare, &d.FreelancerShare,
		&d.PlatformRemainder, &d.FeeDisposition, &d.ResolvedBy, &d.RaisedAt, &d.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispute: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, engagementID int64) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, engagement_id, type, actor, payload, created_at
		FROM events WHERE engagement_id = $1 ORDER BY seq`, engagementID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			ev      model.Event
			payload []byte
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.EngagementID, &ev.Type, &ev.Actor, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &ev.Data); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListPayouts(ctx context.Context, engagementID int64) ([]model.Payout, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+payoutColumns+" FROM payouts WHERE engagement_id = $1 ORDER BY created_at, id", engagementID)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	return collectPgPayouts(rows)
}

func (s *PostgresStore) PendingPayouts(ctx context.Context, limit int) ([]model.Payout, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+payoutColumns+" FROM payouts WHERE status = $1 ORDER BY created_at, id LIMIT $2",
		model.PayoutPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending payouts: %w", err)
	}
	return collectPgPayouts(rows)
}

func collectPgPayouts(rows pgx.Rows) ([]model.Payout, error) {
	defer rows.Close()
	var out []model.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payouts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkPayoutSent(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payouts SET status = $1, sent_at = $2, attempts = attempts + 1, last_error = ''
		WHERE id = $3 AND status = $4`,
		model.PayoutSent, at, id, model.PayoutPending)
	if err != nil {
		return fmt.Errorf("mark payout sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordPayoutFailure(ctx context.Context, id, message string, final bool) error {
	status := model.PayoutPending
	if final {
		status = model.PayoutFailed
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE payouts SET status = $1, attempts = attempts + 1, last_error = $2
		WHERE id = $3 AND status = $4`,
		status, message, id, model.PayoutPending)
	if err != nil {
		return fmt.Errorf("record payout failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreditParty(ctx context.Context, p model.Payout, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO party_credits (payout_id, party, amount, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (payout_id) DO NOTHING`,
		p.ID, p.Recipient, p.Amount, at)
	if err != nil {
		return fmt.Errorf("credit party: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPartyBalance(ctx context.Context, party string) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0)::BIGINT FROM party_credits WHERE party = $1", party).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("get party balance: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) GetPlatformConfig(ctx context.Context) (*model.PlatformConfig, error) {
	c := &model.PlatformConfig{}
	err := s.pool.QueryRow(ctx,
		"SELECT owner, platform_fee_percent, dispute_fee, updated_at FROM platform_config WHERE id = 1",
	).Scan(&c.Owner, &c.PlatformFeePercent, &c.DisputeFee, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get platform config: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stats := &Stats{
		CountByStatus:   make(map[string]int64),
		PayoutsByStatus: make(map[string]int64),
	}
	if err := pgCountGrouped(ctx, tx, "SELECT status, COUNT(*) FROM engagements GROUP BY status", stats.CountByStatus); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}
	if err := pgCountGrouped(ctx, tx, "SELECT status, COUNT(*) FROM payouts GROUP BY status", stats.PayoutsByStatus); err != nil {
		return nil, fmt.Errorf("count payouts: %w", err)
	}
	if err := tx.QueryRow(ctx,
		"SELECT COALESCE(SUM(balance), 0)::BIGINT, COALESCE(SUM(dispute_fee_held), 0)::BIGINT FROM escrow_accounts",
	).Scan(&stats.EscrowHeld, &stats.DisputeFeesHeld); err != nil {
		return nil, fmt.Errorf("sum escrow: %w", err)
	}
	return stats, nil
}

func pgCountGrouped(ctx context.Context, tx pgx.Tx, query string, into map[string]int64) error {
	rows, err := tx.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int64
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

// Apply persists every write of c in one transaction.
func (s *PostgresStore) Apply(ctx context.Context, c *Change) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if e := c.Engagement; e != nil {
		if c.Created {
			_, err := tx.Exec(ctx,
				"INSERT INTO engagements ("+engagementColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)",
				e.ID, e.Client, e.Freelancer, e.BidAmount, e.Deadline, e.Title, e.Description,
				e.Status, e.CompletedFrom, e.Outcome, e.WorkReference, e.CreatedAt, e.UpdatedAt, e.CompletedAt)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
					return ErrConflict
				}
				return fmt.Errorf("insert engagement: %w", err)
			}
		} else {
			tag, err := tx.Exec(ctx,
				`UPDATE engagements SET status = $1, completed_from = $2, outcome = $3, work_reference = $4,
					updated_at = $5, completed_at = $6
				WHERE id = $7`,
				e.Status, e.CompletedFrom, e.Outcome, e.WorkReference, e.UpdatedAt, e.CompletedAt, e.ID)
			if err != nil {
				return fmt.Errorf("update engagement: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrNotFound
			}
		}
	}

	if a := c.Account; a != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO escrow_accounts (engagement_id, bid_amount, balance, dispute_fee_held, deposited_at, settled_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (engagement_id) DO UPDATE SET
				balance = EXCLUDED.balance,
				dispute_fee_held = EXCLUDED.dispute_fee_held,
				deposited_at = EXCLUDED.deposited_at,
				settled_at = EXCLUDED.settled_at`,
			a.EngagementID, a.BidAmount, a.Balance, a.DisputeFeeHeld, a.DepositedAt, a.SettledAt,
		); err != nil {
			return fmt.Errorf("upsert escrow account: %w", err)
		}
	}

	if d := c.Dispute; d != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO disputes (engagement_id, raised_by, fee_paid, client_share, freelancer_share,
				platform_remainder, fee_disposition, resolved_by, raised_at, resolved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (engagement_id) DO UPDATE SET
				client_share = EXCLUDED.client_share,
				freelancer_share = EXCLUDED.freelancer_share,
				platform_remainder = EXCLUDED.platform_remainder,
				fee_disposition = EXCLUDED.fee_disposition,
				resolved_by = EXCLUDED.resolved_by,
				resolved_at = EXCLUDED.resolved_at`,
			d.EngagementID, d.RaisedBy, d.FeePaid, d.ClientShare, d.FreelancerShare,
			d.PlatformRemainder, d.FeeDisposition, d.ResolvedBy, d.RaisedAt, d.ResolvedAt,
		); err != nil {
			return fmt.Errorf("upsert dispute: %w", err)
		}
	}

	if cfg := c.Config; cfg != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO platform_config (id, owner, platform_fee_percent, dispute_fee, updated_at)
			VALUES (1, $1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				owner = EXCLUDED.owner,
				platform_fee_percent = EXCLUDED.platform_fee_percent,
				dispute_fee = EXCLUDED.dispute_fee,
				updated_at = EXCLUDED.updated_at`,
			cfg.Owner, cfg.PlatformFeePercent, cfg.DisputeFee, cfg.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert platform config: %w", err)
		}
	}

	for i := range c.Events {
		ev := &c.Events[i]
		payload, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if err := tx.QueryRow(ctx,
			`INSERT INTO events (id, engagement_id, type, actor, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`,
			ev.ID, ev.EngagementID, ev.Type, ev.Actor, string(payload), ev.CreatedAt,
		).Scan(&ev.Seq); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	if len(c.Payouts) > 0 {
		batch := &pgx.Batch{}
		for _, p := range c.Payouts {
			batch.Queue(
				"INSERT INTO payouts ("+payoutColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
				p.ID, p.EngagementID, p.Recipient, p.Amount, p.Kind, p.Status, p.Attempts,
				p.LastError, p.CreatedAt, p.SentAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert payouts: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
