package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/escrowd/internal/model"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS engagements (
    id             INTEGER PRIMARY KEY,
    client         TEXT NOT NULL,
    freelancer     TEXT NOT NULL,
    bid_amount     INTEGER NOT NULL CHECK (bid_amount > 0),
    deadline       DATETIME NOT NULL,
    title          TEXT NOT NULL,
    description    TEXT NOT NULL,
    status         TEXT NOT NULL,
    completed_from TEXT NOT NULL DEFAULT '',
    outcome        TEXT NOT NULL DEFAULT '',
    work_reference TEXT NOT NULL DEFAULT '',
    created_at     DATETIME NOT NULL,
    updated_at     DATETIME NOT NULL,
    completed_at   DATETIME
)`,
	`CREATE TABLE IF NOT EXISTS escrow_accounts (
    engagement_id    INTEGER PRIMARY KEY REFERENCES engagements(id),
    bid_amount       INTEGER NOT NULL,
    balance          INTEGER NOT NULL CHECK (balance = 0 OR balance = bid_amount),
    dispute_fee_held INTEGER NOT NULL DEFAULT 0,
    deposited_at     DATETIME,
    settled_at       DATETIME
)`,
	`CREATE TABLE IF NOT EXISTS disputes (
    engagement_id      INTEGER PRIMARY KEY REFERENCES engagements(id),
    raised_by          TEXT NOT NULL,
    fee_paid           INTEGER NOT NULL,
    client_share       INTEGER NOT NULL DEFAULT 0,
    freelancer_share   INTEGER NOT NULL DEFAULT 0,
    platform_remainder INTEGER NOT NULL DEFAULT 0,
    fee_disposition    TEXT NOT NULL DEFAULT '',
    resolved_by        TEXT NOT NULL DEFAULT '',
    raised_at          DATETIME NOT NULL,
    resolved_at        DATETIME
)`,
	`CREATE TABLE IF NOT EXISTS events (
    seq           INTEGER PRIMARY KEY AUTOINCREMENT,
    id            TEXT NOT NULL UNIQUE,
    engagement_id INTEGER NOT NULL,
    type          TEXT NOT NULL,
    actor         TEXT NOT NULL DEFAULT '',
    payload       TEXT NOT NULL,
    created_at    DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS events_engagement_idx ON events (engagement_id, seq)`,
	`CREATE TABLE IF NOT EXISTS payouts (
    id            TEXT PRIMARY KEY,
    engagement_id INTEGER NOT NULL,
    recipient     TEXT NOT NULL,
    amount        INTEGER NOT NULL CHECK (amount > 0),
    kind          TEXT NOT NULL,
    status        TEXT NOT NULL,
    attempts      INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT NOT NULL DEFAULT '',
    created_at    DATETIME NOT NULL,
    sent_at       DATETIME
)`,
	`CREATE INDEX IF NOT EXISTS payouts_status_idx ON payouts (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS party_credits (
    payout_id  TEXT PRIMARY KEY,
    party      TEXT NOT NULL,
    amount     INTEGER NOT NULL,
    created_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS platform_config (
    id                   INTEGER PRIMARY KEY CHECK (id = 1),
    owner                TEXT NOT NULL,
    platform_fee_percent INTEGER NOT NULL,
    dispute_fee          INTEGER NOT NULL,
    updated_at           DATETIME NOT NULL
)`,
}

const engagementColumns = `id, client, freelancer, bid_amount, deadline, title, description,
	status, completed_from, outcome, work_reference, created_at, updated_at, completed_at`

const payoutColumns = `id, engagement_id, recipient, amount, kind, status, attempts,
	last_error, created_at, sent_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// sqliteConnParams are applied by the driver to every pooled connection.
// Write transactions begin IMMEDIATE so a read inside one cannot be
// invalidated by a concurrent writer.
const sqliteConnParams = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

func sqliteDSN(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + sqliteConnParams
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEngagement(row rowScanner) (*model.Engagement, error) {
	e := &model.Engagement{}
	err := row.Scan(
		&e.ID, &e.Client, &e.Freelancer, &e.BidAmount, &e.Deadline, &e.Title, &e.Description,
		&e.Status, &e.CompletedFrom, &e.Outcome, &e.WorkReference, &e.CreatedAt, &e.UpdatedAt, &e.CompletedAt,
	)
	return e, err
}

func scanPayout(row rowScanner) (model.Payout, error) {
	var p model.Payout
	err := row.Scan(
		&p.ID, &p.EngagementID, &p.Recipient, &p.Amount, &p.Kind, &p.Status, &p.Attempts,
		&p.LastError, &p.CreatedAt, &p.SentAt,
	)
	return p, err
}

// CountEngagements returns the number of engagements ever created.
func (s *SQLiteStore) CountEngagements(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM engagements").Scan(&n); err != nil {
		return 0, fmt.Errorf("count engagements: %w", err)
	}
	return n, nil
}

// GetEngagement retrieves an engagement by ID.
func (s *SQLiteStore) GetEngagement(ctx context.Context, id int64) (*model.Engagement, error) {
	e, err := scanEngagement(s.db.QueryRowContext(ctx,
		"SELECT "+engagementColumns+" FROM engagements WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get engagement: %w", err)
	}
	return e, nil
}

// ListEngagements returns a page of engagements ordered by ID, along with the
// total count.
func (s *SQLiteStore) ListEngagements(ctx context.Context, limit, offset int) ([]*model.Engagement, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM engagements").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count engagements: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT "+engagementColumns+" FROM engagements ORDER BY id LIMIT ? OFFSET ?", limit, offset)
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

// GetEscrowAccount retrieves the escrow account of an engagement.
func (s *SQLiteStore) GetEscrowAccount(ctx context.Context, engagementID int64) (*model.EscrowAccount, error) {
	a := &model.EscrowAccount{}
	err := s.db.QueryRowContext(ctx,
		`SELECT engagement_id, bid_amount, balance, dispute_fee_held, deposited_at, settled_at
		FROM escrow_accounts WHERE engagement_id = ?`, engagementID,
	).Scan(&a.EngagementID, &a.BidAmount, &a.Balance, &a.DisputeFeeHeld, &a.DepositedAt, &a.SettledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow account: %w", err)
	}
	return a, nil
}

// GetDispute retrieves the dispute record of an engagement.
func (s *SQLiteStore) GetDispute(ctx context.Context, engagementID int64) (*model.Dispute, error) {
	d := &model.Dispute{}
	err := s.db.QueryRowContext(ctx,
		`SELECT engagement_id, raised_by, fee_paid, client_share, freelancer_share,
			platform_remainder, fee_disposition, resolved_by, raised_at, resolved_at
		FROM disputes WHERE engagement_id = ?`, engagementID,
	).Scan(&d.EngagementID, &d.RaisedBy, &d.FeePaid, &d.ClientShare, &d.FreelancerShare,
		&d.PlatformRemainder, &d.FeeDisposition, &d.ResolvedBy, &d.RaisedAt, &d.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispute: %w", err)
	}
	return d, nil
}

// ListEvents returns every event of an engagement in commit order.
func (s *SQLiteStore) ListEvents(ctx context.Context, engagementID int64) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, engagement_id, type, actor, payload, created_at
		FROM events WHERE engagement_id = ? ORDER BY seq`, engagementID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			ev      model.Event
			payload string
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.EngagementID, &ev.Type, &ev.Actor, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &ev.Data); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// ListPayouts returns every payout of an engagement in creation order.
func (s *SQLiteStore) ListPayouts(ctx context.Context, engagementID int64) ([]model.Payout, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+payoutColumns+" FROM payouts WHERE engagement_id = ? ORDER BY created_at, id", engagementID)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	defer rows.Close()
	return collectPayouts(rows)
}

// PendingPayouts returns up to limit undelivered payouts, oldest first.
func (s *SQLiteStore) PendingPayouts(ctx context.Context, limit int) ([]model.Payout, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+payoutColumns+" FROM payouts WHERE status = ? ORDER BY created_at, id LIMIT ?",
		model.PayoutPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending payouts: %w", err)
	}
	defer rows.Close()
	return collectPayouts(rows)
}

func collectPayouts(rows *sql.Rows) ([]model.Payout, error) {
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

// MarkPayoutSent records successful delivery of a pending payout.
func (s *SQLiteStore) MarkPayoutSent(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE payouts SET status = ?, sent_at = ?, attempts = attempts + 1, last_error = ''
		WHERE id = ? AND status = ?`,
		model.PayoutSent, at, id, model.PayoutPending)
	if err != nil {
		return fmt.Errorf("mark payout sent: %w", err)
	}
	return requireRow(result)
}

// RecordPayoutFailure counts a failed delivery attempt. When final is set the
// payout leaves the pending queue as failed.
func (s *SQLiteStore) RecordPayoutFailure(ctx context.Context, id, message string, final bool) error {
	status := model.PayoutPending
	if final {
		status = model.PayoutFailed
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE payouts SET status = ?, attempts = attempts + 1, last_error = ?
		WHERE id = ? AND status = ?`,
		status, message, id, model.PayoutPending)
	if err != nil {
		return fmt.Errorf("record payout failure: %w", err)
	}
	return requireRow(result)
}

// CreditParty books a payout into the recipient's internal balance. Crediting
// the same payout twice is a no-op.
func (s *SQLiteStore) CreditParty(ctx context.Context, p model.Payout, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO party_credits (payout_id, party, amount, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (payout_id) DO NOTHING`,
		p.ID, p.Recipient, p.Amount, at)
	if err != nil {
		return fmt.Errorf("credit party: %w", err)
	}
	return nil
}

// GetPartyBalance returns the total booked to party.
func (s *SQLiteStore) GetPartyBalance(ctx context.Context, party string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM party_credits WHERE party = ?", party).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("get party balance: %w", err)
	}
	return total, nil
}

// GetPlatformConfig returns the persisted platform configuration.
func (s *SQLiteStore) GetPlatformConfig(ctx context.Context) (*model.PlatformConfig, error) {
	c := &model.PlatformConfig{}
	err := s.db.QueryRowContext(ctx,
		"SELECT owner, platform_fee_percent, dispute_fee, updated_at FROM platform_config WHERE id = 1",
	).Scan(&c.Owner, &c.PlatformFeePercent, &c.DisputeFee, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get platform config: %w", err)
	}
	return c, nil
}

// GetStats returns aggregate engagement, escrow and payout figures.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &Stats{
		CountByStatus:   make(map[string]int64),
		PayoutsByStatus: make(map[string]int64),
	}

	if err := countGrouped(ctx, tx, "SELECT status, COUNT(*) FROM engagements GROUP BY status", stats.CountByStatus); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}
	if err := countGrouped(ctx, tx, "SELECT status, COUNT(*) FROM payouts GROUP BY status", stats.PayoutsByStatus); err != nil {
		return nil, fmt.Errorf("count payouts: %w", err)
	}

	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(balance), 0), COALESCE(SUM(dispute_fee_held), 0) FROM escrow_accounts",
	).Scan(&stats.EscrowHeld, &stats.DisputeFeesHeld); err != nil {
		return nil, fmt.Errorf("sum escrow: %w", err)
	}

	return stats, nil
}

func countGrouped(ctx context.Context, tx *sql.Tx, query string, into map[string]int64) error {
	rows, err := tx.QueryContext(ctx, query)
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
func (s *SQLiteStore) Apply(ctx context.Context, c *Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if e := c.Engagement; e != nil {
		if c.Created {
			if err := insertEngagement(ctx, tx, e); err != nil {
				return err
			}
		} else {
			result, err := tx.ExecContext(ctx,
				`UPDATE engagements SET status = ?, completed_from = ?, outcome = ?, work_reference = ?,
					updated_at = ?, completed_at = ?
				WHERE id = ?`,
				e.Status, e.CompletedFrom, e.Outcome, e.WorkReference, e.UpdatedAt, e.CompletedAt, e.ID)
			if err != nil {
				return fmt.Errorf("update engagement: %w", err)
			}
			if err := requireRow(result); err != nil {
				return err
			}
		}
	}

	if a := c.Account; a != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO escrow_accounts (engagement_id, bid_amount, balance, dispute_fee_held, deposited_at, settled_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (engagement_id) DO UPDATE SET
				balance = excluded.balance,
				dispute_fee_held = excluded.dispute_fee_held,
				deposited_at = excluded.deposited_at,
				settled_at = excluded.settled_at`,
			a.EngagementID, a.BidAmount, a.Balance, a.DisputeFeeHeld, a.DepositedAt, a.SettledAt,
		); err != nil {
			return fmt.Errorf("upsert escrow account: %w", err)
		}
	}

	if d := c.Dispute; d != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO disputes (engagement_id, raised_by, fee_paid, client_share, freelancer_share,
				platform_remainder, fee_disposition, resolved_by, raised_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (engagement_id) DO UPDATE SET
				client_share = excluded.client_share,
				freelancer_share = excluded.freelancer_share,
				platform_remainder = excluded.platform_remainder,
				fee_disposition = excluded.fee_disposition,
				resolved_by = excluded.resolved_by,
				resolved_at = excluded.resolved_at`,
			d.EngagementID, d.RaisedBy, d.FeePaid, d.ClientShare, d.FreelancerShare,
			d.PlatformRemainder, d.FeeDisposition, d.ResolvedBy, d.RaisedAt, d.ResolvedAt,
		); err != nil {
			return fmt.Errorf("upsert dispute: %w", err)
		}
	}

	if cfg := c.Config; cfg != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO platform_config (id, owner, platform_fee_percent, dispute_fee, updated_at)
			VALUES (1, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				owner = excluded.owner,
				platform_fee_percent = excluded.platform_fee_percent,
				dispute_fee = excluded.dispute_fee,
				updated_at = excluded.updated_at`,
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
		result, err := tx.ExecContext(ctx,
			`INSERT INTO events (id, engagement_id, type, actor, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.EngagementID, ev.Type, ev.Actor, string(payload), ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		seq, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("event seq: %w", err)
		}
		ev.Seq = seq
	}

	for _, p := range c.Payouts {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO payouts ("+payoutColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			p.ID, p.EngagementID, p.Recipient, p.Amount, p.Kind, p.Status, p.Attempts,
			p.LastError, p.CreatedAt, p.SentAt,
		); err != nil {
			return fmt.Errorf("insert payout: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertEngagement(ctx context.Context, tx *sql.Tx, e *model.Engagement) error {
	var exists int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM engagements WHERE id = ?", e.ID).Scan(&exists)
	if err == nil {
		return ErrConflict
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check engagement: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO engagements ("+engagementColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.Client, e.Freelancer, e.BidAmount, e.Deadline, e.Title, e.Description,
		e.Status, e.CompletedFrom, e.Outcome, e.WorkReference, e.CreatedAt, e.UpdatedAt, e.CompletedAt,
	); err != nil {
		return fmt.Errorf("insert engagement: %w", err)
	}
	return nil
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
