package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

// ErrDuplicateEvent is returned when a processed-event insert loses to an
// earlier delivery of the same event ID. Callers treat it as "already
// processed", not as a failure.
var ErrDuplicateEvent = errors.New("event already processed")

// SQLite extended result codes for uniqueness violations.
const (
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

// PlanStore provides durable storage for user plans, processed events, and
// the billing ledger, backed by SQLite.
type PlanStore struct {
	db *sql.DB
}

// Open opens (or creates) the billing database in dir.
func Open(dir string) (*PlanStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create billing dir: %w", err)
	}

	dbPath := filepath.Join(dir, "billing.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open billing db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &PlanStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PlanStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_plans (
		user_id                TEXT PRIMARY KEY,
		plan                   TEXT NOT NULL DEFAULT 'free',
		subscription_status    TEXT NOT NULL DEFAULT '',
		stripe_customer_id     TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		canceled_at            INTEGER,
		updated_at             INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_user_plans_customer ON user_plans(stripe_customer_id);
	CREATE INDEX IF NOT EXISTS idx_user_plans_subscription ON user_plans(stripe_subscription_id);

	CREATE TABLE IF NOT EXISTS processed_events (
		event_id               TEXT PRIMARY KEY,
		user_id                TEXT NOT NULL DEFAULT '',
		amount                 INTEGER NOT NULL DEFAULT 0,
		currency               TEXT NOT NULL DEFAULT '',
		stripe_customer_id     TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		metadata               TEXT NOT NULL DEFAULT '{}',
		processed_at           INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS billing_ledger (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		event_type       TEXT NOT NULL,
		event_id         TEXT NOT NULL DEFAULT '',
		amount           INTEGER NOT NULL DEFAULT 0,
		currency         TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		failure_reason   TEXT NOT NULL DEFAULT '',
		metadata         TEXT NOT NULL DEFAULT '{}',
		event_created_at INTEGER,
		created_at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_billing_ledger_user ON billing_ledger(user_id);
	CREATE INDEX IF NOT EXISTS idx_billing_ledger_event ON billing_ledger(event_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init billing schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *PlanStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *PlanStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetUserPlan retrieves a user's plan row, or nil if the user has none yet.
func (s *PlanStore) GetUserPlan(ctx context.Context, userID string) (*UserPlan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		user_id, plan, subscription_status, stripe_customer_id, stripe_subscription_id,
		canceled_at, updated_at
		FROM user_plans WHERE user_id = ?`, userID)
	return scanUserPlan(row)
}

// UpsertUserPlan atomically inserts or updates a user's plan row.
func (s *PlanStore) UpsertUserPlan(ctx context.Context, up *UserPlan) error {
	if up == nil {
		return fmt.Errorf("user plan is nil")
	}
	up.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, upsertUserPlanSQL,
		up.UserID, string(up.Plan), up.SubscriptionStatus,
		up.StripeCustomerID, up.StripeSubscriptionID,
		nullableTimeUnix(up.CanceledAt), up.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user plan: %w", err)
	}
	return nil
}

const upsertUserPlanSQL = `
	INSERT INTO user_plans (
		user_id, plan, subscription_status, stripe_customer_id, stripe_subscription_id,
		canceled_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		plan = excluded.plan,
		subscription_status = excluded.subscription_status,
		stripe_customer_id = excluded.stripe_customer_id,
		stripe_subscription_id = excluded.stripe_subscription_id,
		canceled_at = excluded.canceled_at,
		updated_at = excluded.updated_at`

// IsEventProcessed reports whether a processed-event row exists for eventID.
func (s *PlanStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_events WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return n > 0, nil
}

// RecordProcessedEvent inserts the idempotency marker for an event.
// Returns ErrDuplicateEvent if the event ID was already recorded.
func (s *PlanStore) RecordProcessedEvent(ctx context.Context, pe *ProcessedEvent) error {
	if pe == nil {
		return fmt.Errorf("processed event is nil")
	}
	if pe.ProcessedAt.IsZero() {
		pe.ProcessedAt = time.Now().UTC()
	}
	meta, err := marshalMetadata(pe.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, insertProcessedEventSQL,
		pe.EventID, pe.UserID, pe.Amount, pe.Currency,
		pe.StripeCustomerID, pe.StripeSubscriptionID, meta, pe.ProcessedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("record processed event: %w", err)
	}
	return nil
}

const insertProcessedEventSQL = `
	INSERT INTO processed_events (
		event_id, user_id, amount, currency,
		stripe_customer_id, stripe_subscription_id, metadata, processed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// ApplyEvent records the processed-event marker and applies mutate to the
// user's plan row in a single transaction. The current row is read inside the
// transaction (defaulted to a fresh free plan for unseen users), so a partial
// transition never overwrites fields a concurrent event committed in between.
// The loser of a same-event-ID race hits the primary key on processed_events
// and gets ErrDuplicateEvent with no plan mutation.
func (s *PlanStore) ApplyEvent(ctx context.Context, pe *ProcessedEvent, userID string, mutate func(*UserPlan)) (*UserPlan, error) {
	if pe == nil {
		return nil, fmt.Errorf("processed event is nil")
	}
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if mutate == nil {
		return nil, fmt.Errorf("mutate func is nil")
	}
	if pe.ProcessedAt.IsZero() {
		pe.ProcessedAt = time.Now().UTC()
	}

	meta, err := marshalMetadata(pe.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin apply event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, insertProcessedEventSQL,
		pe.EventID, pe.UserID, pe.Amount, pe.Currency,
		pe.StripeCustomerID, pe.StripeSubscriptionID, meta, pe.ProcessedAt.Unix(),
	); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEvent
		}
		return nil, fmt.Errorf("record processed event: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT
		user_id, plan, subscription_status, stripe_customer_id, stripe_subscription_id,
		canceled_at, updated_at
		FROM user_plans WHERE user_id = ?`, userID)
	up, err := scanUserPlan(row)
	if err != nil {
		return nil, err
	}
	if up == nil {
		up = &UserPlan{UserID: userID, Plan: PlanFree}
	}

	mutate(up)
	up.UserID = userID
	up.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx, upsertUserPlanSQL,
		up.UserID, string(up.Plan), up.SubscriptionStatus,
		up.StripeCustomerID, up.StripeSubscriptionID,
		nullableTimeUnix(up.CanceledAt), up.UpdatedAt.Unix(),
	); err != nil {
		return nil, fmt.Errorf("upsert user plan: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit apply event: %w", err)
	}
	return up, nil
}

// AppendLedgerEntry inserts an immutable billing ledger row.
func (s *PlanStore) AppendLedgerEntry(ctx context.Context, le *LedgerEntry) error {
	if le == nil {
		return fmt.Errorf("ledger entry is nil")
	}
	if le.ID == "" {
		le.ID = NewLedgerID()
	}
	if le.CreatedAt.IsZero() {
		le.CreatedAt = time.Now().UTC()
	}
	meta, err := marshalMetadata(le.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO billing_ledger (
			id, user_id, event_type, event_id, amount, currency,
			status, failure_reason, metadata, event_created_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		le.ID, le.UserID, le.EventType, le.EventID, le.Amount, le.Currency,
		string(le.Status), le.FailureReason, meta, nullableUnix(le.EventCreatedAt), le.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// LedgerEntriesForUser returns a user's ledger rows, newest first.
func (s *PlanStore) LedgerEntriesForUser(ctx context.Context, userID string) ([]*LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, user_id, event_type, event_id, amount, currency,
		status, failure_reason, metadata, event_created_at, created_at
		FROM billing_ledger WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		le, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, le)
	}
	return entries, rows.Err()
}

// FindUserBySubscriptionID returns the owning user for a Stripe subscription
// ID, or "" if no plan row references it.
func (s *PlanStore) FindUserBySubscriptionID(ctx context.Context, subID string) (string, error) {
	return s.findUser(ctx, `SELECT user_id FROM user_plans WHERE stripe_subscription_id = ?`, subID)
}

// FindUserByCustomerID returns the owning user for a Stripe customer ID, or
// "" if no plan row references it.
func (s *PlanStore) FindUserByCustomerID(ctx context.Context, customerID string) (string, error) {
	return s.findUser(ctx, `SELECT user_id FROM user_plans WHERE stripe_customer_id = ?`, customerID)
}

func (s *PlanStore) findUser(ctx context.Context, query, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", nil
	}
	var userID string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("find user: %w", err)
	}
	return userID, nil
}

// ListPastDueBefore returns users whose plan is still pro with a past_due
// status last updated before cutoff. Used by the grace enforcer.
func (s *PlanStore) ListPastDueBefore(ctx context.Context, cutoff time.Time) ([]*UserPlan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		user_id, plan, subscription_status, stripe_customer_id, stripe_subscription_id,
		canceled_at, updated_at
		FROM user_plans
		WHERE plan = ? AND subscription_status = ? AND updated_at < ?`,
		string(PlanPro), StatusPastDue, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("list past_due plans: %w", err)
	}
	defer rows.Close()

	var plans []*UserPlan
	for rows.Next() {
		up, err := scanUserPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, up)
	}
	return plans, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUserPlan(s scanner) (*UserPlan, error) {
	var up UserPlan
	var plan string
	var canceledAt sql.NullInt64
	var updatedAt int64

	err := s.Scan(
		&up.UserID, &plan, &up.SubscriptionStatus,
		&up.StripeCustomerID, &up.StripeSubscriptionID,
		&canceledAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user plan: %w", err)
	}

	up.Plan = Plan(plan)
	up.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if canceledAt.Valid {
		ts := time.Unix(canceledAt.Int64, 0).UTC()
		up.CanceledAt = &ts
	}
	return &up, nil
}

func scanLedgerEntry(s scanner) (*LedgerEntry, error) {
	var le LedgerEntry
	var status string
	var meta string
	var eventCreatedAt sql.NullInt64
	var createdAt int64

	err := s.Scan(
		&le.ID, &le.UserID, &le.EventType, &le.EventID, &le.Amount, &le.Currency,
		&status, &le.FailureReason, &meta, &eventCreatedAt, &createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}

	le.Status = LedgerStatus(status)
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &le.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal ledger metadata: %w", err)
		}
	}
	le.CreatedAt = time.Unix(createdAt, 0).UTC()
	if eventCreatedAt.Valid {
		le.EventCreatedAt = time.Unix(eventCreatedAt.Int64, 0).UTC()
	}
	return &le, nil
}

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal event metadata: %w", err)
	}
	return string(data), nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqliteConstraintPrimaryKey || code == sqliteConstraintUnique
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
