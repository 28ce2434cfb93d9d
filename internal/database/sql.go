package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/brandon/cotex-billing/internal/logger"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Dialects supported by SQLStore
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// SQLStore implements Store on database/sql, either against PostgreSQL
// through pgx or against an embedded SQLite file.
type SQLStore struct {
	db      *sql.DB
	dialect string
	log     zerolog.Logger
}

// NewPostgres opens a PostgreSQL store and runs migrations
func NewPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := NewSQLStore(db, DialectPostgres)
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewSQLite opens a SQLite store and runs migrations
func NewSQLite(dsn string) (*SQLStore, error) {
	// Every pooled connection must see the same in-memory database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := NewSQLStore(db, DialectSQLite)
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewSQLStore wraps an already opened database. It does not run migrations.
func NewSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		log:     logger.Logger(map[string]interface{}{"component": "database", "dialect": dialect}),
	}
}

// Migrate creates the billing tables if they do not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	ts := "DATETIME"
	boolean := "INTEGER NOT NULL DEFAULT 0"
	if s.dialect == DialectPostgres {
		ts = "TIMESTAMPTZ"
		boolean = "BOOLEAN NOT NULL DEFAULT FALSE"
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS user_profiles (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			subscription_tier TEXT NOT NULL DEFAULT 'free',
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			paddle_customer_id TEXT NOT NULL DEFAULT '',
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			external_id TEXT NOT NULL,
			plan_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_period_end ` + ts + `,
			cancel_at_period_end ` + boolean + `,
			update_url TEXT NOT NULL DEFAULT '',
			cancel_url TEXT NOT NULL DEFAULT '',
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL,
			UNIQUE(provider, external_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			external_id TEXT NOT NULL,
			subscription_external_id TEXT NOT NULL DEFAULT '',
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL,
			UNIQUE(provider, external_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_user_id ON payments(user_id)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			provider TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			received_at ` + ts + ` NOT NULL,
			processed_at ` + ts + `,
			PRIMARY KEY (provider, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_received_at ON webhook_events(received_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func now() time.Time {
	return time.Now().UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// GetUserProfile retrieves a user profile by id
func (s *SQLStore) GetUserProfile(ctx context.Context, userID string) (*UserProfile, error) {
	var p UserProfile
	var updated time.Time
	err := s.queryRow(ctx,
		`SELECT id, email, subscription_tier, stripe_customer_id, paddle_customer_id, updated_at
		 FROM user_profiles WHERE id = ?`, userID,
	).Scan(&p.ID, &p.Email, &p.SubscriptionTier, &p.StripeCustomerID, &p.PaddleCustomerID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user profile: %w", err)
	}
	p.UpdatedAt = &updated
	return &p, nil
}

// UpsertUserProfile creates or replaces a profile row. Empty customer ids keep stored values.
func (s *SQLStore) UpsertUserProfile(ctx context.Context, profile *UserProfile) error {
	if profile.SubscriptionTier == "" {
		profile.SubscriptionTier = FreeTier
	}
	_, err := s.exec(ctx,
		`INSERT INTO user_profiles (id, email, subscription_tier, stripe_customer_id, paddle_customer_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			subscription_tier = excluded.subscription_tier,
			stripe_customer_id = CASE WHEN excluded.stripe_customer_id <> '' THEN excluded.stripe_customer_id ELSE user_profiles.stripe_customer_id END,
			paddle_customer_id = CASE WHEN excluded.paddle_customer_id <> '' THEN excluded.paddle_customer_id ELSE user_profiles.paddle_customer_id END,
			updated_at = excluded.updated_at`,
		profile.ID, profile.Email, string(profile.SubscriptionTier),
		profile.StripeCustomerID, profile.PaddleCustomerID, now(),
	)
	if err != nil {
		return fmt.Errorf("upsert user profile: %w", err)
	}
	return nil
}

// UpdateSubscriptionTier updates a user's subscription tier
func (s *SQLStore) UpdateSubscriptionTier(ctx context.Context, userID string, tier SubscriptionTier) error {
	res, err := s.exec(ctx,
		`UPDATE user_profiles SET subscription_tier = ?, updated_at = ? WHERE id = ?`,
		string(tier), now(), userID,
	)
	if err != nil {
		return fmt.Errorf("update subscription tier: %w", err)
	}
	return requireRow(res, ErrUserNotFound)
}

// SetCustomerID stores the provider customer id on the user's profile
func (s *SQLStore) SetCustomerID(ctx context.Context, userID string, provider Provider, customerID string) error {
	column, err := customerColumn(provider)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx,
		`UPDATE user_profiles SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		customerID, now(), userID,
	)
	if err != nil {
		return fmt.Errorf("set customer id: %w", err)
	}
	return requireRow(res, ErrUserNotFound)
}

// UpsertSubscription inserts or updates the subscription identified by
// (provider, external_id). Empty user, plan and url fields never overwrite
// values already stored, and a canceled status is never replaced.
func (s *SQLStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	ts := now()
	_, err := s.exec(ctx,
		`INSERT INTO subscriptions (id, user_id, provider, external_id, plan_id, status,
			current_period_end, cancel_at_period_end, update_url, cancel_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider, external_id) DO UPDATE SET
			user_id = CASE WHEN excluded.user_id <> '' THEN excluded.user_id ELSE subscriptions.user_id END,
			plan_id = CASE WHEN excluded.plan_id <> '' THEN excluded.plan_id ELSE subscriptions.plan_id END,
			status = CASE WHEN subscriptions.status = 'canceled' THEN subscriptions.status ELSE excluded.status END,
			current_period_end = COALESCE(excluded.current_period_end, subscriptions.current_period_end),
			cancel_at_period_end = excluded.cancel_at_period_end,
			update_url = CASE WHEN excluded.update_url <> '' THEN excluded.update_url ELSE subscriptions.update_url END,
			cancel_url = CASE WHEN excluded.cancel_url <> '' THEN excluded.cancel_url ELSE subscriptions.cancel_url END,
			updated_at = excluded.updated_at`,
		uuid.New().String(), sub.UserID, string(sub.Provider), sub.ExternalID, sub.PlanID, sub.Status,
		nullTime(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd, sub.UpdateURL, sub.CancelURL, ts, ts,
	)
	if err != nil {
		s.log.Error().
			Err(err).
			Str("provider", string(sub.Provider)).
			Str("external_id", sub.ExternalID).
			Msg("UpsertSubscription: upsert failed")
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

const subscriptionColumns = `id, user_id, provider, external_id, plan_id, status,
	current_period_end, cancel_at_period_end, update_url, cancel_url, created_at, updated_at`

func scanSubscription(row *sql.Row) (*Subscription, error) {
	var sub Subscription
	var periodEnd sql.NullTime
	var created, updated time.Time
	err := row.Scan(&sub.ID, &sub.UserID, &sub.Provider, &sub.ExternalID, &sub.PlanID, &sub.Status,
		&periodEnd, &sub.CancelAtPeriodEnd, &sub.UpdateURL, &sub.CancelURL, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.CurrentPeriodEnd = timePtr(periodEnd)
	sub.CreatedAt = &created
	sub.UpdatedAt = &updated
	return &sub, nil
}

// GetSubscription retrieves a subscription by provider and external id
func (s *SQLStore) GetSubscription(ctx context.Context, provider Provider, externalID string) (*Subscription, error) {
	return scanSubscription(s.queryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider = ? AND external_id = ?`,
		string(provider), externalID,
	))
}

// LatestSubscriptionForUser returns the most recently updated subscription of a user with the provider
func (s *SQLStore) LatestSubscriptionForUser(ctx context.Context, userID string, provider Provider) (*Subscription, error) {
	return scanSubscription(s.queryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE user_id = ? AND provider = ?
		 ORDER BY updated_at DESC LIMIT 1`,
		userID, string(provider),
	))
}

// InsertPayment appends a payment row, ignoring duplicates of (provider, external_id)
func (s *SQLStore) InsertPayment(ctx context.Context, payment *Payment) (bool, error) {
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}
	res, err := s.exec(ctx,
		`INSERT INTO payments (id, user_id, provider, external_id, subscription_external_id, amount, currency, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider, external_id) DO NOTHING`,
		payment.ID, payment.UserID, string(payment.Provider), payment.ExternalID,
		payment.SubscriptionExternalID, payment.Amount, payment.Currency, payment.Status, now(),
	)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	return n > 0, nil
}

// ClaimWebhookEvent registers a delivery in the webhook_events ledger
func (s *SQLStore) ClaimWebhookEvent(ctx context.Context, provider Provider, eventID, eventType string) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO webhook_events (provider, event_id, event_type, status, received_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(provider, event_id) DO NOTHING`,
		string(provider), eventID, eventType, EventProcessing, now(),
	)
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var status string
	err = s.queryRow(ctx,
		`SELECT status FROM webhook_events WHERE provider = ? AND event_id = ?`,
		string(provider), eventID,
	).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("load webhook event: %w", err)
	}
	if status == EventProcessed {
		return false, nil
	}

	// A failed or interrupted delivery is processed again.
	if _, err := s.exec(ctx,
		`UPDATE webhook_events SET status = ?, error = '' WHERE provider = ? AND event_id = ?`,
		EventProcessing, string(provider), eventID,
	); err != nil {
		return false, fmt.Errorf("reclaim webhook event: %w", err)
	}
	return true, nil
}

// FinishWebhookEvent marks a claimed delivery as processed or failed
func (s *SQLStore) FinishWebhookEvent(ctx context.Context, provider Provider, eventID string, processingErr error) error {
	status := EventProcessed
	if processingErr != nil {
		status = EventFailed
	}
	if _, err := s.exec(ctx,
		`UPDATE webhook_events SET status = ?, error = ?, processed_at = ? WHERE provider = ? AND event_id = ?`,
		status, errorText(processingErr), now(), string(provider), eventID,
	); err != nil {
		return fmt.Errorf("finish webhook event: %w", err)
	}
	return nil
}

// PurgeWebhookEvents removes ledger rows received before the given time
func (s *SQLStore) PurgeWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM webhook_events WHERE received_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge webhook events: %w", err)
	}
	return res.RowsAffected()
}

// Ping verifies the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying connection pool
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
