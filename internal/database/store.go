// Package database provides persistence for profiles, subscriptions, payments and the webhook ledger
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brandon/cotex-billing/internal/config"
)

var (
	// ErrUserNotFound is returned when no user profile matches the given id
	ErrUserNotFound = errors.New("user profile not found")
	// ErrSubscriptionNotFound is returned when no subscription matches the external id
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// SubscriptionTier represents a user's subscription level
type SubscriptionTier string

const (
	// FreeTier is the default free subscription
	FreeTier SubscriptionTier = "free"
	// ProTier is the paid individual subscription
	ProTier SubscriptionTier = "pro"
	// EnterpriseTier is the paid team subscription
	EnterpriseTier SubscriptionTier = "enterprise"
)

// Valid reports whether t is one of the known tiers
func (t SubscriptionTier) Valid() bool {
	switch t {
	case FreeTier, ProTier, EnterpriseTier:
		return true
	}
	return false
}

// Provider identifies the payment provider that owns an external id
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPaddle Provider = "paddle"
)

// Payment statuses recorded in the ledger
const (
	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"
)

// Webhook ledger statuses
const (
	EventProcessing = "processing"
	EventProcessed  = "processed"
	EventFailed     = "failed"
)

// UserProfile is one row of user_profiles. ID equals the auth provider user id.
type UserProfile struct {
	ID               string           `json:"id"`
	Email            string           `json:"email"`
	SubscriptionTier SubscriptionTier `json:"subscription_tier"`
	StripeCustomerID string           `json:"stripe_customer_id,omitempty"`
	PaddleCustomerID string           `json:"paddle_customer_id,omitempty"`
	UpdatedAt        *time.Time       `json:"updated_at,omitempty"`
}

// CustomerID returns the stored customer id for the given provider
func (p *UserProfile) CustomerID(provider Provider) string {
	if provider == ProviderPaddle {
		return p.PaddleCustomerID
	}
	return p.StripeCustomerID
}

// Subscription is one row of subscriptions, keyed by (provider, external_id)
type Subscription struct {
	ID                string     `json:"id,omitempty"`
	UserID            string     `json:"user_id"`
	Provider          Provider   `json:"provider"`
	ExternalID        string     `json:"external_id"`
	PlanID            string     `json:"plan_id"`
	Status            string     `json:"status"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	UpdateURL         string     `json:"update_url,omitempty"`
	CancelURL         string     `json:"cancel_url,omitempty"`
	CreatedAt         *time.Time `json:"created_at,omitempty"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
}

// Payment is one append-only row of the payments ledger
type Payment struct {
	ID                     string     `json:"id,omitempty"`
	UserID                 string     `json:"user_id"`
	Provider               Provider   `json:"provider"`
	ExternalID             string     `json:"external_id"`
	SubscriptionExternalID string     `json:"subscription_external_id"`
	Amount                 int64      `json:"amount"` // minor units
	Currency               string     `json:"currency"`
	Status                 string     `json:"status"`
	CreatedAt              *time.Time `json:"created_at,omitempty"`
}

// Store abstracts the database operations used by the billing flows.
// This allows injecting a mock implementation in tests.
type Store interface {
	GetUserProfile(ctx context.Context, userID string) (*UserProfile, error)
	UpsertUserProfile(ctx context.Context, profile *UserProfile) error
	UpdateSubscriptionTier(ctx context.Context, userID string, tier SubscriptionTier) error
	SetCustomerID(ctx context.Context, userID string, provider Provider, customerID string) error

	UpsertSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, provider Provider, externalID string) (*Subscription, error)
	LatestSubscriptionForUser(ctx context.Context, userID string, provider Provider) (*Subscription, error)

	// InsertPayment records a payment unless one with the same external id exists.
	// It reports whether a new row was written.
	InsertPayment(ctx context.Context, payment *Payment) (bool, error)

	// ClaimWebhookEvent registers a delivery in the webhook ledger. It returns
	// false when the same event was already processed successfully.
	ClaimWebhookEvent(ctx context.Context, provider Provider, eventID, eventType string) (bool, error)
	FinishWebhookEvent(ctx context.Context, provider Provider, eventID string, processingErr error) error
	PurgeWebhookEvents(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// New creates a Store based on the configured database driver
func New(cfg *config.Config) (Store, error) {
	switch cfg.DatabaseDriver {
	case "supabase", "":
		return NewClient(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey)
	case "postgres":
		return NewPostgres(cfg.DatabaseURL)
	case "sqlite":
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.DatabaseDriver)
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
