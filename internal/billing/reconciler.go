package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brandon/cotex-billing/internal/database"
	"github.com/brandon/cotex-billing/internal/logger"
	"github.com/rs/zerolog"
)

// Notification kinds pushed to connected clients
const (
	NotifyTierChanged         = "tier_changed"
	NotifySubscriptionUpdated = "subscription_updated"
	NotifyPaymentSucceeded    = "payment_succeeded"
	NotifyPaymentFailed       = "payment_failed"
)

// Notifier delivers a notification to every live connection of a user
type Notifier interface {
	Notify(userID, kind string, data interface{})
}

// NopNotifier discards notifications
type NopNotifier struct{}

// Notify implements Notifier
func (NopNotifier) Notify(string, string, interface{}) {}

// CheckoutResult describes a completed hosted checkout
type CheckoutResult struct {
	Provider       database.Provider
	UserID         string
	PlanID         string
	CustomerID     string
	SubscriptionID string
	Status         string
}

// SubscriptionChange is a provider subscription state normalised for storage.
// Empty UserID and PlanID mean "unchanged".
type SubscriptionChange struct {
	Provider          database.Provider
	ExternalID        string
	UserID            string
	PlanID            string
	CustomerID        string
	Status            string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	UpdateURL         string
	CancelURL         string
}

// PaymentRecord is one payment attempt reported by a provider
type PaymentRecord struct {
	Provider               database.Provider
	ExternalID             string
	SubscriptionExternalID string
	UserID                 string
	Amount                 int64
	Currency               string
	Status                 string
}

// Reconciler applies provider events to the store. Every method is safe to
// call more than once with the same input.
type Reconciler struct {
	store    database.Store
	catalog  *Catalog
	notifier Notifier
	log      zerolog.Logger
}

// NewReconciler creates a reconciler. A nil notifier disables notifications.
func NewReconciler(store database.Store, catalog *Catalog, notifier Notifier) *Reconciler {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Reconciler{
		store:    store,
		catalog:  catalog,
		notifier: notifier,
		log:      logger.Logger(map[string]interface{}{"component": "billing"}),
	}
}

// Catalog returns the plan catalog used to resolve tiers
func (r *Reconciler) Catalog() *Catalog {
	return r.catalog
}

// ClaimEvent records a webhook delivery in the ledger and reports whether it
// should be processed. Ledger failures never block processing.
func (r *Reconciler) ClaimEvent(ctx context.Context, provider database.Provider, eventID, eventType string) bool {
	if eventID == "" {
		return true
	}
	proceed, err := r.store.ClaimWebhookEvent(ctx, provider, eventID, eventType)
	if err != nil {
		r.log.Warn().
			Err(err).
			Str("provider", string(provider)).
			Str("event_id", eventID).
			Msg("Could not record webhook event, processing anyway")
		return true
	}
	return proceed
}

// FinishEvent stores the outcome of a claimed delivery
func (r *Reconciler) FinishEvent(ctx context.Context, provider database.Provider, eventID string, processingErr error) {
	if eventID == "" {
		return
	}
	if err := r.store.FinishWebhookEvent(ctx, provider, eventID, processingErr); err != nil {
		r.log.Warn().
			Err(err).
			Str("provider", string(provider)).
			Str("event_id", eventID).
			Msg("Could not update webhook event status")
	}
}

// CompleteCheckout upgrades the buyer, links the provider customer and
// attaches the new subscription to the user.
func (r *Reconciler) CompleteCheckout(ctx context.Context, res CheckoutResult) error {
	if res.UserID == "" {
		return ErrMissingUserID
	}

	var existing *database.Subscription
	if res.SubscriptionID != "" {
		var err error
		if existing, err = r.existing(ctx, res.Provider, res.SubscriptionID); err != nil {
			return err
		}
	}

	// A redelivered checkout must not revive a subscription that already ended.
	if existing != nil && isTerminalStatus(existing.Status) {
		if err := r.linkCustomer(ctx, res.UserID, res.Provider, res.CustomerID); err != nil {
			return err
		}
		if existing.UserID == "" {
			owned := *existing
			owned.UserID = res.UserID
			if err := r.store.UpsertSubscription(ctx, &owned); err != nil {
				return err
			}
		}
		r.log.Info().
			Str("provider", string(res.Provider)).
			Str("user_id", res.UserID).
			Str("subscription_id", res.SubscriptionID).
			Str("status", existing.Status).
			Msg("Checkout completed for an ended subscription, tier left unchanged")
		return nil
	}

	if err := r.setTier(ctx, res.UserID, r.catalog.TierFor(res.PlanID)); err != nil {
		return err
	}

	if err := r.linkCustomer(ctx, res.UserID, res.Provider, res.CustomerID); err != nil {
		return err
	}

	if res.SubscriptionID == "" {
		return nil
	}

	sub := &database.Subscription{
		Provider:   res.Provider,
		ExternalID: res.SubscriptionID,
		UserID:     res.UserID,
		PlanID:     res.PlanID,
		Status:     res.Status,
	}
	if existing != nil {
		// Subscription events may have arrived first; keep what they stored.
		sub.Status = existing.Status
		sub.CurrentPeriodEnd = existing.CurrentPeriodEnd
		sub.CancelAtPeriodEnd = existing.CancelAtPeriodEnd
	}
	if sub.Status == "" {
		sub.Status = "active"
	}
	if err := r.store.UpsertSubscription(ctx, sub); err != nil {
		return err
	}

	r.log.Info().
		Str("provider", string(res.Provider)).
		Str("user_id", res.UserID).
		Str("plan_id", res.PlanID).
		Str("subscription_id", res.SubscriptionID).
		Msg("Checkout completed")
	return nil
}

// FailCheckout downgrades a user whose delayed checkout payment failed,
// unless another subscription with the provider still entitles them.
func (r *Reconciler) FailCheckout(ctx context.Context, provider database.Provider, userID string) error {
	if userID == "" {
		return ErrMissingUserID
	}
	latest, err := r.store.LatestSubscriptionForUser(ctx, userID, provider)
	if err != nil && !errors.Is(err, database.ErrSubscriptionNotFound) {
		return err
	}
	if latest != nil && isEntitlingStatus(latest.Status) {
		r.log.Info().
			Str("user_id", userID).
			Str("subscription_id", latest.ExternalID).
			Msg("Checkout payment failed but user keeps an active subscription")
		return nil
	}
	return r.setTier(ctx, userID, database.FreeTier)
}

// SyncSubscription upserts a subscription by (provider, external id) and
// derives the owner's tier from its status.
func (r *Reconciler) SyncSubscription(ctx context.Context, change SubscriptionChange) error {
	if change.ExternalID == "" {
		return fmt.Errorf("%w: subscription id missing", ErrMalformedPayload)
	}

	existing, err := r.existing(ctx, change.Provider, change.ExternalID)
	if err != nil {
		return err
	}

	sub := &database.Subscription{
		Provider:          change.Provider,
		ExternalID:        change.ExternalID,
		UserID:            change.UserID,
		PlanID:            change.PlanID,
		Status:            change.Status,
		CurrentPeriodEnd:  change.CurrentPeriodEnd,
		CancelAtPeriodEnd: change.CancelAtPeriodEnd,
		UpdateURL:         change.UpdateURL,
		CancelURL:         change.CancelURL,
	}
	if existing != nil {
		if sub.UserID == "" {
			sub.UserID = existing.UserID
		}
		if sub.PlanID == "" {
			sub.PlanID = existing.PlanID
		}
		if sub.Status == "" {
			sub.Status = existing.Status
		}
		if isTerminalStatus(existing.Status) && !isTerminalStatus(sub.Status) {
			r.log.Info().
				Str("provider", string(sub.Provider)).
				Str("subscription_id", sub.ExternalID).
				Str("status", change.Status).
				Msg("Ignoring status update for an ended subscription")
			sub.Status = existing.Status
			sub.CancelAtPeriodEnd = existing.CancelAtPeriodEnd
		}
	}
	if err := r.store.UpsertSubscription(ctx, sub); err != nil {
		return err
	}

	log := r.log.With().
		Str("provider", string(sub.Provider)).
		Str("subscription_id", sub.ExternalID).
		Str("status", sub.Status).
		Logger()

	if sub.UserID == "" {
		log.Warn().Msg("Subscription stored without owner, tier left unchanged")
		return nil
	}

	if change.CustomerID != "" {
		if err := r.store.SetCustomerID(ctx, sub.UserID, sub.Provider, change.CustomerID); err != nil && !errors.Is(err, database.ErrUserNotFound) {
			return fmt.Errorf("link customer: %w", err)
		}
	}

	switch {
	case isEntitlingStatus(sub.Status):
		err = r.setTier(ctx, sub.UserID, r.catalog.TierFor(sub.PlanID))
	case isPendingStatus(sub.Status):
		log.Debug().Msg("Subscription pending, tier left unchanged")
	default:
		err = r.setTier(ctx, sub.UserID, database.FreeTier)
	}
	if err != nil {
		return err
	}

	r.notifier.Notify(sub.UserID, NotifySubscriptionUpdated, map[string]interface{}{
		"provider":             sub.Provider,
		"subscription_id":      sub.ExternalID,
		"status":               sub.Status,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"current_period_end":   sub.CurrentPeriodEnd,
	})
	log.Info().Str("user_id", sub.UserID).Msg("Subscription synced")
	return nil
}

// CancelSubscription marks a subscription canceled and moves its owner to the free tier
func (r *Reconciler) CancelSubscription(ctx context.Context, provider database.Provider, externalID, userHint string) error {
	if externalID == "" {
		return fmt.Errorf("%w: subscription id missing", ErrMalformedPayload)
	}

	existing, err := r.existing(ctx, provider, externalID)
	if err != nil {
		return err
	}

	userID := userHint
	sub := &database.Subscription{
		Provider:   provider,
		ExternalID: externalID,
		UserID:     userHint,
		Status:     "canceled",
	}
	if existing != nil {
		sub.PlanID = existing.PlanID
		sub.CurrentPeriodEnd = existing.CurrentPeriodEnd
		if userID == "" {
			userID = existing.UserID
		}
	}
	if err := r.store.UpsertSubscription(ctx, sub); err != nil {
		return err
	}

	if userID == "" {
		return ErrMissingUserID
	}
	if err := r.setTier(ctx, userID, database.FreeTier); err != nil {
		return err
	}

	r.notifier.Notify(userID, NotifySubscriptionUpdated, map[string]interface{}{
		"provider":        provider,
		"subscription_id": externalID,
		"status":          sub.Status,
	})
	r.log.Info().
		Str("provider", string(provider)).
		Str("subscription_id", externalID).
		Str("user_id", userID).
		Msg("Subscription canceled")
	return nil
}

// RecordPayment appends a payment to the ledger once per external id.
// It reports whether the payment was new.
func (r *Reconciler) RecordPayment(ctx context.Context, rec PaymentRecord) (bool, error) {
	if rec.ExternalID == "" {
		return false, fmt.Errorf("%w: payment id missing", ErrMalformedPayload)
	}

	userID := rec.UserID
	if userID == "" && rec.SubscriptionExternalID != "" {
		existing, err := r.existing(ctx, rec.Provider, rec.SubscriptionExternalID)
		if err != nil {
			return false, err
		}
		if existing != nil {
			userID = existing.UserID
		}
	}

	created, err := r.store.InsertPayment(ctx, &database.Payment{
		UserID:                 userID,
		Provider:               rec.Provider,
		ExternalID:             rec.ExternalID,
		SubscriptionExternalID: rec.SubscriptionExternalID,
		Amount:                 rec.Amount,
		Currency:               rec.Currency,
		Status:                 rec.Status,
	})
	if err != nil {
		return false, err
	}
	if !created {
		r.log.Debug().
			Str("provider", string(rec.Provider)).
			Str("payment_id", rec.ExternalID).
			Msg("Payment already recorded")
		return false, nil
	}

	if userID != "" {
		kind := NotifyPaymentSucceeded
		if rec.Status == database.PaymentFailed {
			kind = NotifyPaymentFailed
		}
		r.notifier.Notify(userID, kind, map[string]interface{}{
			"provider":   rec.Provider,
			"payment_id": rec.ExternalID,
			"amount":     rec.Amount,
			"currency":   rec.Currency,
		})
	}

	r.log.Info().
		Str("provider", string(rec.Provider)).
		Str("payment_id", rec.ExternalID).
		Str("user_id", userID).
		Str("status", rec.Status).
		Int64("amount", rec.Amount).
		Str("currency", rec.Currency).
		Msg("Payment recorded")
	return true, nil
}

// IsPermanent reports whether a processing error cannot be fixed by redelivery
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMissingUserID) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrUnknownPlan)
}

func (r *Reconciler) existing(ctx context.Context, provider database.Provider, externalID string) (*database.Subscription, error) {
	sub, err := r.store.GetSubscription(ctx, provider, externalID)
	if errors.Is(err, database.ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	return sub, nil
}

func (r *Reconciler) linkCustomer(ctx context.Context, userID string, provider database.Provider, customerID string) error {
	if customerID == "" {
		return nil
	}
	if err := r.store.SetCustomerID(ctx, userID, provider, customerID); err != nil {
		return fmt.Errorf("link customer: %w", err)
	}
	return nil
}

func (r *Reconciler) setTier(ctx context.Context, userID string, tier database.SubscriptionTier) error {
	profile, err := r.store.GetUserProfile(ctx, userID)
	if err != nil {
		return err
	}
	if profile.SubscriptionTier == tier {
		return nil
	}
	if err := r.store.UpdateSubscriptionTier(ctx, userID, tier); err != nil {
		return err
	}

	direction := "downgrade"
	if Rank(tier) > Rank(profile.SubscriptionTier) {
		direction = "upgrade"
	}
	r.notifier.Notify(userID, NotifyTierChanged, map[string]interface{}{
		"tier":          tier,
		"previous_tier": profile.SubscriptionTier,
		"direction":     direction,
	})
	r.log.Info().
		Str("user_id", userID).
		Str("tier", string(tier)).
		Str("previous_tier", string(profile.SubscriptionTier)).
		Msg("Subscription tier updated")
	return nil
}
