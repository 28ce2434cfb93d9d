package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProfile(t *testing.T, s Store, id string) {
	t.Helper()
	require.NoError(t, s.UpsertUserProfile(context.Background(), &UserProfile{
		ID:    id,
		Email: id + "@example.com",
	}))
}

func TestSQLiteUserProfile(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	_, err := s.GetUserProfile(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)

	seedProfile(t, s, "user-1")
	p, err := s.GetUserProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, FreeTier, p.SubscriptionTier)
	assert.Equal(t, "user-1@example.com", p.Email)

	require.NoError(t, s.UpdateSubscriptionTier(ctx, "user-1", ProTier))
	require.NoError(t, s.SetCustomerID(ctx, "user-1", ProviderStripe, "cus_123"))
	require.NoError(t, s.SetCustomerID(ctx, "user-1", ProviderPaddle, "9001"))

	p, err = s.GetUserProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, ProTier, p.SubscriptionTier)
	assert.Equal(t, "cus_123", p.CustomerID(ProviderStripe))
	assert.Equal(t, "9001", p.CustomerID(ProviderPaddle))

	// Upserting without customer ids keeps the stored ones.
	require.NoError(t, s.UpsertUserProfile(ctx, &UserProfile{ID: "user-1", Email: "new@example.com", SubscriptionTier: ProTier}))
	p, err = s.GetUserProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", p.Email)
	assert.Equal(t, "cus_123", p.StripeCustomerID)
}

func TestSQLiteUpdateMissingUser(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.UpdateSubscriptionTier(ctx, "ghost", ProTier), ErrUserNotFound)
	assert.ErrorIs(t, s.SetCustomerID(ctx, "ghost", ProviderStripe, "cus_1"), ErrUserNotFound)
	assert.Error(t, s.SetCustomerID(ctx, "ghost", Provider("square"), "x"))
}

func TestSQLiteUpsertSubscriptionIsIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	periodEnd := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	sub := &Subscription{
		UserID:           "user-1",
		Provider:         ProviderPaddle,
		ExternalID:       "sub_42",
		PlanID:           "pro",
		Status:           "active",
		CurrentPeriodEnd: &periodEnd,
		UpdateURL:        "https://paddle.example/update",
	}
	require.NoError(t, s.UpsertSubscription(ctx, sub))
	first, err := s.GetSubscription(ctx, ProviderPaddle, "sub_42")
	require.NoError(t, err)

	// Same notification twice: one row, same id.
	require.NoError(t, s.UpsertSubscription(ctx, sub))
	second, err := s.GetSubscription(ctx, ProviderPaddle, "sub_42")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "active", second.Status)
	require.NotNil(t, second.CurrentPeriodEnd)
	assert.True(t, periodEnd.Equal(*second.CurrentPeriodEnd))

	// A later update without user, plan or urls keeps them.
	require.NoError(t, s.UpsertSubscription(ctx, &Subscription{
		Provider:          ProviderPaddle,
		ExternalID:        "sub_42",
		Status:            "past_due",
		CancelAtPeriodEnd: true,
	}))
	third, err := s.GetSubscription(ctx, ProviderPaddle, "sub_42")
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, "user-1", third.UserID)
	assert.Equal(t, "pro", third.PlanID)
	assert.Equal(t, "past_due", third.Status)
	assert.True(t, third.CancelAtPeriodEnd)
	assert.Equal(t, "https://paddle.example/update", third.UpdateURL)
	require.NotNil(t, third.CurrentPeriodEnd)

	_, err = s.GetSubscription(ctx, ProviderStripe, "sub_42")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestSQLiteCanceledSubscriptionStaysCanceled(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSubscription(ctx, &Subscription{
		UserID: "user-1", Provider: ProviderStripe, ExternalID: "sub_7", Status: "canceled",
	}))
	require.NoError(t, s.UpsertSubscription(ctx, &Subscription{
		Provider: ProviderStripe, ExternalID: "sub_7", Status: "active",
	}))

	sub, err := s.GetSubscription(ctx, ProviderStripe, "sub_7")
	require.NoError(t, err)
	assert.Equal(t, "canceled", sub.Status)
	assert.Equal(t, "user-1", sub.UserID)
}

func TestSQLiteLatestSubscriptionForUser(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	_, err := s.LatestSubscriptionForUser(ctx, "user-1", ProviderPaddle)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	require.NoError(t, s.UpsertSubscription(ctx, &Subscription{
		UserID: "user-1", Provider: ProviderPaddle, ExternalID: "old", Status: "deleted",
	}))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.UpsertSubscription(ctx, &Subscription{
		UserID: "user-1", Provider: ProviderPaddle, ExternalID: "new", Status: "active",
	}))

	latest, err := s.LatestSubscriptionForUser(ctx, "user-1", ProviderPaddle)
	require.NoError(t, err)
	assert.Equal(t, "new", latest.ExternalID)
}

func TestSQLiteInsertPaymentOnce(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	p := &Payment{
		UserID:     "user-1",
		Provider:   ProviderStripe,
		ExternalID: "in_1",
		Amount:     1999,
		Currency:   "usd",
		Status:     PaymentSucceeded,
	}
	created, err := s.InsertPayment(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *p
	dup.ID = ""
	created, err = s.InsertPayment(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM payments`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSQLiteWebhookLedger(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	ok, err := s.ClaimWebhookEvent(ctx, ProviderStripe, "evt_1", "invoice.payment_succeeded")
	require.NoError(t, err)
	assert.True(t, ok)

	// Failed deliveries are handed out again.
	require.NoError(t, s.FinishWebhookEvent(ctx, ProviderStripe, "evt_1", errors.New("store down")))
	ok, err = s.ClaimWebhookEvent(ctx, ProviderStripe, "evt_1", "invoice.payment_succeeded")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.FinishWebhookEvent(ctx, ProviderStripe, "evt_1", nil))
	ok, err = s.ClaimWebhookEvent(ctx, ProviderStripe, "evt_1", "invoice.payment_succeeded")
	require.NoError(t, err)
	assert.False(t, ok)

	// Same id from another provider is a different event.
	ok, err = s.ClaimWebhookEvent(ctx, ProviderPaddle, "evt_1", "subscription_created")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.PurgeWebhookEvents(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.PurgeWebhookEvents(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPostgresStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	s, err := NewPostgres(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	userID := "user_" + uuid.New().String()[:8]
	seedProfile(t, s, userID)
	require.NoError(t, s.UpdateSubscriptionTier(ctx, userID, EnterpriseTier))

	p, err := s.GetUserProfile(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, EnterpriseTier, p.SubscriptionTier)

	extID := "sub_" + uuid.New().String()[:8]
	sub := &Subscription{UserID: userID, Provider: ProviderStripe, ExternalID: extID, PlanID: "pro", Status: "active"}
	require.NoError(t, s.UpsertSubscription(ctx, sub))
	require.NoError(t, s.UpsertSubscription(ctx, sub))
	got, err := s.GetSubscription(ctx, ProviderStripe, extID)
	require.NoError(t, err)
	assert.Equal(t, userID, got.UserID)
}
