package paddle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/brandon/cotex-billing/internal/billing"
	"github.com/brandon/cotex-billing/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "paddle_secret"

type fakePayLinker struct {
	requests []PayLinkRequest
	err      error
}

func (f *fakePayLinker) GeneratePayLink(_ context.Context, req PayLinkRequest) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return "https://pay.paddle.com/checkout/custom/link_1", nil
}

type fixture struct {
	svc   *Service
	links *fakePayLinker
	store *database.SQLStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := database.NewSQLite(filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.UpsertUserProfile(context.Background(), &database.UserProfile{
		ID:    "user123",
		Email: "test@example.com",
	}))

	catalog := billing.NewCatalog(
		billing.Plan{ID: "pro", Name: "Pro", Tier: database.ProTier, StripePriceID: "price_pro_123", PaddleProductID: "5001"},
		billing.Plan{ID: "enterprise", Name: "Enterprise", Tier: database.EnterpriseTier, PaddleProductID: "5002"},
	)
	links := &fakePayLinker{}
	rec := billing.NewReconciler(store, catalog, nil)
	return &fixture{
		svc:   NewService(links, store, rec, testSecret, "https://app.example.com"),
		links: links,
		store: store,
	}
}

func (f *fixture) deliver(t *testing.T, form url.Values) error {
	t.Helper()
	body := []byte(form.Encode())
	h := http.Header{}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	h.Set(SignatureHeader, NewVerifier(testSecret).Sign(body))
	return f.svc.HandleWebhook(context.Background(), body, h)
}

func (f *fixture) tier(t *testing.T) database.SubscriptionTier {
	t.Helper()
	p, err := f.store.GetUserProfile(context.Background(), "user123")
	require.NoError(t, err)
	return p.SubscriptionTier
}

func passthrough(userID, planID string) string {
	b, _ := json.Marshal(Passthrough{UserID: userID, PlanID: planID})
	return string(b)
}

func subscriptionCreated(alertID string) url.Values {
	form := url.Values{}
	form.Set("alert_name", "subscription_created")
	form.Set("alert_id", alertID)
	form.Set("subscription_id", "777")
	form.Set("subscription_plan_id", "5002")
	form.Set("user_id", "9001")
	form.Set("status", "active")
	form.Set("next_bill_date", "2030-01-01")
	form.Set("update_url", "https://checkout.paddle.com/subscription/update?id=777")
	form.Set("cancel_url", "https://checkout.paddle.com/subscription/cancel?id=777")
	form.Set("passthrough", passthrough("user123", ""))
	return form
}

func TestCreateCheckoutSession(t *testing.T) {
	f := newFixture(t)

	sess, err := f.svc.CreateCheckoutSession(context.Background(), "pro", "user123")
	require.NoError(t, err)
	assert.Equal(t, "link_1", sess.ID)
	assert.Equal(t, "https://pay.paddle.com/checkout/custom/link_1", sess.URL)

	require.Len(t, f.links.requests, 1)
	req := f.links.requests[0]
	assert.Equal(t, "5001", req.ProductID)
	assert.Equal(t, "test@example.com", req.CustomerEmail)
	assert.JSONEq(t, `{"user_id":"user123","plan_id":"pro"}`, req.Passthrough)
}

func TestCreateCheckoutSessionErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateCheckoutSession(ctx, "platinum", "user123")
	assert.ErrorIs(t, err, billing.ErrUnknownPlan)

	_, err = f.svc.CreateCheckoutSession(ctx, "pro", "ghost")
	assert.ErrorIs(t, err, database.ErrUserNotFound)

	f.links.err = errors.New("vendor api down")
	_, err = f.svc.CreateCheckoutSession(ctx, "pro", "user123")
	var upstream *billing.UpstreamError
	assert.ErrorAs(t, err, &upstream)
}

func TestCreatePortalSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreatePortalSession(ctx, "user123")
	assert.ErrorIs(t, err, billing.ErrNoCustomer)

	_, err = f.svc.CreatePortalSession(ctx, "ghost")
	assert.ErrorIs(t, err, database.ErrUserNotFound)

	require.NoError(t, f.deliver(t, subscriptionCreated("1")))
	sess, err := f.svc.CreatePortalSession(ctx, "user123")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.paddle.com/subscription/update?id=777", sess.URL)
}

func TestSubscriptionCreatedTwiceKeepsOneRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Distinct alert ids bypass the ledger so the upsert itself is exercised.
	require.NoError(t, f.deliver(t, subscriptionCreated("1")))
	require.NoError(t, f.deliver(t, subscriptionCreated("2")))

	sub, err := f.store.GetSubscription(ctx, database.ProviderPaddle, "777")
	require.NoError(t, err)
	assert.Equal(t, "user123", sub.UserID)
	assert.Equal(t, "enterprise", sub.PlanID)
	assert.Equal(t, database.EnterpriseTier, f.tier(t))

	p, err := f.store.GetUserProfile(ctx, "user123")
	require.NoError(t, err)
	assert.Equal(t, "9001", p.PaddleCustomerID)
}

func TestSubscriptionCancelledSetsFree(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.deliver(t, subscriptionCreated("1")))
	require.Equal(t, database.EnterpriseTier, f.tier(t))

	form := url.Values{}
	form.Set("alert_name", "subscription_cancelled")
	form.Set("alert_id", "3")
	form.Set("subscription_id", "777")
	form.Set("status", "deleted")
	require.NoError(t, f.deliver(t, form))

	assert.Equal(t, database.FreeTier, f.tier(t))
	sub, err := f.store.GetSubscription(context.Background(), database.ProviderPaddle, "777")
	require.NoError(t, err)
	assert.Equal(t, "canceled", sub.Status)
}

func TestPendingCancellationKeepsTier(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.deliver(t, subscriptionCreated("1")))

	form := subscriptionCreated("4")
	form.Set("alert_name", "subscription_updated")
	form.Set("cancellation_effective_date", "2030-01-01")
	require.NoError(t, f.deliver(t, form))

	assert.Equal(t, database.EnterpriseTier, f.tier(t))
	sub, err := f.store.GetSubscription(context.Background(), database.ProviderPaddle, "777")
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
}

func TestSubscriptionPaymentsAreRecordedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.deliver(t, subscriptionCreated("1")))

	form := url.Values{}
	form.Set("alert_name", "subscription_payment_failed")
	form.Set("alert_id", "10")
	form.Set("subscription_id", "777")
	form.Set("subscription_payment_id", "pay_1")
	form.Set("attempt_number", "1")
	form.Set("amount", "49.00")
	form.Set("currency", "USD")
	form.Set("status", "past_due")
	require.NoError(t, f.deliver(t, form))
	form.Set("alert_id", "11")
	require.NoError(t, f.deliver(t, form))

	created, err := f.store.InsertPayment(ctx, &database.Payment{
		Provider: database.ProviderPaddle, ExternalID: "pay_1:1", Amount: 1, Currency: "usd", Status: database.PaymentFailed,
	})
	require.NoError(t, err)
	assert.False(t, created)

	sub, err := f.store.GetSubscription(ctx, database.ProviderPaddle, "777")
	require.NoError(t, err)
	assert.Equal(t, "past_due", sub.Status)
	assert.Equal(t, database.EnterpriseTier, f.tier(t))
}

func TestTamperedAlertDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	body := []byte(subscriptionCreated("1").Encode())
	h := http.Header{}
	h.Set(SignatureHeader, NewVerifier("attacker").Sign(body))

	err := f.svc.HandleWebhook(context.Background(), body, h)
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	assert.Equal(t, database.FreeTier, f.tier(t))
	_, err = f.store.GetSubscription(context.Background(), database.ProviderPaddle, "777")
	assert.ErrorIs(t, err, database.ErrSubscriptionNotFound)
}

func TestUnknownAlertIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	form := url.Values{}
	form.Set("alert_name", "high_risk_transaction_created")
	form.Set("alert_id", "50")
	assert.NoError(t, f.deliver(t, form))
	assert.Equal(t, database.FreeTier, f.tier(t))
}

func TestClientGeneratePayLink(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/2.0/product/generate_pay_link", r.URL.Path)
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		_, _ = w.Write([]byte(`{"success":true,"response":{"url":"https://pay.paddle.com/checkout/custom/xyz"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/", "123", "auth")
	link, err := c.GeneratePayLink(context.Background(), PayLinkRequest{
		ProductID:     "5001",
		CustomerEmail: "test@example.com",
		Passthrough:   `{"user_id":"user123"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://pay.paddle.com/checkout/custom/xyz", link)
	assert.Equal(t, "123", got.Get("vendor_id"))
	assert.Equal(t, "auth", got.Get("vendor_auth_code"))
	assert.Equal(t, "5001", got.Get("product_id"))
	assert.Equal(t, "test@example.com", got.Get("customer_email"))
}

func TestClientGeneratePayLinkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":107,"message":"You don't have permission to access this resource"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "123", "bad").GeneratePayLink(context.Background(), PayLinkRequest{ProductID: "5001"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "107")
}
