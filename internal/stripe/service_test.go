package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/brandon/cotex-billing/internal/billing"
	"github.com/brandon/cotex-billing/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"
)

const testSecret = "whsec_test_secret"

// fakeAPI records every SDK call instead of reaching Stripe
type fakeAPI struct {
	mu              sync.Mutex
	existing        *stripe.Customer
	created         []*stripe.CustomerParams
	checkoutCalls   []*stripe.CheckoutSessionParams
	portalCalls     []*stripe.BillingPortalSessionParams
	checkoutErr     error
	lookedUpByEmail []string
}

func (f *fakeAPI) FindCustomerByEmail(_ context.Context, email string) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookedUpByEmail = append(f.lookedUpByEmail, email)
	return f.existing, nil
}

func (f *fakeAPI) CreateCustomer(_ context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, params)
	return &stripe.Customer{ID: "cus_new"}, nil
}

func (f *fakeAPI) CreateCheckoutSession(_ context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkoutCalls = append(f.checkoutCalls, params)
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	return &stripe.CheckoutSession{ID: "cs_test_123", URL: "https://checkout.stripe.com/c/pay/cs_test_123"}, nil
}

func (f *fakeAPI) CreatePortalSession(_ context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portalCalls = append(f.portalCalls, params)
	return &stripe.BillingPortalSession{ID: "bps_1", URL: "https://billing.stripe.com/p/session/bps_1"}, nil
}

type fixture struct {
	svc   *Service
	api   *fakeAPI
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
		billing.Plan{ID: "pro", Name: "Pro", Tier: database.ProTier, StripePriceID: "price_pro_123"},
		billing.Plan{ID: "enterprise", Name: "Enterprise", Tier: database.EnterpriseTier, StripePriceID: "price_ent_456"},
	)
	api := &fakeAPI{}
	rec := billing.NewReconciler(store, catalog, nil)
	return &fixture{
		svc:   NewService(api, store, rec, testSecret, "https://app.example.com"),
		api:   api,
		store: store,
	}
}

// sign builds a Stripe-Signature header the way Stripe does: t=<ts>,v1=<hmac(ts.payload)>
func sign(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func signedHeader(payload []byte) http.Header {
	h := http.Header{}
	h.Set(SignatureHeader, sign(payload, testSecret, time.Now()))
	return h
}

func eventJSON(id, typ, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"api_version":"2024-04-10","data":{"object":%s}}`, id, typ, object))
}

func (f *fixture) tier(t *testing.T) database.SubscriptionTier {
	t.Helper()
	p, err := f.store.GetUserProfile(context.Background(), "user123")
	require.NoError(t, err)
	return p.SubscriptionTier
}

func TestCreateCheckoutSessionForPro(t *testing.T) {
	f := newFixture(t)

	sess, err := f.svc.CreateCheckoutSession(context.Background(), "pro", "user123")
	require.NoError(t, err)
	assert.Equal(t, "cs_test_123", sess.ID)
	assert.NotEmpty(t, sess.URL)

	require.Len(t, f.api.checkoutCalls, 1)
	params := f.api.checkoutCalls[0]
	require.Len(t, params.LineItems, 1)
	assert.Equal(t, "price_pro_123", *params.LineItems[0].Price)
	assert.Equal(t, int64(1), *params.LineItems[0].Quantity)
	assert.Equal(t, "subscription", *params.Mode)
	assert.Equal(t, "user123", params.Metadata["user_id"])
	assert.Equal(t, "pro", params.SubscriptionData.Metadata["plan_id"])
	assert.Equal(t, "cus_new", *params.Customer)

	// The stored email was used for the customer lookup and creation.
	assert.Equal(t, []string{"test@example.com"}, f.api.lookedUpByEmail)
	require.Len(t, f.api.created, 1)
	assert.Equal(t, "test@example.com", *f.api.created[0].Email)

	// The new customer id is remembered for the next checkout.
	p, err := f.store.GetUserProfile(context.Background(), "user123")
	require.NoError(t, err)
	assert.Equal(t, "cus_new", p.StripeCustomerID)
}

func TestCreateCheckoutSessionReusesExistingCustomer(t *testing.T) {
	f := newFixture(t)
	f.api.existing = &stripe.Customer{ID: "cus_found"}

	_, err := f.svc.CreateCheckoutSession(context.Background(), "enterprise", "user123")
	require.NoError(t, err)
	assert.Empty(t, f.api.created)
	assert.Equal(t, "cus_found", *f.api.checkoutCalls[0].Customer)
	assert.Equal(t, "price_ent_456", *f.api.checkoutCalls[0].LineItems[0].Price)
}

func TestCreateCheckoutSessionErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateCheckoutSession(ctx, "platinum", "user123")
	assert.ErrorIs(t, err, billing.ErrUnknownPlan)

	_, err = f.svc.CreateCheckoutSession(ctx, "pro", "ghost")
	assert.ErrorIs(t, err, database.ErrUserNotFound)

	f.api.checkoutErr = errors.New("stripe is down")
	_, err = f.svc.CreateCheckoutSession(ctx, "pro", "user123")
	var upstream *billing.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "stripe", upstream.Provider)
}

func TestCreatePortalSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreatePortalSession(ctx, "user123")
	assert.ErrorIs(t, err, billing.ErrNoCustomer)

	require.NoError(t, f.store.SetCustomerID(ctx, "user123", database.ProviderStripe, "cus_1"))
	sess, err := f.svc.CreatePortalSession(ctx, "user123")
	require.NoError(t, err)
	assert.Contains(t, sess.URL, "billing.stripe.com")
	require.Len(t, f.api.portalCalls, 1)
	assert.Equal(t, "cus_1", *f.api.portalCalls[0].Customer)
	assert.Equal(t, "https://app.example.com/dashboard", *f.api.portalCalls[0].ReturnURL)
}

func TestVerifierRejectsTamperedPayload(t *testing.T) {
	v := NewVerifier(testSecret)
	payload := eventJSON("evt_1", "customer.subscription.deleted", `{"id":"sub_1","object":"subscription"}`)
	header := sign(payload, testSecret, time.Now())

	_, err := v.Verify(payload, header)
	require.NoError(t, err)

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-3] = 'X'
	_, err = v.Verify(tampered, header)
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)

	_, err = v.Verify(payload, sign(payload, "whsec_other", time.Now()))
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)

	_, err = v.Verify(payload, "")
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)

	_, err = v.Verify(payload, sign(payload, testSecret, time.Now().Add(-time.Hour)))
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)

	// Correctly signed garbage is a decode failure, not a signature failure.
	garbage := []byte("not json")
	_, err = v.Verify(garbage, sign(garbage, testSecret, time.Now()))
	assert.ErrorIs(t, err, billing.ErrMalformedPayload)
	assert.NotErrorIs(t, err, billing.ErrInvalidSignature)
}

func TestWebhookCheckoutCompletedUpgrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := eventJSON("evt_cs", "checkout.session.completed", `{
		"id":"cs_1","object":"checkout.session","payment_status":"paid",
		"customer":"cus_9","subscription":"sub_9",
		"metadata":{"user_id":"user123","plan_id":"enterprise"}}`)
	require.NoError(t, f.svc.HandleWebhook(ctx, payload, signedHeader(payload)))
	assert.Equal(t, database.EnterpriseTier, f.tier(t))

	sub, err := f.store.GetSubscription(ctx, database.ProviderStripe, "sub_9")
	require.NoError(t, err)
	assert.Equal(t, "user123", sub.UserID)

	p, err := f.store.GetUserProfile(ctx, "user123")
	require.NoError(t, err)
	assert.Equal(t, "cus_9", p.StripeCustomerID)
}

func TestWebhookCheckoutPendingPaymentWaits(t *testing.T) {
	f := newFixture(t)
	payload := eventJSON("evt_pending", "checkout.session.completed", `{
		"id":"cs_2","object":"checkout.session","payment_status":"unpaid",
		"metadata":{"user_id":"user123","plan_id":"pro"}}`)
	require.NoError(t, f.svc.HandleWebhook(context.Background(), payload, signedHeader(payload)))
	assert.Equal(t, database.FreeTier, f.tier(t))
}

func TestWebhookSubscriptionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := eventJSON("evt_created", "customer.subscription.created", `{
		"id":"sub_1","object":"subscription","status":"active","customer":"cus_1",
		"current_period_end":1893456000,"cancel_at_period_end":false,
		"metadata":{"user_id":"user123"},
		"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","price":{"id":"price_pro_123","object":"price"}}]}}`)
	require.NoError(t, f.svc.HandleWebhook(ctx, created, signedHeader(created)))
	require.NoError(t, f.svc.HandleWebhook(ctx, created, signedHeader(created)))
	assert.Equal(t, database.ProTier, f.tier(t))

	sub, err := f.store.GetSubscription(ctx, database.ProviderStripe, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "pro", sub.PlanID)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, int64(1893456000), sub.CurrentPeriodEnd.Unix())

	// Deleted events carry no user metadata here; the stored owner is used.
	deleted := eventJSON("evt_deleted", "customer.subscription.deleted", `{
		"id":"sub_1","object":"subscription","status":"canceled","customer":"cus_1"}`)
	require.NoError(t, f.svc.HandleWebhook(ctx, deleted, signedHeader(deleted)))
	assert.Equal(t, database.FreeTier, f.tier(t))
}

func TestWebhookInvoiceRecordsPaymentOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertSubscription(ctx, &database.Subscription{
		UserID: "user123", Provider: database.ProviderStripe, ExternalID: "sub_1", Status: "active",
	}))

	payload := eventJSON("evt_inv", "invoice.payment_succeeded", `{
		"id":"in_1","object":"invoice","subscription":"sub_1","charge":"ch_1",
		"amount_paid":1999,"amount_due":1999,"currency":"usd"}`)
	require.NoError(t, f.svc.HandleWebhook(ctx, payload, signedHeader(payload)))

	// Stripe redelivers with a different event id for the same charge.
	again := eventJSON("evt_inv_retry", "invoice.payment_succeeded", `{
		"id":"in_1","object":"invoice","subscription":"sub_1","charge":"ch_1",
		"amount_paid":1999,"amount_due":1999,"currency":"usd"}`)
	require.NoError(t, f.svc.HandleWebhook(ctx, again, signedHeader(again)))

	created, err := f.store.InsertPayment(ctx, &database.Payment{
		Provider: database.ProviderStripe, ExternalID: "ch_1", Amount: 1, Currency: "usd", Status: database.PaymentSucceeded,
	})
	require.NoError(t, err)
	assert.False(t, created, "payment ch_1 should already be recorded")
}

func TestWebhookUnknownTypeIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	payload := eventJSON("evt_x", "customer.tax_id.created", `{"id":"txi_1","object":"tax_id"}`)
	assert.NoError(t, f.svc.HandleWebhook(context.Background(), payload, signedHeader(payload)))
	assert.Equal(t, database.FreeTier, f.tier(t))
}

func TestWebhookMissingUserIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	payload := eventJSON("evt_nouser", "checkout.session.completed", `{
		"id":"cs_3","object":"checkout.session","payment_status":"paid","metadata":{}}`)
	assert.NoError(t, f.svc.HandleWebhook(context.Background(), payload, signedHeader(payload)))
}

func TestWebhookTamperedSignatureDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	payload := eventJSON("evt_evil", "checkout.session.completed", `{
		"id":"cs_4","object":"checkout.session","payment_status":"paid",
		"metadata":{"user_id":"user123","plan_id":"enterprise"}}`)
	header := http.Header{}
	header.Set(SignatureHeader, sign(payload, "whsec_attacker", time.Now()))

	err := f.svc.HandleWebhook(context.Background(), payload, header)
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	assert.Equal(t, database.FreeTier, f.tier(t))

	ok, err := f.store.ClaimWebhookEvent(context.Background(), database.ProviderStripe, "evt_evil", "x")
	require.NoError(t, err)
	assert.True(t, ok, "rejected deliveries never reach the ledger")
}
