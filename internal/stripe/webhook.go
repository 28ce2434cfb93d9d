package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brandon/cotex-billing/internal/billing"
	"github.com/brandon/cotex-billing/internal/database"
	"github.com/brandon/cotex-billing/internal/logger"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// SignatureHeader carries the Stripe webhook signature
const SignatureHeader = "Stripe-Signature"

// Verifier checks Stripe webhook signatures over the raw request body
type Verifier struct {
	secret string
}

// NewVerifier creates a verifier for the endpoint's signing secret
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// Verify validates the signature and decodes the event. The payload must be
// the body exactly as received.
func (v *Verifier) Verify(payload []byte, signature string) (stripe.Event, error) {
	if signature == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing %s header", billing.ErrInvalidSignature, SignatureHeader)
	}
	// Checked on its own first so a bad signature is never reported as a
	// decode error; ConstructEventWithOptions verifies it again.
	if err := webhook.ValidatePayloadWithTolerance(payload, signature, v.secret, webhook.DefaultTolerance); err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", billing.ErrInvalidSignature, err)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", billing.ErrMalformedPayload, err)
	}
	return event, nil
}

// HandleWebhook verifies and applies one Stripe webhook delivery. Errors that
// redelivery cannot fix are logged and swallowed so Stripe stops retrying.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, header http.Header) error {
	event, err := s.verifier.Verify(payload, header.Get(SignatureHeader))
	if err != nil {
		s.log.Warn().Err(err).Msg("Rejected Stripe webhook")
		return err
	}

	log := logger.WithEvent(s.Name(), event.ID, string(event.Type))
	log.Info().Msg("Processing Stripe webhook event")

	if !s.reconciler.ClaimEvent(ctx, database.ProviderStripe, event.ID, string(event.Type)) {
		log.Info().Msg("Event already processed, acknowledging")
		return nil
	}

	err = s.dispatch(ctx, event, log)
	s.reconciler.FinishEvent(ctx, database.ProviderStripe, event.ID, err)
	if err != nil && billing.IsPermanent(err) {
		log.Warn().Err(err).Msg("Event cannot be applied, acknowledging")
		return nil
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to process Stripe webhook event")
	}
	return err
}

func (s *Service) dispatch(ctx context.Context, event stripe.Event, log zerolog.Logger) error {
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		return s.handleCheckoutSessionCompleted(ctx, event, log)
	case "checkout.session.async_payment_failed":
		return s.handleCheckoutSessionAsyncPaymentFailed(ctx, event, log)
	case "checkout.session.expired":
		return s.handleCheckoutSessionExpired(event, log)
	case "customer.subscription.created", "customer.subscription.updated":
		return s.handleSubscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded":
		return s.handleInvoice(ctx, event, database.PaymentSucceeded)
	case "invoice.payment_failed":
		return s.handleInvoice(ctx, event, database.PaymentFailed)
	default:
		log.Info().Msg("Unhandled event type")
	}
	return nil
}

func decode(event stripe.Event, v interface{}) error {
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrMalformedPayload, err)
	}
	return nil
}

// handleCheckoutSessionCompleted upgrades the user once the session is paid
func (s *Service) handleCheckoutSessionCompleted(ctx context.Context, event stripe.Event, log zerolog.Logger) error {
	var cs stripe.CheckoutSession
	if err := decode(event, &cs); err != nil {
		return err
	}

	userID := firstNonEmpty(cs.Metadata["user_id"], cs.ClientReferenceID)
	if userID == "" {
		return fmt.Errorf("%w: no user_id in session %s metadata", billing.ErrMissingUserID, cs.ID)
	}

	// Delayed payment methods settle later with async_payment_succeeded.
	if cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		log.Info().
			Str("user_id", userID).
			Str("session_id", cs.ID).
			Msg("Checkout completed with payment pending")
		return nil
	}

	res := billing.CheckoutResult{
		Provider: database.ProviderStripe,
		UserID:   userID,
		PlanID:   cs.Metadata["plan_id"],
	}
	if cs.Customer != nil {
		res.CustomerID = cs.Customer.ID
	}
	if cs.Subscription != nil {
		res.SubscriptionID = cs.Subscription.ID
		res.Status = string(cs.Subscription.Status)
	}
	return s.reconciler.CompleteCheckout(ctx, res)
}

// handleCheckoutSessionAsyncPaymentFailed downgrades the user whose delayed payment failed
func (s *Service) handleCheckoutSessionAsyncPaymentFailed(ctx context.Context, event stripe.Event, log zerolog.Logger) error {
	var cs stripe.CheckoutSession
	if err := decode(event, &cs); err != nil {
		return err
	}

	userID := firstNonEmpty(cs.Metadata["user_id"], cs.ClientReferenceID)
	if userID == "" {
		return fmt.Errorf("%w: no user_id in session %s metadata", billing.ErrMissingUserID, cs.ID)
	}

	log.Info().Str("user_id", userID).Str("session_id", cs.ID).Msg("Async payment failed")
	return s.reconciler.FailCheckout(ctx, database.ProviderStripe, userID)
}

// handleCheckoutSessionExpired only logs; the user never paid
func (s *Service) handleCheckoutSessionExpired(event stripe.Event, log zerolog.Logger) error {
	var cs stripe.CheckoutSession
	if err := decode(event, &cs); err != nil {
		return err
	}
	log.Info().
		Str("user_id", cs.Metadata["user_id"]).
		Str("session_id", cs.ID).
		Msg("Checkout session expired - no action taken")
	return nil
}

// handleSubscriptionChanged upserts the subscription and derives the tier from its status
func (s *Service) handleSubscriptionChanged(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := decode(event, &sub); err != nil {
		return err
	}

	change := billing.SubscriptionChange{
		Provider:          database.ProviderStripe,
		ExternalID:        sub.ID,
		UserID:            sub.Metadata["user_id"],
		PlanID:            sub.Metadata["plan_id"],
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if change.PlanID == "" {
		if plan, ok := s.reconciler.Catalog().ByStripePrice(firstPriceID(&sub)); ok {
			change.PlanID = plan.ID
		}
	}
	if sub.Customer != nil {
		change.CustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		change.CurrentPeriodEnd = &end
	}
	return s.reconciler.SyncSubscription(ctx, change)
}

// handleSubscriptionDeleted moves the owner to the free tier
func (s *Service) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := decode(event, &sub); err != nil {
		return err
	}
	return s.reconciler.CancelSubscription(ctx, database.ProviderStripe, sub.ID, sub.Metadata["user_id"])
}

// handleInvoice records one payment attempt in the ledger
func (s *Service) handleInvoice(ctx context.Context, event stripe.Event, status string) error {
	var inv stripe.Invoice
	if err := decode(event, &inv); err != nil {
		return err
	}

	rec := billing.PaymentRecord{
		Provider:   database.ProviderStripe,
		ExternalID: paymentID(&inv, status),
		Amount:     inv.AmountPaid,
		Currency:   string(inv.Currency),
		Status:     status,
	}
	if status == database.PaymentFailed {
		rec.Amount = inv.AmountDue
	}
	if inv.Subscription != nil {
		rec.SubscriptionExternalID = inv.Subscription.ID
		if inv.Subscription.Metadata != nil {
			rec.UserID = inv.Subscription.Metadata["user_id"]
		}
	}

	_, err := s.reconciler.RecordPayment(ctx, rec)
	return err
}

// paymentID prefers the charge id so every attempt on an invoice is its own row
func paymentID(inv *stripe.Invoice, status string) string {
	if inv.Charge != nil && inv.Charge.ID != "" {
		return inv.Charge.ID
	}
	if inv.ID == "" {
		return ""
	}
	return inv.ID + ":" + status
}

func firstPriceID(sub *stripe.Subscription) string {
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil {
			return item.Price.ID
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
