// Package stripe creates Stripe checkout and portal sessions and applies Stripe webhook events
package stripe

import (
	"context"
	"fmt"

	"github.com/brandon/cotex-billing/internal/billing"
	"github.com/brandon/cotex-billing/internal/database"
	"github.com/brandon/cotex-billing/internal/logger"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v78"
)

// Service handles Stripe operations
type Service struct {
	api        API
	db         database.Store
	reconciler *billing.Reconciler
	verifier   *Verifier
	siteURL    string
	log        zerolog.Logger
}

// NewService creates a new Stripe service
func NewService(api API, db database.Store, reconciler *billing.Reconciler, webhookSecret, siteURL string) *Service {
	return &Service{
		api:        api,
		db:         db,
		reconciler: reconciler,
		verifier:   NewVerifier(webhookSecret),
		siteURL:    siteURL,
		log:        logger.Logger(map[string]interface{}{"component": "stripe"}),
	}
}

// Name identifies the provider in logs, metrics and routes
func (s *Service) Name() string {
	return string(database.ProviderStripe)
}

// CreateCheckoutSession creates a subscription checkout session for planID
func (s *Service) CreateCheckoutSession(ctx context.Context, planID, userID string) (*billing.Session, error) {
	priceID, err := s.reconciler.Catalog().StripePrice(planID)
	if err != nil {
		return nil, err
	}

	profile, err := s.db.GetUserProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	customerID, err := s.getOrCreateCustomer(ctx, profile)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to get or create Stripe customer")
		return nil, &billing.UpstreamError{Provider: s.Name(), Op: "customer", Err: err}
	}

	metadata := map[string]string{
		"user_id": userID,
		"plan_id": planID,
	}
	params := &stripe.CheckoutSessionParams{
		Customer:          stripe.String(customerID),
		ClientReferenceID: stripe.String(userID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(s.siteURL + "/dashboard?checkout=success&session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(s.siteURL + "/pricing?checkout=canceled"),
		Metadata:   metadata,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}

	cs, err := s.api.CreateCheckoutSession(ctx, params)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to create checkout session")
		return nil, &billing.UpstreamError{Provider: s.Name(), Op: "checkout", Err: err}
	}

	s.log.Info().
		Str("user_id", userID).
		Str("plan_id", planID).
		Str("session_id", cs.ID).
		Msg("Created checkout session")

	return &billing.Session{ID: cs.ID, URL: cs.URL}, nil
}

// CreatePortalSession opens the Stripe billing portal for a user with a stored customer
func (s *Service) CreatePortalSession(ctx context.Context, userID string) (*billing.Session, error) {
	profile, err := s.db.GetUserProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile.StripeCustomerID == "" {
		return nil, billing.ErrNoCustomer
	}

	ps, err := s.api.CreatePortalSession(ctx, &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(profile.StripeCustomerID),
		ReturnURL: stripe.String(s.siteURL + "/dashboard"),
	})
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to create portal session")
		return nil, &billing.UpstreamError{Provider: s.Name(), Op: "portal", Err: err}
	}

	return &billing.Session{ID: ps.ID, URL: ps.URL}, nil
}

// getOrCreateCustomer returns the stored customer, else finds one by email, else creates one
func (s *Service) getOrCreateCustomer(ctx context.Context, profile *database.UserProfile) (string, error) {
	if profile.StripeCustomerID != "" {
		return profile.StripeCustomerID, nil
	}

	if profile.Email != "" {
		existing, err := s.api.FindCustomerByEmail(ctx, profile.Email)
		if err != nil {
			return "", fmt.Errorf("failed to search for existing customer: %w", err)
		}
		if existing != nil {
			s.log.Info().
				Str("user_id", profile.ID).
				Str("customer_id", existing.ID).
				Msg("Found existing Stripe customer")
			s.linkCustomer(ctx, profile.ID, existing.ID)
			return existing.ID, nil
		}
	}

	params := &stripe.CustomerParams{
		Metadata: map[string]string{
			"user_id": profile.ID,
		},
	}
	if profile.Email != "" {
		params.Email = stripe.String(profile.Email)
	}
	created, err := s.api.CreateCustomer(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create new customer: %w", err)
	}

	s.log.Info().
		Str("user_id", profile.ID).
		Str("customer_id", created.ID).
		Msg("Created new Stripe customer")
	s.linkCustomer(ctx, profile.ID, created.ID)
	return created.ID, nil
}

// linkCustomer stores the customer id early; checkout completion stores it again
func (s *Service) linkCustomer(ctx context.Context, userID, customerID string) {
	if err := s.db.SetCustomerID(ctx, userID, database.ProviderStripe, customerID); err != nil {
		s.log.Warn().
			Err(err).
			Str("user_id", userID).
			Str("customer_id", customerID).
			Msg("Failed to store Stripe customer id")
	}
}
