// Package paddle creates Paddle pay links and applies Paddle Classic webhook alerts
package paddle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"path"

	"github.com/brandon/cotex-billing/internal/billing"
	"github.com/brandon/cotex-billing/internal/database"
	"github.com/brandon/cotex-billing/internal/logger"
	"github.com/rs/zerolog"
)

// PayLinker generates hosted checkout links
type PayLinker interface {
	GeneratePayLink(ctx context.Context, req PayLinkRequest) (string, error)
}

// Service handles Paddle operations
type Service struct {
	client     PayLinker
	db         database.Store
	reconciler *billing.Reconciler
	verifier   *Verifier
	siteURL    string
	log        zerolog.Logger
}

// NewService creates a new Paddle service
func NewService(client PayLinker, db database.Store, reconciler *billing.Reconciler, webhookSecret, siteURL string) *Service {
	return &Service{
		client:     client,
		db:         db,
		reconciler: reconciler,
		verifier:   NewVerifier(webhookSecret),
		siteURL:    siteURL,
		log:        logger.Logger(map[string]interface{}{"component": "paddle"}),
	}
}

// Name identifies the provider in logs, metrics and routes
func (s *Service) Name() string {
	return string(database.ProviderPaddle)
}

// CreateCheckoutSession generates a pay link for planID carrying the user in passthrough
func (s *Service) CreateCheckoutSession(ctx context.Context, planID, userID string) (*billing.Session, error) {
	productID, err := s.reconciler.Catalog().PaddleProduct(planID)
	if err != nil {
		return nil, err
	}

	profile, err := s.db.GetUserProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	passthrough, err := json.Marshal(Passthrough{UserID: userID, PlanID: planID})
	if err != nil {
		return nil, err
	}

	link, err := s.client.GeneratePayLink(ctx, PayLinkRequest{
		ProductID:     productID,
		CustomerEmail: profile.Email,
		Passthrough:   string(passthrough),
		ReturnURL:     s.siteURL + "/dashboard?checkout=success",
	})
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Failed to generate pay link")
		return nil, &billing.UpstreamError{Provider: s.Name(), Op: "checkout", Err: err}
	}

	s.log.Info().
		Str("user_id", userID).
		Str("plan_id", planID).
		Msg("Created pay link")

	return &billing.Session{ID: sessionID(link), URL: link}, nil
}

// CreatePortalSession returns the update URL of the user's latest Paddle subscription
func (s *Service) CreatePortalSession(ctx context.Context, userID string) (*billing.Session, error) {
	if _, err := s.db.GetUserProfile(ctx, userID); err != nil {
		return nil, err
	}

	sub, err := s.db.LatestSubscriptionForUser(ctx, userID, database.ProviderPaddle)
	if errors.Is(err, database.ErrSubscriptionNotFound) {
		return nil, billing.ErrNoCustomer
	}
	if err != nil {
		return nil, err
	}
	if sub.UpdateURL == "" {
		return nil, billing.ErrNoCustomer
	}
	return &billing.Session{ID: sub.ExternalID, URL: sub.UpdateURL}, nil
}

// sessionID takes the last path segment of a pay link as its id
func sessionID(link string) string {
	u, err := url.Parse(link)
	if err != nil || u.Path == "" || u.Path == "/" {
		return ""
	}
	return path.Base(u.Path)
}

// HandleWebhook verifies and applies one Paddle alert. Errors that
// redelivery cannot fix are logged and swallowed so Paddle stops retrying.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, header http.Header) error {
	if err := s.verifier.Verify(payload, header.Get(SignatureHeader)); err != nil {
		s.log.Warn().Err(err).Msg("Rejected Paddle webhook")
		return err
	}

	alert, err := ParseAlert(payload, header.Get("Content-Type"))
	if err != nil {
		s.log.Warn().Err(err).Msg("Unparsable Paddle alert")
		return err
	}

	log := logger.WithEvent(s.Name(), alert.ID(), alert.Name())
	log.Info().Msg("Processing Paddle alert")

	if !s.reconciler.ClaimEvent(ctx, database.ProviderPaddle, alert.ID(), alert.Name()) {
		log.Info().Msg("Alert already processed, acknowledging")
		return nil
	}

	err = s.dispatch(ctx, alert, log)
	s.reconciler.FinishEvent(ctx, database.ProviderPaddle, alert.ID(), err)
	if err != nil && billing.IsPermanent(err) {
		log.Warn().Err(err).Msg("Alert cannot be applied, acknowledging")
		return nil
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to process Paddle alert")
	}
	return err
}
