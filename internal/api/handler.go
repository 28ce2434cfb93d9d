// Package api provides the HTTP handlers and route definitions
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brandon/cotex-billing/internal/archive"
	"github.com/brandon/cotex-billing/internal/auth"
	"github.com/brandon/cotex-billing/internal/billing"
	"github.com/brandon/cotex-billing/internal/database"
	"github.com/brandon/cotex-billing/internal/logger"
	"github.com/brandon/cotex-billing/internal/metrics"
	"github.com/brandon/cotex-billing/internal/realtime"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// maxWebhookBody caps what is read from a provider before verification
const maxWebhookBody = 1 << 20

// archiveTimeout bounds one background payload upload
const archiveTimeout = 10 * time.Second

// Provider is a payment provider the API can route to
type Provider interface {
	Name() string
	CreateCheckoutSession(ctx context.Context, planID, userID string) (*billing.Session, error)
	CreatePortalSession(ctx context.Context, userID string) (*billing.Session, error)
	HandleWebhook(ctx context.Context, payload []byte, header http.Header) error
}

// CheckoutRequest is the body of create-checkout-session
type CheckoutRequest struct {
	PlanID string `json:"planId" validate:"required,max=64"`
	UserID string `json:"userId" validate:"required,max=128"`
}

// PortalRequest is the body of create-portal-session
type PortalRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

// Options carries the optional collaborators of a Handler
type Options struct {
	Hub         *realtime.Hub
	Upgrader    *realtime.Upgrader
	Archiver    archive.Archiver
	Metrics     *metrics.Metrics
	RequireAuth bool
}

// Handler contains the handlers for API endpoints
type Handler struct {
	db          database.Store
	providers   map[string]Provider
	hub         *realtime.Hub
	upgrader    *realtime.Upgrader
	archiver    archive.Archiver
	metrics     *metrics.Metrics
	validate    *validator.Validate
	requireAuth bool
	archiving   sync.WaitGroup
	log         zerolog.Logger
}

// NewHandler creates a new Handler instance serving the given providers
func NewHandler(db database.Store, providers []Provider, opts Options) *Handler {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}

	archiver := opts.Archiver
	if archiver == nil {
		archiver = archive.Nop{}
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		db:          db,
		providers:   byName,
		hub:         opts.Hub,
		upgrader:    opts.Upgrader,
		archiver:    archiver,
		metrics:     opts.Metrics,
		validate:    v,
		requireAuth: opts.RequireAuth,
		log:         logger.Logger(map[string]interface{}{"component": "api_handler"}),
	}
}

// ProviderNames lists the providers this handler routes to
func (h *Handler) ProviderNames() []string {
	names := make([]string, 0, len(h.providers))
	for name := range h.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Handler) provider(w http.ResponseWriter, r *http.Request) (Provider, bool) {
	name := r.PathValue("provider")
	p, ok := h.providers[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown provider"})
		return nil, false
	}
	return p, true
}

// HealthCheck handles health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"providers": h.ProviderNames(),
	}
	status := http.StatusOK
	if err := h.db.Ping(ctx); err != nil {
		h.log.Error().Err(err).Msg("Health check: store unreachable")
		resp["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// decode reads a JSON body into v and validates it
func (h *Handler) decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	if err := dec.Decode(v); err != nil {
		return badRequest("Invalid request body", err)
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Tag() == "required" {
				return badRequest(fmt.Sprintf("Missing required field: %s", fe.Field()), err)
			}
			return badRequest(fmt.Sprintf("Invalid field: %s", fe.Field()), err)
		}
		return badRequest("Invalid request body", err)
	}
	return nil
}

// authorize checks the caller may act for userID. A token, when present, must
// belong to that user.
func (h *Handler) authorize(r *http.Request, userID string) error {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		if h.requireAuth {
			return errUnauthenticated
		}
		return nil
	}
	if claims.UserID != userID {
		return errForbidden
	}
	return nil
}

// CreateCheckoutSession starts a hosted checkout for a plan
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := h.decode(r, &req); err != nil {
		h.log.Warn().Err(err).Str("provider", p.Name()).Msg("Rejected checkout request")
		h.metrics.ObserveSession(p.Name(), "checkout", "rejected")
		writeError(w, err)
		return
	}
	if err := h.authorize(r, req.UserID); err != nil {
		h.log.Warn().Err(err).Str("user_id", req.UserID).Msg("Checkout not authorized")
		h.metrics.ObserveSession(p.Name(), "checkout", "rejected")
		writeError(w, err)
		return
	}

	log := logger.WithUserID(req.UserID)
	session, err := p.CreateCheckoutSession(r.Context(), req.PlanID, req.UserID)
	if err != nil {
		log.Error().Err(err).Str("provider", p.Name()).Str("plan_id", req.PlanID).Msg("Failed to create checkout session")
		h.metrics.ObserveSession(p.Name(), "checkout", "error")
		writeError(w, err)
		return
	}

	h.metrics.ObserveSession(p.Name(), "checkout", "created")
	writeJSON(w, http.StatusOK, session)
}

// CreatePortalSession opens the provider's self-service billing page
func (h *Handler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}

	var req PortalRequest
	if err := h.decode(r, &req); err != nil {
		h.metrics.ObserveSession(p.Name(), "portal", "rejected")
		writeError(w, err)
		return
	}
	if err := h.authorize(r, req.UserID); err != nil {
		h.log.Warn().Err(err).Str("user_id", req.UserID).Msg("Portal not authorized")
		h.metrics.ObserveSession(p.Name(), "portal", "rejected")
		writeError(w, err)
		return
	}

	session, err := p.CreatePortalSession(r.Context(), req.UserID)
	if err != nil {
		logger.WithUserID(req.UserID).Error().Err(err).Str("provider", p.Name()).Msg("Failed to create portal session")
		h.metrics.ObserveSession(p.Name(), "portal", "error")
		writeError(w, err)
		return
	}

	h.metrics.ObserveSession(p.Name(), "portal", "created")
	writeJSON(w, http.StatusOK, map[string]string{"url": session.URL})
}

// Webhook verifies and applies one provider delivery. The body is passed on
// exactly as received.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	p, ok := h.provider(w, r)
	if !ok {
		return
	}
	started := time.Now()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.log.Warn().Str("provider", p.Name()).Int64("limit", tooLarge.Limit).Msg("Webhook body too large")
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		} else {
			writeError(w, badRequest("Invalid payload", err))
		}
		h.metrics.ObserveWebhook(p.Name(), "malformed", started)
		return
	}

	err = p.HandleWebhook(r.Context(), payload, r.Header)
	if !errors.Is(err, billing.ErrInvalidSignature) {
		h.archivePayload(r.Context(), p.Name(), r.Header.Get("Content-Type"), payload)
	}

	switch {
	case err == nil:
		h.metrics.ObserveWebhook(p.Name(), "processed", started)
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, billing.ErrInvalidSignature):
		h.metrics.ObserveWebhook(p.Name(), "invalid_signature", started)
		writeError(w, err)
	case errors.Is(err, billing.ErrMalformedPayload):
		h.metrics.ObserveWebhook(p.Name(), "malformed", started)
		writeError(w, err)
	default:
		h.metrics.ObserveWebhook(p.Name(), "error", started)
		writeError(w, err)
	}
}

// archivePayload uploads the payload in the background so the provider is
// answered without waiting on the archive.
func (h *Handler) archivePayload(ctx context.Context, provider, contentType string, payload []byte) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	body := append([]byte(nil), payload...)

	h.archiving.Add(1)
	go func() {
		defer h.archiving.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		defer cancel()
		if _, err := h.archiver.Archive(ctx, provider, mediaType, body); err != nil {
			h.log.Error().Err(err).Str("provider", provider).Msg("Failed to archive webhook payload")
		}
	}()
}

// WaitArchives blocks until every background archive upload has finished
func (h *Handler) WaitArchives() {
	h.archiving.Wait()
}

// SubscriptionResponse is the caller's current entitlement
type SubscriptionResponse struct {
	UserID        string                    `json:"userId"`
	Tier          database.SubscriptionTier `json:"tier"`
	Subscriptions []*database.Subscription  `json:"subscriptions"`
}

// GetSubscription returns the authenticated user's tier and latest subscription per provider
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		writeError(w, errUnauthenticated)
		return
	}

	log := logger.WithUserID(user.UserID)
	profile, err := h.db.GetUserProfile(r.Context(), user.UserID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get user profile")
		writeError(w, err)
		return
	}

	resp := SubscriptionResponse{
		UserID:        profile.ID,
		Tier:          profile.SubscriptionTier,
		Subscriptions: []*database.Subscription{},
	}
	for _, name := range h.ProviderNames() {
		sub, err := h.db.LatestSubscriptionForUser(r.Context(), user.UserID, database.Provider(name))
		if errors.Is(err, database.ErrSubscriptionNotFound) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("provider", name).Msg("Failed to get subscription")
			writeError(w, err)
			return
		}
		resp.Subscriptions = append(resp.Subscriptions, sub)
	}
	writeJSON(w, http.StatusOK, resp)
}

// WebSocketHandler handles WebSocket connection requests
func (h *Handler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		writeError(w, errUnauthenticated)
		return
	}
	if h.hub == nil || h.upgrader == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Realtime updates unavailable"})
		return
	}

	h.upgrader.ServeWs(h.hub, w, r, user.UserID)
}
