package database

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brandon/cotex-billing/internal/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	preferRepresentation = "return=representation"
	preferMerge          = "resolution=merge-duplicates,return=minimal"
	preferIgnore         = "resolution=ignore-duplicates,return=representation"
)

// Client handles Supabase database operations through the PostgREST API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a new Supabase client
func NewClient(baseURL, apiKey string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Supabase URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid Supabase URL: %q", baseURL)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        logger.Logger(map[string]interface{}{"component": "database"}),
	}, nil
}

// request makes an HTTP request to the Supabase REST API
func (c *Client) request(ctx context.Context, method, path, prefer string, body interface{}, result interface{}) error {
	urlStr := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, path)

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	if c.apiKey == "" {
		c.log.Error().Msg("API key is empty - this will cause authentication failures")
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Msg("Making Supabase API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// GetUserProfile retrieves a user profile by user ID (JWT sub)
func (c *Client) GetUserProfile(ctx context.Context, userID string) (*UserProfile, error) {
	path := fmt.Sprintf("user_profiles?id=eq.%s", url.QueryEscape(userID))
	var profiles []UserProfile
	if err := c.request(ctx, http.MethodGet, path, "", nil, &profiles); err != nil {
		c.log.Error().
			Err(err).
			Str("user_id", userID).
			Msg("GetUserProfile: request failed")
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, ErrUserNotFound
	}
	return &profiles[0], nil
}

// UpsertUserProfile creates or replaces a profile row
func (c *Client) UpsertUserProfile(ctx context.Context, profile *UserProfile) error {
	if profile.SubscriptionTier == "" {
		profile.SubscriptionTier = FreeTier
	}
	row := map[string]interface{}{
		"id":                profile.ID,
		"email":             profile.Email,
		"subscription_tier": string(profile.SubscriptionTier),
		"updated_at":        time.Now().UTC(),
	}
	if profile.StripeCustomerID != "" {
		row["stripe_customer_id"] = profile.StripeCustomerID
	}
	if profile.PaddleCustomerID != "" {
		row["paddle_customer_id"] = profile.PaddleCustomerID
	}
	if err := c.request(ctx, http.MethodPost, "user_profiles?on_conflict=id", preferMerge, row, nil); err != nil {
		return fmt.Errorf("failed to upsert user profile: %w", err)
	}
	return nil
}

// UpdateSubscriptionTier updates a user's subscription tier
func (c *Client) UpdateSubscriptionTier(ctx context.Context, userID string, tier SubscriptionTier) error {
	path := fmt.Sprintf("user_profiles?id=eq.%s", url.QueryEscape(userID))
	updateData := map[string]interface{}{
		"subscription_tier": string(tier),
		"updated_at":        time.Now().UTC(),
	}

	var updated []UserProfile
	if err := c.request(ctx, http.MethodPatch, path, preferRepresentation, updateData, &updated); err != nil {
		c.log.Error().
			Err(err).
			Str("user_id", userID).
			Str("tier", string(tier)).
			Msg("UpdateSubscriptionTier: update failed")
		return fmt.Errorf("failed to update subscription tier: %w", err)
	}
	if len(updated) == 0 {
		return ErrUserNotFound
	}

	c.log.Info().
		Str("user_id", userID).
		Str("tier", string(tier)).
		Msg("UpdateSubscriptionTier: success")
	return nil
}

// SetCustomerID stores the provider customer id on the user's profile
func (c *Client) SetCustomerID(ctx context.Context, userID string, provider Provider, customerID string) error {
	column, err := customerColumn(provider)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("user_profiles?id=eq.%s", url.QueryEscape(userID))
	updateData := map[string]interface{}{
		column:       customerID,
		"updated_at": time.Now().UTC(),
	}

	var updated []UserProfile
	if err := c.request(ctx, http.MethodPatch, path, preferRepresentation, updateData, &updated); err != nil {
		return fmt.Errorf("failed to update customer id: %w", err)
	}
	if len(updated) == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpsertSubscription inserts or updates the subscription identified by
// (provider, external_id). Empty user, plan, url and period end fields never
// overwrite values already stored.
func (c *Client) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	row := map[string]interface{}{
		"provider":             string(sub.Provider),
		"external_id":          sub.ExternalID,
		"status":               sub.Status,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"updated_at":           time.Now().UTC(),
	}
	if sub.CurrentPeriodEnd != nil {
		row["current_period_end"] = sub.CurrentPeriodEnd
	}
	if sub.UserID != "" {
		row["user_id"] = sub.UserID
	}
	if sub.PlanID != "" {
		row["plan_id"] = sub.PlanID
	}
	if sub.UpdateURL != "" {
		row["update_url"] = sub.UpdateURL
	}
	if sub.CancelURL != "" {
		row["cancel_url"] = sub.CancelURL
	}

	path := "subscriptions?on_conflict=provider,external_id"
	if err := c.request(ctx, http.MethodPost, path, preferMerge, row, nil); err != nil {
		c.log.Error().
			Err(err).
			Str("provider", string(sub.Provider)).
			Str("external_id", sub.ExternalID).
			Msg("UpsertSubscription: upsert failed")
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription retrieves a subscription by provider and external id
func (c *Client) GetSubscription(ctx context.Context, provider Provider, externalID string) (*Subscription, error) {
	path := fmt.Sprintf("subscriptions?provider=eq.%s&external_id=eq.%s",
		url.QueryEscape(string(provider)), url.QueryEscape(externalID))

	var subs []Subscription
	if err := c.request(ctx, http.MethodGet, path, "", nil, &subs); err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrSubscriptionNotFound
	}
	return &subs[0], nil
}

// LatestSubscriptionForUser returns the most recently updated subscription of a user with the provider
func (c *Client) LatestSubscriptionForUser(ctx context.Context, userID string, provider Provider) (*Subscription, error) {
	path := fmt.Sprintf("subscriptions?user_id=eq.%s&provider=eq.%s&order=updated_at.desc&limit=1",
		url.QueryEscape(userID), url.QueryEscape(string(provider)))

	var subs []Subscription
	if err := c.request(ctx, http.MethodGet, path, "", nil, &subs); err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrSubscriptionNotFound
	}
	return &subs[0], nil
}

// InsertPayment appends a payment row, ignoring duplicates of (provider, external_id)
func (c *Client) InsertPayment(ctx context.Context, payment *Payment) (bool, error) {
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}
	row := map[string]interface{}{
		"id":                       payment.ID,
		"user_id":                  payment.UserID,
		"provider":                 string(payment.Provider),
		"external_id":              payment.ExternalID,
		"subscription_external_id": payment.SubscriptionExternalID,
		"amount":                   payment.Amount,
		"currency":                 payment.Currency,
		"status":                   payment.Status,
	}

	var inserted []Payment
	path := "payments?on_conflict=provider,external_id"
	if err := c.request(ctx, http.MethodPost, path, preferIgnore, row, &inserted); err != nil {
		c.log.Error().
			Err(err).
			Str("provider", string(payment.Provider)).
			Str("external_id", payment.ExternalID).
			Msg("InsertPayment: insert failed")
		return false, fmt.Errorf("failed to insert payment: %w", err)
	}
	return len(inserted) > 0, nil
}

type webhookEventRow struct {
	Provider  string `json:"provider"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Status    string `json:"status"`
}

// ClaimWebhookEvent registers a delivery in the webhook_events ledger
func (c *Client) ClaimWebhookEvent(ctx context.Context, provider Provider, eventID, eventType string) (bool, error) {
	row := map[string]interface{}{
		"provider":    string(provider),
		"event_id":    eventID,
		"event_type":  eventType,
		"status":      EventProcessing,
		"received_at": time.Now().UTC(),
	}

	var inserted []webhookEventRow
	path := "webhook_events?on_conflict=provider,event_id"
	if err := c.request(ctx, http.MethodPost, path, preferIgnore, row, &inserted); err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	if len(inserted) > 0 {
		return true, nil
	}

	filter := fmt.Sprintf("webhook_events?provider=eq.%s&event_id=eq.%s",
		url.QueryEscape(string(provider)), url.QueryEscape(eventID))
	var existing []webhookEventRow
	if err := c.request(ctx, http.MethodGet, filter, "", nil, &existing); err != nil {
		return false, fmt.Errorf("failed to load webhook event: %w", err)
	}
	if len(existing) > 0 && existing[0].Status == EventProcessed {
		return false, nil
	}

	// A failed or interrupted delivery is processed again.
	if err := c.request(ctx, http.MethodPatch, filter, "", map[string]interface{}{
		"status": EventProcessing,
		"error":  nil,
	}, nil); err != nil {
		return false, fmt.Errorf("failed to reclaim webhook event: %w", err)
	}
	return true, nil
}

// FinishWebhookEvent marks a claimed delivery as processed or failed
func (c *Client) FinishWebhookEvent(ctx context.Context, provider Provider, eventID string, processingErr error) error {
	status := EventProcessed
	if processingErr != nil {
		status = EventFailed
	}
	path := fmt.Sprintf("webhook_events?provider=eq.%s&event_id=eq.%s",
		url.QueryEscape(string(provider)), url.QueryEscape(eventID))
	update := map[string]interface{}{
		"status":       status,
		"error":        errorText(processingErr),
		"processed_at": time.Now().UTC(),
	}
	if err := c.request(ctx, http.MethodPatch, path, "", update, nil); err != nil {
		return fmt.Errorf("failed to finish webhook event: %w", err)
	}
	return nil
}

// PurgeWebhookEvents removes ledger rows received before the given time
func (c *Client) PurgeWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	path := fmt.Sprintf("webhook_events?received_at=lt.%s&select=event_id",
		url.QueryEscape(before.UTC().Format(time.RFC3339)))

	var deleted []webhookEventRow
	if err := c.request(ctx, http.MethodDelete, path, preferRepresentation, nil, &deleted); err != nil {
		c.log.Error().
			Err(err).
			Msg("PurgeWebhookEvents: delete failed")
		return 0, fmt.Errorf("failed to purge webhook events: %w", err)
	}
	return int64(len(deleted)), nil
}

// Ping checks that the REST API answers with the configured key
func (c *Client) Ping(ctx context.Context) error {
	var rows []json.RawMessage
	return c.request(ctx, http.MethodGet, "user_profiles?select=id&limit=1", "", nil, &rows)
}

// Close is a no-op; the HTTP client holds no resources that need releasing
func (c *Client) Close() error {
	return nil
}

func customerColumn(provider Provider) (string, error) {
	switch provider {
	case ProviderStripe:
		return "stripe_customer_id", nil
	case ProviderPaddle:
		return "paddle_customer_id", nil
	}
	return "", fmt.Errorf("unknown provider %q", provider)
}
