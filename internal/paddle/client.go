package paddle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client calls the Paddle Classic vendor API
type Client struct {
	baseURL    string
	vendorID   string
	authCode   string
	httpClient *http.Client
}

// NewClient creates a vendor API client. baseURL is usually https://vendors.paddle.com/api.
func NewClient(baseURL, vendorID, authCode string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		vendorID:   vendorID,
		authCode:   authCode,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// PayLinkRequest holds the fields sent to generate_pay_link
type PayLinkRequest struct {
	ProductID     string
	CustomerEmail string
	Passthrough   string
	ReturnURL     string
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type apiEnvelope struct {
	Success  bool            `json:"success"`
	Response json.RawMessage `json:"response"`
	Error    *apiError       `json:"error"`
}

// GeneratePayLink creates a hosted checkout link for a subscription product
func (c *Client) GeneratePayLink(ctx context.Context, req PayLinkRequest) (string, error) {
	form := url.Values{}
	form.Set("product_id", req.ProductID)
	form.Set("passthrough", req.Passthrough)
	if req.CustomerEmail != "" {
		form.Set("customer_email", req.CustomerEmail)
	}
	if req.ReturnURL != "" {
		form.Set("return_url", req.ReturnURL)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := c.call(ctx, "/2.0/product/generate_pay_link", form, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("paddle response missing checkout URL")
	}
	return out.URL, nil
}

// call posts vendor credentials plus form to path and decodes the response envelope
func (c *Client) call(ctx context.Context, path string, form url.Values, result interface{}) error {
	form.Set("vendor_id", c.vendorID)
	form.Set("vendor_auth_code", c.authCode)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build paddle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("paddle API request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read paddle response: %w", err)
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to decode paddle response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		if env.Error != nil && env.Error.Message != "" {
			return fmt.Errorf("paddle API error %d: %s", env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("paddle API error (status %d)", resp.StatusCode)
	}

	if result != nil && len(env.Response) > 0 {
		if err := json.Unmarshal(env.Response, result); err != nil {
			return fmt.Errorf("failed to decode paddle response: %w", err)
		}
	}
	return nil
}
