package billing

import (
	"errors"
	"fmt"

	"github.com/brandon/cotex-billing/internal/database"
)

var (
	// ErrUnknownPlan is returned when a plan id is not in the catalog or not sold by the provider
	ErrUnknownPlan = errors.New("invalid plan ID")
	// ErrMissingUserID is returned when an event cannot be attributed to a user
	ErrMissingUserID = errors.New("missing user id")
	// ErrNoCustomer is returned when a user has no billing account with the provider
	ErrNoCustomer = errors.New("no billing account found")
	// ErrInvalidSignature is returned when a webhook signature does not verify
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedPayload is returned when a verified webhook body cannot be decoded
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// UpstreamError wraps a failed call to a payment provider API
type UpstreamError struct {
	Provider string
	Op       string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Store lookups surface these unchanged so callers can match either package.
var (
	ErrUserNotFound         = database.ErrUserNotFound
	ErrSubscriptionNotFound = database.ErrSubscriptionNotFound
)
