package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/brandon/cotex-billing/internal/billing"
)

var (
	errUnauthenticated = errors.New("authentication required")
	errForbidden       = errors.New("user id does not match token subject")
)

// requestError is a client mistake whose message is safe to echo back
type requestError struct {
	msg string
	err error
}

func (e *requestError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *requestError) Unwrap() error { return e.err }

func badRequest(msg string, err error) error {
	return &requestError{msg: msg, err: err}
}

// statusFor maps a service error onto the status and message returned to the client.
// Anything unrecognised is a 500 with a generic message.
func statusFor(err error) (int, string) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, reqErr.msg
	case errors.Is(err, billing.ErrUnknownPlan):
		return http.StatusBadRequest, "Invalid plan ID"
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, billing.ErrInvalidSignature):
		return http.StatusUnauthorized, "Invalid signature"
	case errors.Is(err, billing.ErrMalformedPayload):
		return http.StatusBadRequest, "Invalid payload"
	case errors.Is(err, billing.ErrUserNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, billing.ErrNoCustomer):
		return http.StatusNotFound, "No billing account found"
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		return http.StatusNotFound, "Subscription not found"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	writeJSON(w, status, map[string]string{"error": msg})
}
