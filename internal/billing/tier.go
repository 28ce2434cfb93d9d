package billing

import (
	"fmt"
	"strings"

	"github.com/brandon/cotex-billing/internal/database"
)

// ParseTier parses a tier name case-insensitively
func ParseTier(s string) (database.SubscriptionTier, error) {
	t := database.SubscriptionTier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown subscription tier %q", s)
	}
	return t, nil
}

// Rank orders tiers so upgrades and downgrades can be told apart
func Rank(t database.SubscriptionTier) int {
	switch t {
	case database.ProTier:
		return 1
	case database.EnterpriseTier:
		return 2
	default:
		return 0
	}
}

// entitling statuses keep the plan's tier
func isEntitlingStatus(status string) bool {
	switch status {
	case "active", "trialing", "past_due":
		return true
	}
	return false
}

// terminal statuses are final; providers never reactivate such a subscription
func isTerminalStatus(status string) bool {
	return status == "canceled"
}

// pending statuses leave the tier untouched until the provider settles them
func isPendingStatus(status string) bool {
	switch status {
	case "incomplete", "":
		return true
	}
	return false
}
