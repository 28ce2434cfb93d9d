package paddle

import (
	"context"

	"github.com/brandon/cotex-billing/internal/billing"
	"github.com/brandon/cotex-billing/internal/database"
	"github.com/rs/zerolog"
)

func (s *Service) dispatch(ctx context.Context, alert Alert, log zerolog.Logger) error {
	switch alert.Name() {
	case "subscription_created", "subscription_updated":
		return s.handleSubscriptionChanged(ctx, alert)
	case "subscription_cancelled":
		return s.handleSubscriptionCancelled(ctx, alert)
	case "subscription_payment_succeeded":
		return s.handleSubscriptionPayment(ctx, alert, database.PaymentSucceeded)
	case "subscription_payment_failed":
		return s.handleSubscriptionPayment(ctx, alert, database.PaymentFailed)
	case "payment_succeeded":
		return s.handleOneOffPayment(ctx, alert)
	case "payment_refunded":
		log.Info().
			Str("order_id", alert["order_id"]).
			Str("amount", alert["amount"]).
			Msg("Payment refunded")
	default:
		log.Info().Msg("Unhandled alert type")
	}
	return nil
}

// handleSubscriptionChanged upserts the subscription keyed by Paddle subscription_id
func (s *Service) handleSubscriptionChanged(ctx context.Context, alert Alert) error {
	pt := alert.Passthrough()
	change := billing.SubscriptionChange{
		Provider:         database.ProviderPaddle,
		ExternalID:       alert["subscription_id"],
		UserID:           pt.UserID,
		PlanID:           pt.PlanID,
		CustomerID:       alert["user_id"],
		Status:           alert.Status(),
		CurrentPeriodEnd: alert.Time("next_bill_date"),
		UpdateURL:        alert["update_url"],
		CancelURL:        alert["cancel_url"],
	}
	if change.PlanID == "" {
		if plan, ok := s.reconciler.Catalog().ByPaddleProduct(alert["subscription_plan_id"]); ok {
			change.PlanID = plan.ID
		}
	}
	// A pending cancellation keeps the subscription live until the effective date.
	if effective := alert.Time("cancellation_effective_date"); effective != nil && change.Status != "canceled" {
		change.CancelAtPeriodEnd = true
		change.CurrentPeriodEnd = effective
	}
	return s.reconciler.SyncSubscription(ctx, change)
}

// handleSubscriptionCancelled moves the owner to the free tier
func (s *Service) handleSubscriptionCancelled(ctx context.Context, alert Alert) error {
	return s.reconciler.CancelSubscription(ctx, database.ProviderPaddle, alert["subscription_id"], alert.Passthrough().UserID)
}

// handleSubscriptionPayment records a renewal attempt and keeps the subscription status current
func (s *Service) handleSubscriptionPayment(ctx context.Context, alert Alert, status string) error {
	amountKey := "sale_gross"
	externalID := firstNonEmpty(alert["order_id"], alert["subscription_payment_id"])
	if status == database.PaymentFailed {
		// Each retry of the same scheduled payment is a separate attempt.
		amountKey = "amount"
		externalID = alert["subscription_payment_id"]
		if attempt := alert["attempt_number"]; attempt != "" && externalID != "" {
			externalID += ":" + attempt
		}
	}

	amount, err := alert.Amount(amountKey)
	if err != nil {
		return err
	}

	pt := alert.Passthrough()
	if _, err := s.reconciler.RecordPayment(ctx, billing.PaymentRecord{
		Provider:               database.ProviderPaddle,
		ExternalID:             externalID,
		SubscriptionExternalID: alert["subscription_id"],
		UserID:                 pt.UserID,
		Amount:                 amount,
		Currency:               alert.Currency(),
		Status:                 status,
	}); err != nil {
		return err
	}

	if alert.Status() == "" {
		return nil
	}
	return s.reconciler.SyncSubscription(ctx, billing.SubscriptionChange{
		Provider:         database.ProviderPaddle,
		ExternalID:       alert["subscription_id"],
		UserID:           pt.UserID,
		PlanID:           pt.PlanID,
		CustomerID:       alert["user_id"],
		Status:           alert.Status(),
		CurrentPeriodEnd: alert.Time("next_bill_date"),
	})
}

// handleOneOffPayment records a non-subscription order
func (s *Service) handleOneOffPayment(ctx context.Context, alert Alert) error {
	amount, err := alert.Amount("sale_gross")
	if err != nil {
		return err
	}
	_, err = s.reconciler.RecordPayment(ctx, billing.PaymentRecord{
		Provider:   database.ProviderPaddle,
		ExternalID: alert["order_id"],
		UserID:     alert.Passthrough().UserID,
		Amount:     amount,
		Currency:   alert.Currency(),
		Status:     database.PaymentSucceeded,
	})
	return err
}
