// Package billing holds the provider independent billing model: the plan
// catalog and the reconciliation of provider events into user entitlements.
package billing

import (
	"sort"

	"github.com/brandon/cotex-billing/internal/config"
	"github.com/brandon/cotex-billing/internal/database"
)

// Plan maps an application plan to the provider catalog entries that sell it
type Plan struct {
	ID              string                    `json:"id"`
	Name            string                    `json:"name"`
	Tier            database.SubscriptionTier `json:"tier"`
	StripePriceID   string                    `json:"stripePriceId,omitempty"`
	PaddleProductID string                    `json:"paddleProductId,omitempty"`
}

// Catalog is the set of purchasable plans. It is read-only after construction.
type Catalog struct {
	plans map[string]Plan
}

// NewCatalog builds a catalog from the given plans
func NewCatalog(plans ...Plan) *Catalog {
	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		c.plans[p.ID] = p
	}
	return c
}

// CatalogFromConfig builds the pro and enterprise plans from environment configuration
func CatalogFromConfig(cfg *config.Config) *Catalog {
	plans := []Plan{{
		ID:              "pro",
		Name:            "Pro",
		Tier:            database.ProTier,
		StripePriceID:   cfg.StripePricePro,
		PaddleProductID: cfg.PaddleProductPro,
	}}
	if cfg.StripePriceEnterprise != "" || cfg.PaddleProductEnterprise != "" {
		plans = append(plans, Plan{
			ID:              "enterprise",
			Name:            "Enterprise",
			Tier:            database.EnterpriseTier,
			StripePriceID:   cfg.StripePriceEnterprise,
			PaddleProductID: cfg.PaddleProductEnterprise,
		})
	}
	return NewCatalog(plans...)
}

// Lookup returns the plan with the given id
func (c *Catalog) Lookup(planID string) (Plan, error) {
	p, ok := c.plans[planID]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return p, nil
}

// StripePrice returns the Stripe price id that sells planID
func (c *Catalog) StripePrice(planID string) (string, error) {
	p, err := c.Lookup(planID)
	if err != nil {
		return "", err
	}
	if p.StripePriceID == "" {
		return "", ErrUnknownPlan
	}
	return p.StripePriceID, nil
}

// PaddleProduct returns the Paddle product id that sells planID
func (c *Catalog) PaddleProduct(planID string) (string, error) {
	p, err := c.Lookup(planID)
	if err != nil {
		return "", err
	}
	if p.PaddleProductID == "" {
		return "", ErrUnknownPlan
	}
	return p.PaddleProductID, nil
}

// ByStripePrice finds the plan sold by a Stripe price
func (c *Catalog) ByStripePrice(priceID string) (Plan, bool) {
	if priceID == "" {
		return Plan{}, false
	}
	for _, p := range c.plans {
		if p.StripePriceID == priceID {
			return p, true
		}
	}
	return Plan{}, false
}

// ByPaddleProduct finds the plan sold by a Paddle product or plan id
func (c *Catalog) ByPaddleProduct(productID string) (Plan, bool) {
	if productID == "" {
		return Plan{}, false
	}
	for _, p := range c.plans {
		if p.PaddleProductID == productID {
			return p, true
		}
	}
	return Plan{}, false
}

// TierFor returns the tier granted by planID. Unknown plans grant pro.
func (c *Catalog) TierFor(planID string) database.SubscriptionTier {
	if p, ok := c.plans[planID]; ok {
		return p.Tier
	}
	return database.ProTier
}

// Plans lists the catalog ordered by id
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
