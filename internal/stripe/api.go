package stripe

import (
	"context"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// API is the subset of the Stripe SDK used by the service
type API interface {
	FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error)
	CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

type sdkAPI struct {
	sc *client.API
}

// NewAPI returns an API backed by a Stripe client for the given secret key
func NewAPI(secretKey string) API {
	return &sdkAPI{sc: client.New(secretKey, nil)}
}

func (a *sdkAPI) FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error) {
	params := &stripe.CustomerListParams{}
	params.Context = ctx
	params.Filters.AddFilter("email", "", email)
	params.Limit = stripe.Int64(1)

	iter := a.sc.Customers.List(params)
	if iter.Next() {
		return iter.Customer(), nil
	}
	return nil, iter.Err()
}

func (a *sdkAPI) CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	params.Context = ctx
	return a.sc.Customers.New(params)
}

func (a *sdkAPI) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	params.Context = ctx
	return a.sc.CheckoutSessions.New(params)
}

func (a *sdkAPI) CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	params.Context = ctx
	return a.sc.BillingPortalSessions.New(params)
}
