// Package payment provides PaymentCollector adapters.
package payment

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/vistara-apps/usagebill/ports"
)

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	SecretKey string
	APIURL    string // override for tests; empty uses api.stripe.com
	Timeout   time.Duration
}

// StripeCollector bills overage as Stripe invoice items. The item is picked
// up by the customer's next Stripe invoice.
type StripeCollector struct {
	api *client.API
}

// NewStripeCollector creates a Stripe collector with its own API client.
func NewStripeCollector(cfg StripeConfig) *StripeCollector {
	backendCfg := &stripe.BackendConfig{
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
		MaxNetworkRetries: stripe.Int64(2),
	}
	if cfg.Timeout > 0 {
		backendCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	api := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	sc := &client.API{}
	sc.Init(cfg.SecretKey, &stripe.Backends{API: api, Connect: api, Uploads: api})
	return &StripeCollector{api: sc}
}

// Name returns the provider name.
func (c *StripeCollector) Name() string {
	return "stripe"
}

// Collect creates one invoice item for the overage charge.
// Stripe deduplicates retries on the idempotency key.
func (c *StripeCollector) Collect(ctx context.Context, req ports.CollectionRequest) (ports.CollectionReceipt, error) {
	if req.Amount <= 0 {
		return ports.CollectionReceipt{}, fmt.Errorf("stripe: amount must be positive, got %d", req.Amount)
	}

	params := &stripe.InvoiceItemParams{
		Customer:    stripe.String(req.CustomerID),
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(req.Currency),
		Description: stripe.String(req.Description),
		Period: &stripe.InvoiceItemPeriodParams{
			Start: stripe.Int64(req.PeriodStart.Unix()),
			End:   stripe.Int64(req.PeriodEnd.Unix()),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey())
	params.AddMetadata("subscription_id", req.SubscriptionID)
	params.AddMetadata("plan_id", req.PlanID)
	params.AddMetadata("overage_units", fmt.Sprint(req.Units))

	item, err := c.api.InvoiceItems.New(params)
	if err != nil {
		return ports.CollectionReceipt{}, fmt.Errorf("stripe: create invoice item: %w", err)
	}

	return ports.CollectionReceipt{
		Provider:  c.Name(),
		Reference: item.ID,
		Amount:    item.Amount,
		Currency:  string(item.Currency),
	}, nil
}

// Ensure interface compliance.
var _ ports.PaymentCollector = (*StripeCollector)(nil)
