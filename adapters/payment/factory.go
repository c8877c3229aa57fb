package payment

import (
	"fmt"

	"github.com/vistara-apps/usagebill/ports"
)

// Config selects and configures a collector.
type Config struct {
	Provider string // "stripe", "dummy", "none"
	Stripe   StripeConfig
}

// NewCollector creates a payment collector from cfg.
func NewCollector(cfg Config) (ports.PaymentCollector, error) {
	switch cfg.Provider {
	case "stripe":
		if cfg.Stripe.SecretKey == "" {
			return nil, fmt.Errorf("stripe secret key is required")
		}
		return NewStripeCollector(cfg.Stripe), nil

	case "dummy", "test":
		return NewDummyCollector(), nil

	case "none", "":
		return NewNoopCollector(), nil

	default:
		return nil, fmt.Errorf("unknown payment provider: %s", cfg.Provider)
	}
}
