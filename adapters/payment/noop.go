package payment

import (
	"context"
	"errors"

	"github.com/vistara-apps/usagebill/ports"
)

// ErrCollectionDisabled is returned when no payment provider is configured.
var ErrCollectionDisabled = errors.New("payment collection is not configured")

// NoopCollector is used when collection is disabled.
type NoopCollector struct{}

// NewNoopCollector creates a new no-op collector.
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

// Name returns the provider name.
func (c *NoopCollector) Name() string {
	return "none"
}

// Collect always fails with ErrCollectionDisabled.
func (c *NoopCollector) Collect(ctx context.Context, req ports.CollectionRequest) (ports.CollectionReceipt, error) {
	return ports.CollectionReceipt{}, ErrCollectionDisabled
}

// Ensure interface compliance.
var _ ports.PaymentCollector = (*NoopCollector)(nil)
