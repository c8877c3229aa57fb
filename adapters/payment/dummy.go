package payment

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/vistara-apps/usagebill/ports"
)

// DummyCollector simulates successful collections and remembers them.
// Use it for development and demos when real payment credentials aren't available.
type DummyCollector struct {
	mu       sync.Mutex
	receipts map[string]ports.CollectionReceipt
	requests []ports.CollectionRequest
}

// NewDummyCollector creates a new dummy collector.
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{receipts: make(map[string]ports.CollectionReceipt)}
}

// Name returns the provider name.
func (c *DummyCollector) Name() string {
	return "dummy"
}

// Collect records req. A repeated idempotency key returns the first receipt.
func (c *DummyCollector) Collect(ctx context.Context, req ports.CollectionRequest) (ports.CollectionReceipt, error) {
	if err := ctx.Err(); err != nil {
		return ports.CollectionReceipt{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := req.IdempotencyKey()
	if r, ok := c.receipts[key]; ok {
		return r, nil
	}

	r := ports.CollectionReceipt{
		Provider:  c.Name(),
		Reference: "dummy_ii_" + uuid.NewString(),
		Amount:    req.Amount,
		Currency:  req.Currency,
	}
	c.receipts[key] = r
	c.requests = append(c.requests, req)
	return r, nil
}

// Requests returns every distinct request collected so far.
func (c *DummyCollector) Requests() []ports.CollectionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ports.CollectionRequest(nil), c.requests...)
}

// Ensure interface compliance.
var _ ports.PaymentCollector = (*DummyCollector)(nil)
