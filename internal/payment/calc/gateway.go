package calc

import (
	"context"

	"solarpay/internal/common/money"
)

// Gateway is the payment-processor seam. The orchestrator only ever
// talks to this interface, so a real acquirer can replace the simulator
// without touching orchestration logic.
type Gateway interface {
	// Charge attempts to collect the amount from the payer and returns
	// a unique gateway reference on success.
	Charge(ctx context.Context, amount money.Money, kind, payerID string) (string, error)
}

// MockGateway simulates a payment processor that always approves.
type MockGateway struct{}

// Charge implements Gateway.
func (MockGateway) Charge(_ context.Context, _ money.Money, kind, _ string) (string, error) {
	return NewReference("GW-" + kind), nil
}
