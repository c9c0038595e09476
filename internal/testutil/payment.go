package testutil

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Kumar2022/distributedcommerce/internal/payment"
)

// FakePaymentProcessor is an in-memory payment.Processor. Setting FailNext
// makes the next N Authorize calls fail with FailErr, for testing the
// saga's compensation path.
type FakePaymentProcessor struct {
	mu       sync.Mutex
	FailNext int
	FailErr  error
	Refunded []string
}

// Authorize succeeds unless FailNext is configured.
func (p *FakePaymentProcessor) Authorize(ctx context.Context, orderID, customerID string, amountCents int64, currency string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailNext > 0 {
		p.FailNext--
		return "", p.FailErr
	}
	return "pi_" + uuid.NewString(), nil
}

// Refund records the processorRef it was asked to refund.
func (p *FakePaymentProcessor) Refund(ctx context.Context, processorRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Refunded = append(p.Refunded, processorRef)
	return nil
}

var _ payment.Processor = (*FakePaymentProcessor)(nil)
