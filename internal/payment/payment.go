// Package payment is the Payment aggregate and the processor abstraction
// the order-creation saga's authorize_payment/refund step calls through.
package payment

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.GetByOrderID when no payment has been
// created for an order yet.
var ErrNotFound = errors.New("payment not found")

// Status is the lifecycle of a Payment.
type Status string

const (
	StatusAuthorized Status = "authorized"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

// Payment is the aggregate recording one authorization/refund pair against
// an order.
type Payment struct {
	ID            string
	OrderID       string
	CustomerID    string
	AmountCents   int64
	Currency      string
	Status        Status
	ProcessorRef  string // the processor's own charge/intent id
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Processor is implemented by each payment gateway adapter (Stripe in
// production, an in-memory fake in tests).
type Processor interface {
	Authorize(ctx context.Context, orderID, customerID string, amountCents int64, currency string) (processorRef string, err error)
	Refund(ctx context.Context, processorRef string) error
}

// Store persists Payment aggregates.
type Store interface {
	Create(ctx context.Context, p Payment) error
	GetByOrderID(ctx context.Context, orderID string) (Payment, error)
	UpdateStatus(ctx context.Context, id string, status Status, processorRef, failureReason string) error
}
