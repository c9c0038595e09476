// Package order is the Order aggregate, stored in MongoDB, whose creation
// is the entry point into the order-creation saga and whose outbox row
// (an order.created event) commits in the same Mongo transaction as the
// document insert.
package order

import (
	"context"
	"time"
)

// Status is the lifecycle of an Order, driven by the order-creation saga's
// outcome.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Item is one line item of an order.
type Item struct {
	ProductID      string `bson:"productId" json:"productId"`
	Quantity       int    `bson:"quantity" json:"quantity"`
	PriceID        string `bson:"priceId" json:"priceId"`
	UnitPriceCents int64  `bson:"unitPriceCents" json:"unitPriceCents"`
}

// Order is the aggregate root for the order-creation saga.
type Order struct {
	ID         string    `bson:"_id,omitempty" json:"id"`
	CustomerID string    `bson:"customerId" json:"customerId"`
	Items      []Item    `bson:"items" json:"items"`
	Status     Status    `bson:"status" json:"status"`
	SagaID     string    `bson:"sagaId,omitempty" json:"sagaId,omitempty"`
	CreatedAt  time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt  time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Store persists orders. Create is called inside outbox.MongoStore.WithTx
// so the insert and the order.created outbox row share one transaction.
type Store interface {
	Create(ctx context.Context, o Order) (string, error)
	Get(ctx context.Context, id string) (Order, error)
	UpdateStatus(ctx context.Context, id string, status Status, sagaID string) error
}
