// Package inventory is the stock reservation engine: a Product aggregate
// with stockQuantity/reservedQuantity/availableQuantity invariants, and
// StockReservation records tracking the Active/Confirmed/Released/Expired
// lifecycle of a hold against that stock.
package inventory

import (
	"context"
	"time"
)

// ReservationStatus is the lifecycle of one StockReservation.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

// Product is the stock aggregate. AvailableQuantity is always
// StockQuantity - ReservedQuantity and is never persisted, only derived.
type Product struct {
	ID               string
	SKU              string
	StockQuantity    int
	ReservedQuantity int
	LowStockThreshold int
	RowVersion       int
	UpdatedAt        time.Time
}

// AvailableQuantity is the invariant StockQuantity - ReservedQuantity.
func (p Product) AvailableQuantity() int {
	return p.StockQuantity - p.ReservedQuantity
}

// IsLowStock reports whether available stock has fallen to or below the
// product's configured threshold.
func (p Product) IsLowStock() bool {
	return p.AvailableQuantity() <= p.LowStockThreshold
}

// StockReservation is a hold against a Product's available quantity.
type StockReservation struct {
	ID         string
	ProductID  string
	OrderID    string
	Quantity   int
	Status     ReservationStatus
	ExpiresAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store persists products and their reservations, with optimistic
// concurrency on Product.RowVersion.
type Store interface {
	GetProduct(ctx context.Context, productID string) (Product, error)
	// UpdateProduct applies fn's mutation and writes it back only if the
	// row's version still matches expectedVersion, returning ErrConflict
	// otherwise.
	UpdateProduct(ctx context.Context, productID string, expectedVersion int, fn func(p *Product) error) error

	CreateReservation(ctx context.Context, r StockReservation) error
	GetReservation(ctx context.Context, id string) (StockReservation, error)
	// ListActiveReservationsByOrder finds every Active reservation held for
	// orderID (one per line item). Used by consumers that only know the
	// order id (an out-of-band OrderCancelled arriving after the saga's own
	// RPC-driven compensation already ran, or never ran at all) rather than
	// the reservation ids the saga itself threads through its steps.
	ListActiveReservationsByOrder(ctx context.Context, orderID string) ([]StockReservation, error)
	UpdateReservationStatus(ctx context.Context, id string, status ReservationStatus) error
	ListExpired(ctx context.Context, before time.Time) ([]StockReservation, error)
}
