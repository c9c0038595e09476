package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kumar2022/distributedcommerce/internal/inventory"
)

// FakeInventoryStore is an in-memory inventory.Store with the same
// optimistic-concurrency semantics on Product.RowVersion as the Postgres
// backend.
type FakeInventoryStore struct {
	mu           sync.Mutex
	products     map[string]inventory.Product
	reservations map[string]inventory.StockReservation
}

// NewFakeInventoryStore builds an empty store.
func NewFakeInventoryStore() *FakeInventoryStore {
	return &FakeInventoryStore{
		products:     map[string]inventory.Product{},
		reservations: map[string]inventory.StockReservation{},
	}
}

// Seed inserts or overwrites a product, for test setup.
func (s *FakeInventoryStore) Seed(p inventory.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *FakeInventoryStore) GetProduct(ctx context.Context, productID string) (inventory.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return inventory.Product{}, errNotFound("product")
	}
	return p, nil
}

func (s *FakeInventoryStore) UpdateProduct(ctx context.Context, productID string, expectedVersion int, fn func(p *inventory.Product) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return errNotFound("product")
	}
	if p.RowVersion != expectedVersion {
		return inventory.ErrConflict
	}

	if err := fn(&p); err != nil {
		return err
	}
	p.RowVersion++
	p.UpdatedAt = time.Now().UTC()
	s.products[productID] = p
	return nil
}

func (s *FakeInventoryStore) CreateReservation(ctx context.Context, r inventory.StockReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.reservations[r.ID] = r
	return nil
}

func (s *FakeInventoryStore) GetReservation(ctx context.Context, id string) (inventory.StockReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return inventory.StockReservation{}, errNotFound("reservation")
	}
	return r, nil
}

func (s *FakeInventoryStore) UpdateReservationStatus(ctx context.Context, id string, status inventory.ReservationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return errNotFound("reservation")
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	s.reservations[id] = r
	return nil
}

func (s *FakeInventoryStore) ListActiveReservationsByOrder(ctx context.Context, orderID string) ([]inventory.StockReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []inventory.StockReservation
	for _, r := range s.reservations {
		if r.OrderID == orderID && r.Status == inventory.ReservationActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *FakeInventoryStore) ListExpired(ctx context.Context, before time.Time) ([]inventory.StockReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []inventory.StockReservation
	for _, r := range s.reservations {
		if r.Status == inventory.ReservationActive && r.ExpiresAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

var _ inventory.Store = (*FakeInventoryStore)(nil)
