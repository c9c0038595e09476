package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kumar2022/distributedcommerce/internal/order"
)

// FakeOrderStore is an in-memory order.Store.
type FakeOrderStore struct {
	mu     sync.Mutex
	orders map[string]order.Order
}

// NewFakeOrderStore builds an empty store.
func NewFakeOrderStore() *FakeOrderStore {
	return &FakeOrderStore{orders: map[string]order.Order{}}
}

func (s *FakeOrderStore) Create(ctx context.Context, o order.Order) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	s.orders[o.ID] = o
	return o.ID, nil
}

func (s *FakeOrderStore) Get(ctx context.Context, id string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return o, nil
}

func (s *FakeOrderStore) UpdateStatus(ctx context.Context, id string, status order.Status, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.Status = status
	if sagaID != "" {
		o.SagaID = sagaID
	}
	o.UpdatedAt = time.Now().UTC()
	s.orders[id] = o
	return nil
}

var _ order.Store = (*FakeOrderStore)(nil)
