package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/Kumar2022/distributedcommerce/internal/payment"
)

// FakePaymentStore is an in-memory payment.Store, exercising only Service's
// non-transactional path (the Postgres-backed path is covered by the
// PostgresStore type switch and isn't reachable through this fake by
// design — txCapable requires a *payment.PostgresStore).
type FakePaymentStore struct {
	mu      sync.Mutex
	byID    map[string]payment.Payment
	byOrder map[string]string
}

// NewFakePaymentStore builds an empty store.
func NewFakePaymentStore() *FakePaymentStore {
	return &FakePaymentStore{byID: map[string]payment.Payment{}, byOrder: map[string]string{}}
}

func (s *FakePaymentStore) Create(ctx context.Context, p payment.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[p.ID] = p
	s.byOrder[p.OrderID] = p.ID
	return nil
}

func (s *FakePaymentStore) GetByOrderID(ctx context.Context, orderID string) (payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byOrder[orderID]
	if !ok {
		return payment.Payment{}, fmt.Errorf("payment for order %s: %w", orderID, payment.ErrNotFound)
	}
	return s.byID[id], nil
}

func (s *FakePaymentStore) UpdateStatus(ctx context.Context, id string, status payment.Status, processorRef, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return errNotFound("payment")
	}
	p.Status = status
	p.ProcessorRef = processorRef
	p.FailureReason = failureReason
	s.byID[id] = p
	return nil
}

var _ payment.Store = (*FakePaymentStore)(nil)
