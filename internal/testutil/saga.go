package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/Kumar2022/distributedcommerce/internal/saga"
)

// FakeSagaStore is an in-memory saga.Store enforcing the same
// optimistic-concurrency contract Save documents.
type FakeSagaStore struct {
	mu        sync.Mutex
	instances map[string]saga.Instance
}

// NewFakeSagaStore builds an empty store.
func NewFakeSagaStore() *FakeSagaStore {
	return &FakeSagaStore{instances: map[string]saga.Instance{}}
}

func (s *FakeSagaStore) Create(ctx context.Context, inst saga.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst
	return nil
}

func (s *FakeSagaStore) Load(ctx context.Context, id string) (saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return saga.Instance{}, saga.ErrNotFound
	}
	return inst, nil
}

func (s *FakeSagaStore) Save(ctx context.Context, inst saga.Instance, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.instances[inst.ID]
	if ok && current.Version != expectedVersion {
		return saga.ErrConflict
	}
	s.instances[inst.ID] = inst
	return nil
}

func (s *FakeSagaStore) ListTimedOut(ctx context.Context, before time.Time) ([]saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []saga.Instance
	for _, inst := range s.instances {
		if inst.State == saga.StateRunning && inst.StepDeadline != nil && inst.StepDeadline.Before(before) {
			out = append(out, inst)
		}
	}
	return out, nil
}

var _ saga.Store = (*FakeSagaStore)(nil)
