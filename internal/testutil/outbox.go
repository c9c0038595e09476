package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kumar2022/distributedcommerce/internal/outbox"
)

// FakeOutboxStore is an in-memory outbox.Store. WithTx is not atomic with
// any external aggregate store the way a real transaction would be; tests
// that need that guarantee compose FakeOutboxStore with a fake aggregate
// store sharing the same in-process call, which is sufficient to exercise
// the ordering and rollback behavior without a database.
type FakeOutboxStore struct {
	mu   sync.Mutex
	rows map[string]outbox.Message
}

// NewFakeOutboxStore builds an empty store.
func NewFakeOutboxStore() *FakeOutboxStore {
	return &FakeOutboxStore{rows: map[string]outbox.Message{}}
}

type fakeTxAppender struct {
	store *FakeOutboxStore
}

func (a *fakeTxAppender) Append(ctx context.Context, msg outbox.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Status = outbox.StatusPending
	msg.CreatedAt = time.Now().UTC()
	msg.UpdatedAt = msg.CreatedAt

	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	a.store.rows[msg.ID] = msg
	return nil
}

func (s *FakeOutboxStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx outbox.TxAppender) error) error {
	return fn(ctx, &fakeTxAppender{store: s})
}

func (s *FakeOutboxStore) ClaimBatch(ctx context.Context, limit int) ([]outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []outbox.Message
	for _, m := range s.rows {
		if m.Status == outbox.StatusPending || m.Status == outbox.StatusFailed {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *FakeOutboxStore) MarkPublished(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.rows[id]
	m.Status = outbox.StatusPublished
	now := time.Now().UTC()
	m.PublishedAt = &now
	s.rows[id] = m
	return nil
}

func (s *FakeOutboxStore) MarkFailed(ctx context.Context, id string, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.rows[id]
	m.Status = outbox.StatusFailed
	m.RetryCount++
	m.LastError = cause
	s.rows[id] = m
	return nil
}

func (s *FakeOutboxStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, m := range s.rows {
		if m.Status == outbox.StatusPublished && m.PublishedAt != nil && m.PublishedAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

// Rows returns a snapshot of every row, for assertions.
func (s *FakeOutboxStore) Rows() []outbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Message, 0, len(s.rows))
	for _, m := range s.rows {
		out = append(out, m)
	}
	return out
}

var _ outbox.Store = (*FakeOutboxStore)(nil)
