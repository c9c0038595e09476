package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/Kumar2022/distributedcommerce/internal/inbox"
)

type inboxKey struct {
	eventID  string
	consumer string
}

// FakeInboxStore is an in-memory inbox.Store enforcing the same
// (eventId, consumer) uniqueness a real unique index would.
type FakeInboxStore struct {
	mu   sync.Mutex
	rows map[inboxKey]inbox.Message
}

// NewFakeInboxStore builds an empty store.
func NewFakeInboxStore() *FakeInboxStore {
	return &FakeInboxStore{rows: map[inboxKey]inbox.Message{}}
}

func (s *FakeInboxStore) TryReceive(ctx context.Context, eventID, consumer, eventType string, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := inboxKey{eventID, consumer}
	if _, exists := s.rows[key]; exists {
		return false, nil
	}
	s.rows[key] = inbox.Message{
		EventID: eventID, Consumer: consumer, EventType: eventType, Payload: payload,
		Status: inbox.StatusReceived, ReceivedAt: time.Now().UTC(),
	}
	return true, nil
}

func (s *FakeInboxStore) Get(ctx context.Context, eventID, consumer string) (inbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[inboxKey{eventID, consumer}]
	if !ok {
		return inbox.Message{}, errNotFound("inbox message")
	}
	return m, nil
}

func (s *FakeInboxStore) MarkProcessed(ctx context.Context, eventID, consumer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inboxKey{eventID, consumer}
	m := s.rows[key]
	m.Status = inbox.StatusProcessed
	now := time.Now().UTC()
	m.ProcessedAt = &now
	s.rows[key] = m
	return nil
}

func (s *FakeInboxStore) MarkFailed(ctx context.Context, eventID, consumer, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inboxKey{eventID, consumer}
	m := s.rows[key]
	m.Status = inbox.StatusFailed
	m.RetryCount++
	m.LastError = cause
	s.rows[key] = m
	return nil
}

func (s *FakeInboxStore) MarkPoison(ctx context.Context, eventID, consumer, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inboxKey{eventID, consumer}
	m := s.rows[key]
	m.Status = inbox.StatusPoison
	m.LastError = cause
	s.rows[key] = m
	return nil
}

var _ inbox.Store = (*FakeInboxStore)(nil)
