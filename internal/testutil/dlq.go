package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kumar2022/distributedcommerce/internal/dlq"
)

// FakeDLQStore is an in-memory dlq.Store.
type FakeDLQStore struct {
	mu          sync.Mutex
	messages    map[string]dlq.Message
	Transitions []dlq.Transition
}

// NewFakeDLQStore builds an empty store.
func NewFakeDLQStore() *FakeDLQStore {
	return &FakeDLQStore{messages: map[string]dlq.Message{}}
}

func (s *FakeDLQStore) Quarantine(ctx context.Context, msg dlq.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Status = dlq.StatusQuarantined
	msg.QuarantinedAt = time.Now().UTC()
	s.messages[msg.ID] = msg
	s.Transitions = append(s.Transitions, dlq.Transition{MessageID: msg.ID, To: dlq.StatusQuarantined, Note: msg.Reason, At: msg.QuarantinedAt})
	return nil
}

func (s *FakeDLQStore) List(ctx context.Context, consumer string) ([]dlq.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []dlq.Message
	for _, m := range s.messages {
		if m.Consumer == consumer {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *FakeDLQStore) Get(ctx context.Context, id string) (dlq.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return dlq.Message{}, errNotFound("dlq message")
	}
	return m, nil
}

func (s *FakeDLQStore) Resolve(ctx context.Context, id string, to dlq.Status, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return errNotFound("dlq message")
	}
	from := m.Status
	m.Status = to
	now := time.Now().UTC()
	m.ResolvedAt = &now
	s.messages[id] = m
	s.Transitions = append(s.Transitions, dlq.Transition{MessageID: id, From: from, To: to, Note: note, At: now})
	return nil
}

func (s *FakeDLQStore) AppendTransition(ctx context.Context, t dlq.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Transitions = append(s.Transitions, t)
	return nil
}

var _ dlq.Store = (*FakeDLQStore)(nil)
