package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SharedState mirrors a Breaker's open/closed verdict into Redis, where
// IsOpen can read it back. Breaker itself does not consult IsOpen, so each
// replica still opens its own breaker from its own failure count.
type SharedState struct {
	client *redis.Client
	prefix string
}

// NewSharedState wraps an existing Redis client.
func NewSharedState(client *redis.Client, prefix string) *SharedState {
	return &SharedState{client: client, prefix: prefix}
}

func (s *SharedState) key(name string) string {
	return fmt.Sprintf("%s:breaker:%s", s.prefix, name)
}

// MarkOpen records that name's breaker opened, with a TTL matching the
// reset timeout so the key naturally expires when a half-open probe would
// have been allowed anyway.
func (s *SharedState) MarkOpen(ctx context.Context, name string, resetTimeout time.Duration) error {
	if err := s.client.Set(ctx, s.key(name), string(StateOpen), resetTimeout).Err(); err != nil {
		return fmt.Errorf("mark breaker open in redis: %w", err)
	}
	return nil
}

// MarkClosed clears the shared open marker.
func (s *SharedState) MarkClosed(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.key(name)).Err(); err != nil {
		return fmt.Errorf("clear breaker state in redis: %w", err)
	}
	return nil
}

// IsOpen reports whether another replica has marked name's breaker open.
func (s *SharedState) IsOpen(ctx context.Context, name string) (bool, error) {
	val, err := s.client.Get(ctx, s.key(name)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read breaker state from redis: %w", err)
	}
	return val == string(StateOpen), nil
}

// Observer returns an OnStateChange callback that mirrors local transitions
// into Redis, wiring a Breaker to this shared state.
func (s *SharedState) Observer(resetTimeout time.Duration) OnStateChange {
	return func(name string, from, to State) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		switch to {
		case StateOpen:
			_ = s.MarkOpen(ctx, name, resetTimeout)
		case StateClosed:
			_ = s.MarkClosed(ctx, name)
		}
	}
}
