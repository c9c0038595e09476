package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_DoublesUntilCapped(t *testing.T) {
	p := NewRetryPolicy(100*time.Millisecond, time.Second, 5)

	for attempt, wantBase := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
	} {
		d := p.Backoff(attempt)
		lo, hi := wantBase-wantBase/5-1, wantBase+wantBase/5+1
		if d < lo || d > hi {
			t.Fatalf("attempt %d: backoff %v outside jitter band [%v,%v]", attempt, d, lo, hi)
		}
	}
}

func TestBackoff_NeverExceedsMax(t *testing.T) {
	p := NewRetryPolicy(time.Second, 2*time.Second, 10)
	for attempt := 1; attempt <= 10; attempt++ {
		if d := p.Backoff(attempt); d > p.Max+p.Max/5+time.Millisecond {
			t.Fatalf("attempt %d: backoff %v exceeds max %v beyond jitter band", attempt, d, p.Max)
		}
	}
}

func TestDo_SucceedsWithoutRetryingOnFirstSuccess(t *testing.T) {
	p := NewRetryPolicy(time.Millisecond, time.Millisecond, 5)
	calls := 0
	err := p.Do(context.Background(), nil, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	p := NewRetryPolicy(time.Millisecond, time.Millisecond, 5)
	calls := 0
	sentinel := errors.New("transient")
	err := p.Do(context.Background(), func(error) bool { return true }, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return sentinel
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDo_StopsAfterMaxAttempts(t *testing.T) {
	p := NewRetryPolicy(time.Millisecond, time.Millisecond, 3)
	calls := 0
	sentinel := errors.New("always fails")
	err := p.Do(context.Background(), func(error) bool { return true }, func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error after exhausting attempts, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (MaxAttempts)", calls)
	}
}

func TestDo_StopsImmediatelyOnNonRetryableError(t *testing.T) {
	p := NewRetryPolicy(time.Millisecond, time.Millisecond, 5)
	calls := 0
	sentinel := errors.New("validation error")
	err := p.Do(context.Background(), func(error) bool { return false }, func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry for non-retryable error)", calls)
	}
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	p := NewRetryPolicy(time.Hour, time.Hour, 5)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	sentinel := errors.New("transient")

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, func(error) bool { return true }, func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 before the long backoff was interrupted", calls)
	}
}
