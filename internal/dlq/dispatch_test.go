package dlq_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/Kumar2022/distributedcommerce/internal/dlq"
	"github.com/Kumar2022/distributedcommerce/internal/metrics"
	"github.com/Kumar2022/distributedcommerce/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
)

func testDispatcher(t *testing.T) (*dlq.Dispatcher, *testutil.FakeDLQStore) {
	t.Helper()
	store := testutil.NewFakeDLQStore()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	m := metrics.NewDLQMetrics(prometheus.NewRegistry(), "test")
	return dlq.NewDispatcher(store, log, m), store
}

func quarantineOne(t *testing.T, store *testutil.FakeDLQStore, consumer string) string {
	t.Helper()
	id := "msg-1"
	err := store.Quarantine(context.Background(), dlq.Message{
		ID: id, OriginalID: "evt-1", Consumer: consumer,
		EventType: "inventory.stock_reserved", Payload: []byte(`{}`), Reason: "handler failed",
	})
	if err != nil {
		t.Fatalf("quarantine failed: %v", err)
	}
	return id
}

func TestReprocess_ReplaysPayloadAndResolves(t *testing.T) {
	d, store := testDispatcher(t)
	id := quarantineOne(t, store, "order-service")

	var gotPayload []byte
	d.Register("order-service", func(ctx context.Context, payload []byte) error {
		gotPayload = payload
		return nil
	})

	if err := d.Reprocess(context.Background(), id); err != nil {
		t.Fatalf("Reprocess failed: %v", err)
	}
	if gotPayload == nil {
		t.Fatal("expected handler to receive the quarantined payload")
	}

	entry, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.Status != dlq.StatusReprocessed {
		t.Fatalf("status = %s, want Reprocessed", entry.Status)
	}
}

func TestReprocess_LeavesEntryQuarantinedOnHandlerError(t *testing.T) {
	d, store := testDispatcher(t)
	id := quarantineOne(t, store, "order-service")
	sentinel := errors.New("still broken")
	d.Register("order-service", func(ctx context.Context, payload []byte) error { return sentinel })

	if err := d.Reprocess(context.Background(), id); err == nil {
		t.Fatal("expected Reprocess to return an error")
	}

	entry, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.Status != dlq.StatusQuarantined {
		t.Fatalf("status = %s, want to remain Quarantined after a failed replay", entry.Status)
	}
}

func TestReprocess_FailsWithoutRegisteredHandler(t *testing.T) {
	d, store := testDispatcher(t)
	id := quarantineOne(t, store, "unregistered-consumer")

	if err := d.Reprocess(context.Background(), id); err == nil {
		t.Fatal("expected an error when no handler is registered for the consumer")
	}
}

func TestDiscard_MarksEntryDiscardedWithNote(t *testing.T) {
	d, store := testDispatcher(t)
	id := quarantineOne(t, store, "order-service")

	if err := d.Discard(context.Background(), id, "known bad payload, abandoning"); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}

	entry, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.Status != dlq.StatusDiscarded {
		t.Fatalf("status = %s, want Discarded", entry.Status)
	}
	if entry.ResolvedAt == nil {
		t.Fatal("expected ResolvedAt to be set")
	}
}

// DLQ monotonicity: every status change is appended to the transition log,
// never overwritten, so the full history survives a resolve.
func TestResolve_AppendsTransitionWithoutErasingHistory(t *testing.T) {
	d, store := testDispatcher(t)
	id := quarantineOne(t, store, "order-service")
	d.Register("order-service", func(ctx context.Context, payload []byte) error { return nil })

	if err := d.Reprocess(context.Background(), id); err != nil {
		t.Fatalf("Reprocess failed: %v", err)
	}

	if len(store.Transitions) != 2 {
		t.Fatalf("expected 2 transitions (quarantine + reprocess), got %d", len(store.Transitions))
	}
	if store.Transitions[0].To != dlq.StatusQuarantined {
		t.Fatalf("first transition should record the quarantine, got %+v", store.Transitions[0])
	}
	if store.Transitions[1].From != dlq.StatusQuarantined || store.Transitions[1].To != dlq.StatusReprocessed {
		t.Fatalf("second transition should record quarantined->reprocessed, got %+v", store.Transitions[1])
	}
}
