package outbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/Kumar2022/distributedcommerce/internal/dlq"
	"github.com/Kumar2022/distributedcommerce/internal/metrics"
	"github.com/Kumar2022/distributedcommerce/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func futureCutoff() time.Time {
	return time.Now().UTC().Add(time.Hour)
}

func appendMessage(t *testing.T, store *testutil.FakeOutboxStore, aggregateID, eventType, exchange string) {
	t.Helper()
	err := store.WithTx(context.Background(), func(ctx context.Context, tx TxAppender) error {
		return tx.Append(ctx, Message{
			AggregateID: aggregateID, EventType: eventType,
			Exchange: exchange, RoutingKey: eventType, Payload: []byte(`{}`),
		})
	})
	if err != nil {
		t.Fatalf("append message failed: %v", err)
	}
}

// Outbox atomicity: if the caller's handler fails after appending, the
// whole WithTx call reports that failure so the aggregate mutation that
// shares its transaction never commits either.
func TestWithTx_PropagatesHandlerError(t *testing.T) {
	store := testutil.NewFakeOutboxStore()
	sentinel := errors.New("aggregate write failed")

	err := store.WithTx(context.Background(), func(ctx context.Context, tx TxAppender) error {
		if err := tx.Append(ctx, Message{AggregateID: "p1", EventType: "x", Payload: []byte(`{}`)}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
}

func TestProcessor_PublishesClaimedRowsAndMarksPublished(t *testing.T) {
	store := testutil.NewFakeOutboxStore()
	bus := &testutil.FakeBus{}
	appendMessage(t, store, "p1", "inventory.stock_reserved", "domain.inventory.events")
	appendMessage(t, store, "p2", "inventory.stock_reserved", "domain.inventory.events")

	m := metrics.NewOutboxMetrics(prometheus.NewRegistry(), "test")
	proc := NewProcessor(store, bus, nil, testLog(), m, 10, 5, 0)

	if err := proc.tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if bus.Len() != 2 {
		t.Fatalf("expected 2 published messages, got %d", bus.Len())
	}
	for _, row := range store.Rows() {
		if row.Status != StatusPublished {
			t.Fatalf("row %s status = %s, want published", row.ID, row.Status)
		}
	}
}

// At-least-once delivery: a row only becomes processedAt/published after a
// successful bus ack; failures retry instead of being silently dropped.
func TestProcessor_RetriesOnPublishFailureThenQuarantines(t *testing.T) {
	store := testutil.NewFakeOutboxStore()
	bus := &testutil.FakeBus{FailNext: 10, FailErr: errors.New("broker unavailable")}
	dlqStore := testutil.NewFakeDLQStore()
	appendMessage(t, store, "p1", "inventory.stock_reserved", "domain.inventory.events")

	m := metrics.NewOutboxMetrics(prometheus.NewRegistry(), "test")
	maxRetries := 3
	proc := NewProcessor(store, bus, dlqStore, testLog(), m, 10, maxRetries, 0)

	for i := 0; i < maxRetries; i++ {
		if err := proc.tick(context.Background()); err != nil {
			t.Fatalf("tick %d failed: %v", i, err)
		}
	}

	rows := store.Rows()
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Status != StatusPublished {
		t.Fatalf("quarantined row should be marked terminal (published), got %s", rows[0].Status)
	}

	entries, err := dlqStore.List(context.Background(), "outbox:domain.inventory.events")
	if err != nil {
		t.Fatalf("list dlq failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 quarantined dlq entry, got %d", len(entries))
	}
	if entries[0].Status != dlq.StatusQuarantined {
		t.Fatalf("dlq entry status = %s, want Quarantined", entries[0].Status)
	}
}

func TestCleanup_PurgesOnlyPublishedRowsOlderThanCutoff(t *testing.T) {
	store := testutil.NewFakeOutboxStore()
	appendMessage(t, store, "p1", "inventory.stock_reserved", "domain.inventory.events")

	batch, _ := store.ClaimBatch(context.Background(), 10)
	for _, m := range batch {
		if err := store.MarkPublished(context.Background(), m.ID); err != nil {
			t.Fatalf("mark published failed: %v", err)
		}
	}

	n, err := store.DeleteOlderThan(context.Background(), futureCutoff())
	if err != nil {
		t.Fatalf("delete older than failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected to purge 1 published row, got %d", n)
	}
	if len(store.Rows()) != 0 {
		t.Fatalf("expected 0 rows remaining after purge, got %d", n)
	}
}
