package inventory_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/Kumar2022/distributedcommerce/internal/inventory"
	"github.com/Kumar2022/distributedcommerce/internal/metrics"
	"github.com/Kumar2022/distributedcommerce/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
)

func testEngine(t *testing.T) (*inventory.Engine, *testutil.FakeInventoryStore) {
	t.Helper()
	store := testutil.NewFakeInventoryStore()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	m := metrics.NewReservationMetrics(prometheus.NewRegistry(), "test")
	return inventory.NewEngine(store, log, m, 3, 15*time.Minute), store
}

func seedProduct(store *testutil.FakeInventoryStore, id string, stock, reserved, threshold int) {
	store.Seed(inventory.Product{
		ID: id, SKU: "sku-" + id, StockQuantity: stock, ReservedQuantity: reserved,
		LowStockThreshold: threshold, RowVersion: 0,
	})
}

func TestReserve_SucceedsWithinAvailability(t *testing.T) {
	engine, store := testEngine(t)
	seedProduct(store, "p1", 10, 0, 2)

	r, err := engine.Reserve(context.Background(), "p1", "order-1", 4)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if r.Status != inventory.ReservationActive {
		t.Fatalf("expected Active reservation, got %s", r.Status)
	}

	p, err := store.GetProduct(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if p.ReservedQuantity != 4 {
		t.Fatalf("reservedQuantity = %d, want 4", p.ReservedQuantity)
	}
	if p.AvailableQuantity() != 6 {
		t.Fatalf("availableQuantity = %d, want 6", p.AvailableQuantity())
	}
}

func TestReserve_FailsWhenInsufficientStock(t *testing.T) {
	engine, store := testEngine(t)
	seedProduct(store, "p1", 3, 0, 0)

	_, err := engine.Reserve(context.Background(), "p1", "order-1", 5)
	if !errors.Is(err, inventory.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	p, _ := store.GetProduct(context.Background(), "p1")
	if p.ReservedQuantity != 0 {
		t.Fatalf("reservedQuantity should be unchanged on failure, got %d", p.ReservedQuantity)
	}
}

func TestConfirm_DeductsStockAndClearsReservation(t *testing.T) {
	engine, store := testEngine(t)
	seedProduct(store, "p1", 10, 0, 0)

	r, err := engine.Reserve(context.Background(), "p1", "order-1", 4)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	if err := engine.Confirm(context.Background(), r.ID); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	p, _ := store.GetProduct(context.Background(), "p1")
	if p.StockQuantity != 6 {
		t.Fatalf("stockQuantity = %d, want 6", p.StockQuantity)
	}
	if p.ReservedQuantity != 0 {
		t.Fatalf("reservedQuantity = %d, want 0", p.ReservedQuantity)
	}

	got, _ := store.GetReservation(context.Background(), r.ID)
	if got.Status != inventory.ReservationConfirmed {
		t.Fatalf("reservation status = %s, want Confirmed", got.Status)
	}
}

func TestConfirm_RejectsNonActiveReservation(t *testing.T) {
	engine, store := testEngine(t)
	seedProduct(store, "p1", 10, 0, 0)

	r, err := engine.Reserve(context.Background(), "p1", "order-1", 4)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := engine.Confirm(context.Background(), r.ID); err != nil {
		t.Fatalf("first Confirm failed: %v", err)
	}

	if err := engine.Confirm(context.Background(), r.ID); !errors.Is(err, inventory.ErrReservationNotActive) {
		t.Fatalf("expected ErrReservationNotActive on double confirm, got %v", err)
	}
}

// reserve(q) -> release(o) restores stockQuantity/reservedQuantity to
// pre-reserve values.
func TestReserveThenRelease_RestoresPreReserveState(t *testing.T) {
	engine, store := testEngine(t)
	seedProduct(store, "p1", 10, 0, 0)

	r, err := engine.Reserve(context.Background(), "p1", "order-1", 4)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := engine.Release(context.Background(), r.ID); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	p, _ := store.GetProduct(context.Background(), "p1")
	if p.StockQuantity != 10 || p.ReservedQuantity != 0 {
		t.Fatalf("product not restored: stock=%d reserved=%d", p.StockQuantity, p.ReservedQuantity)
	}

	got, _ := store.GetReservation(context.Background(), r.ID)
	if got.Status != inventory.ReservationReleased {
		t.Fatalf("reservation status = %s, want Released", got.Status)
	}
}

// ReleaseByOrder is the entry point for the order-cancellation consumer,
// which only knows the order id, not the individual reservation ids the
// saga's own compensation step carries. It must release every line item's
// reservation and be a no-op when nothing is held for the order.
func TestReleaseByOrder_ReleasesEveryLineItemReservation(t *testing.T) {
	engine, store := testEngine(t)
	seedProduct(store, "p1", 10, 0, 0)
	seedProduct(store, "p2", 5, 0, 0)

	if _, err := engine.Reserve(context.Background(), "p1", "order-9", 3); err != nil {
		t.Fatalf("Reserve p1 failed: %v", err)
	}
	if _, err := engine.Reserve(context.Background(), "p2", "order-9", 2); err != nil {
		t.Fatalf("Reserve p2 failed: %v", err)
	}

	if err := engine.ReleaseByOrder(context.Background(), "order-9"); err != nil {
		t.Fatalf("ReleaseByOrder failed: %v", err)
	}

	p1, _ := store.GetProduct(context.Background(), "p1")
	p2, _ := store.GetProduct(context.Background(), "p2")
	if p1.ReservedQuantity != 0 || p2.ReservedQuantity != 0 {
		t.Fatalf("reservations not fully released: p1.reserved=%d p2.reserved=%d", p1.ReservedQuantity, p2.ReservedQuantity)
	}

	if err := engine.ReleaseByOrder(context.Background(), "order-does-not-exist"); err != nil {
		t.Fatalf("ReleaseByOrder on an order with no holds should be a no-op, got error: %v", err)
	}
}

// Release is idempotent: releasing an already-terminal reservation must be
// a no-op rather than double-crediting stock (redelivery safety).
func TestRelease_IsIdempotentOnTerminalReservation(t *testing.T) {
	engine, store := testEngine(t)
	seedProduct(store, "p1", 10, 0, 0)

	r, err := engine.Reserve(context.Background(), "p1", "order-1", 4)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := engine.Release(context.Background(), r.ID); err != nil {
		t.Fatalf("first Release failed: %v", err)
	}
	if err := engine.Release(context.Background(), r.ID); err != nil {
		t.Fatalf("second Release should be a no-op, got error: %v", err)
	}

	p, _ := store.GetProduct(context.Background(), "p1")
	if p.ReservedQuantity != 0 {
		t.Fatalf("reservedQuantity = %d, want 0 after idempotent release", p.ReservedQuantity)
	}
}

// reserve(q) -> confirm(o) -> adjust(+q, ...) restores stockQuantity to the
// pre-reserve value with no active reservations left.
func TestReserveConfirmAdjust_RestoresStockQuantity(t *testing.T) {
	engine, store := testEngine(t)
	seedProduct(store, "p1", 10, 0, 0)

	r, err := engine.Reserve(context.Background(), "p1", "order-1", 4)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := engine.Confirm(context.Background(), r.ID); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if err := engine.Adjust(context.Background(), "p1", 4, "restock after sale"); err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}

	p, _ := store.GetProduct(context.Background(), "p1")
	if p.StockQuantity != 10 {
		t.Fatalf("stockQuantity = %d, want 10", p.StockQuantity)
	}

	expired, _ := store.ListExpired(context.Background(), time.Now().Add(time.Hour))
	for _, exp := range expired {
		if exp.Status == inventory.ReservationActive {
			t.Fatalf("no active reservations should remain, found %+v", exp)
		}
	}
}

func TestAdjust_RejectsEmptyReason(t *testing.T) {
	engine, store := testEngine(t)
	seedProduct(store, "p1", 10, 0, 0)

	if err := engine.Adjust(context.Background(), "p1", 5, ""); err == nil {
		t.Fatal("expected error for empty adjustment reason")
	}
}

func TestAdjust_RejectsNegativeResult(t *testing.T) {
	engine, store := testEngine(t)
	seedProduct(store, "p1", 3, 0, 0)

	if err := engine.Adjust(context.Background(), "p1", -10, "correction"); err == nil {
		t.Fatal("expected error when adjustment would drive stock negative")
	}
}

func TestExpireDue_TransitionsOverdueReservations(t *testing.T) {
	engine, store := testEngine(t)
	seedProduct(store, "p1", 5, 0, 0)

	store.Seed(inventory.Product{ID: "p1", SKU: "sku-p1", StockQuantity: 5, ReservedQuantity: 3, LowStockThreshold: 0, RowVersion: 0})
	if err := store.CreateReservation(context.Background(), inventory.StockReservation{
		ID: "r1", ProductID: "p1", OrderID: "order-1", Quantity: 3,
		Status: inventory.ReservationActive, ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("seed reservation failed: %v", err)
	}

	n, err := engine.ExpireDue(context.Background())
	if err != nil {
		t.Fatalf("ExpireDue failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired count = %d, want 1", n)
	}

	p, _ := store.GetProduct(context.Background(), "p1")
	if p.ReservedQuantity != 0 {
		t.Fatalf("reservedQuantity = %d, want 0 after expiry", p.ReservedQuantity)
	}
	if p.AvailableQuantity() != 5 {
		t.Fatalf("availableQuantity = %d, want 5 after expiry", p.AvailableQuantity())
	}

	r, _ := store.GetReservation(context.Background(), "r1")
	if r.Status != inventory.ReservationExpired {
		t.Fatalf("reservation status = %s, want Expired", r.Status)
	}
}

// Two concurrent reservations against stock of 1, both asking for 1: only
// one can succeed.
func TestReserve_ConcurrentRequestsOnlyOneSucceeds(t *testing.T) {
	engine, store := testEngine(t)
	seedProduct(store, "p1", 1, 0, 0)

	results := make(chan error, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		orderID := "order-a"
		if i == 1 {
			orderID = "order-b"
		}
		go func(orderID string) {
			<-start
			_, err := engine.Reserve(context.Background(), "p1", orderID, 1)
			results <- err
		}(orderID)
	}
	close(start)

	successes, failures := 0, 0
	for i := 0; i < 2; i++ {
		if err := <-results; err == nil {
			successes++
		} else {
			failures++
		}
	}

	if successes != 1 || failures != 1 {
		t.Fatalf("expected exactly one success and one failure, got successes=%d failures=%d", successes, failures)
	}

	p, _ := store.GetProduct(context.Background(), "p1")
	if p.ReservedQuantity != 1 {
		t.Fatalf("reservedQuantity = %d, want 1 after contention resolves", p.ReservedQuantity)
	}
}

func TestProduct_LowStockDetection(t *testing.T) {
	p := inventory.Product{StockQuantity: 10, ReservedQuantity: 8, LowStockThreshold: 2}
	if !p.IsLowStock() {
		t.Fatalf("expected low stock when available (%d) <= threshold (%d)", p.AvailableQuantity(), p.LowStockThreshold)
	}

	p.ReservedQuantity = 5
	if p.IsLowStock() {
		t.Fatalf("did not expect low stock when available (%d) > threshold (%d)", p.AvailableQuantity(), p.LowStockThreshold)
	}
}
