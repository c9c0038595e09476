package saga_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/Kumar2022/distributedcommerce/internal/inventory"
	"github.com/Kumar2022/distributedcommerce/internal/metrics"
	"github.com/Kumar2022/distributedcommerce/internal/payment"
	"github.com/Kumar2022/distributedcommerce/internal/resilience"
	"github.com/Kumar2022/distributedcommerce/internal/saga"
	"github.com/Kumar2022/distributedcommerce/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
)

func integrationTestLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

type orderItem struct {
	ProductID string
	Quantity  int
}

// wireOrderCreationDeps builds OrderCreationDeps directly against an
// in-process inventory.Engine and payment.Service, standing in for the
// RPC-backed deps cmd/order/app.go builds against the real services.
func wireOrderCreationDeps(t *testing.T, invEngine *inventory.Engine, paySvc *payment.Service) saga.OrderCreationDeps {
	t.Helper()
	return saga.OrderCreationDeps{
		ReserveStock: func(ctx context.Context, orderID, customerID string, items interface{}) (string, error) {
			list, ok := items.([]orderItem)
			if !ok || len(list) == 0 {
				return "", fmt.Errorf("no items to reserve")
			}
			r, err := invEngine.Reserve(ctx, list[0].ProductID, orderID, list[0].Quantity)
			if err != nil {
				return "", err
			}
			return r.ID, nil
		},
		ReleaseStock: func(ctx context.Context, reservationID string) error {
			return invEngine.Release(ctx, reservationID)
		},
		AuthorizePayment: func(ctx context.Context, orderID, customerID string, amountCents int64, currency string) (string, error) {
			p, err := paySvc.Authorize(ctx, orderID, customerID, amountCents, currency)
			if err != nil {
				return "", err
			}
			return p.ID, nil
		},
		RefundPayment: func(ctx context.Context, paymentID string) error {
			return nil
		},
		ConfirmOrder: func(ctx context.Context, orderID, reservationID string) error {
			return invEngine.Confirm(ctx, reservationID)
		},
	}
}

func wireInventoryEngine(t *testing.T) (*inventory.Engine, *testutil.FakeInventoryStore) {
	t.Helper()
	store := testutil.NewFakeInventoryStore()
	store.Seed(inventory.Product{ID: "P1", SKU: "sku-P1", StockQuantity: 10, ReservedQuantity: 0, LowStockThreshold: 0})
	m := metrics.NewReservationMetrics(prometheus.NewRegistry(), "test")
	return inventory.NewEngine(store, integrationTestLog(), m, 3, 15*time.Minute), store
}

// OrderCreated for 2 of P1 at stock 10 reserves down to available 8,
// payment authorizes, and confirm_order both deducts the held stock and
// completes the saga.
func TestOrderCreationSaga_HappyPathReservesChargesAndCompletes(t *testing.T) {
	invEngine, invStore := wireInventoryEngine(t)
	payStore := testutil.NewFakePaymentStore()
	payProcessor := &testutil.FakePaymentProcessor{}
	paySvc := payment.NewService(payStore, payProcessor, resilience.NewBreaker("payments", 5, time.Minute, nil), "", "payment")

	deps := wireOrderCreationDeps(t, invEngine, paySvc)
	steps := saga.NewOrderCreationSteps(deps, time.Second)
	store := testutil.NewFakeSagaStore()
	m := metrics.NewSagaMetrics(prometheus.NewRegistry(), "order_creation")
	orch := saga.NewOrchestrator("order_creation", steps, store, integrationTestLog(), m)

	data := map[string]interface{}{
		saga.DataOrderID:     "O1",
		saga.DataCustomerID:  "C1",
		saga.DataItems:       []orderItem{{ProductID: "P1", Quantity: 2}},
		saga.DataAmountCents: int64(2000),
		saga.DataCurrency:    "usd",
	}

	inst, err := orch.Start(context.Background(), "O1", data)
	if err != nil {
		t.Fatalf("saga Start failed: %v", err)
	}
	if inst.State != saga.StateCompleted {
		t.Fatalf("saga state = %s, want Completed", inst.State)
	}

	p, err := invStore.GetProduct(context.Background(), "P1")
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if p.StockQuantity != 8 || p.ReservedQuantity != 0 {
		t.Fatalf("after confirm_order: stock=%d reserved=%d, want stock=8 reserved=0", p.StockQuantity, p.ReservedQuantity)
	}
	if p.AvailableQuantity() != 8 {
		t.Fatalf("availableQuantity = %d, want 8", p.AvailableQuantity())
	}

	if _, ok := inst.Data[saga.DataReservationID].(string); !ok {
		t.Fatal("expected a reservationId recorded on the saga instance")
	}

	paymentID, _ := inst.Data[saga.DataPaymentID].(string)
	if paymentID == "" {
		t.Fatal("expected a paymentId recorded on the saga instance")
	}
	stored, err := payStore.GetByOrderID(context.Background(), "O1")
	if err != nil {
		t.Fatalf("GetByOrderID failed: %v", err)
	}
	if stored.Status != payment.StatusAuthorized {
		t.Fatalf("payment status = %s, want Authorized", stored.Status)
	}
}

// Reservation succeeds, payment then fails — the saga compensates by
// releasing the reservation and ends Compensated, with stock back to its
// pre-reserve state.
func TestOrderCreationSaga_PaymentFailureCompensatesReservation(t *testing.T) {
	invEngine, invStore := wireInventoryEngine(t)
	payStore := testutil.NewFakePaymentStore()
	payProcessor := &testutil.FakePaymentProcessor{FailNext: 1, FailErr: errors.New("card declined")}
	paySvc := payment.NewService(payStore, payProcessor, resilience.NewBreaker("payments", 5, time.Minute, nil), "", "payment")

	deps := wireOrderCreationDeps(t, invEngine, paySvc)
	steps := saga.NewOrderCreationSteps(deps, time.Second)
	store := testutil.NewFakeSagaStore()
	m := metrics.NewSagaMetrics(prometheus.NewRegistry(), "order_creation")
	orch := saga.NewOrchestrator("order_creation", steps, store, integrationTestLog(), m)

	data := map[string]interface{}{
		saga.DataOrderID:     "O2",
		saga.DataCustomerID:  "C1",
		saga.DataItems:       []orderItem{{ProductID: "P1", Quantity: 2}},
		saga.DataAmountCents: int64(2000),
		saga.DataCurrency:    "usd",
	}

	inst, err := orch.Start(context.Background(), "O2", data)
	if err != nil {
		t.Fatalf("saga Start failed: %v", err)
	}
	if inst.State != saga.StateCompensated {
		t.Fatalf("saga state = %s, want Compensated", inst.State)
	}

	p, err := invStore.GetProduct(context.Background(), "P1")
	if err != nil {
		t.Fatalf("GetProduct failed: %v", err)
	}
	if p.StockQuantity != 10 || p.ReservedQuantity != 0 {
		t.Fatalf("stock=%d reserved=%d, want the reservation released back to stock=10 reserved=0", p.StockQuantity, p.ReservedQuantity)
	}

	if _, ok := inst.Data[saga.DataPaymentID]; ok {
		t.Fatal("payment step failed, so no paymentId should have been recorded")
	}
}
