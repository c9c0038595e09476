package payment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Kumar2022/distributedcommerce/internal/payment"
	"github.com/Kumar2022/distributedcommerce/internal/resilience"
	"github.com/Kumar2022/distributedcommerce/internal/testutil"
)

func testBreaker() *resilience.Breaker {
	return resilience.NewBreaker("payments", 5, time.Minute, nil)
}

func TestAuthorize_PersistsAuthorizedPaymentOnSuccess(t *testing.T) {
	store := testutil.NewFakePaymentStore()
	processor := &testutil.FakePaymentProcessor{}
	svc := payment.NewService(store, processor, testBreaker(), "", "payment")

	p, err := svc.Authorize(context.Background(), "order-1", "cust-1", 5000, "usd")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if p.Status != payment.StatusAuthorized {
		t.Fatalf("status = %s, want Authorized", p.Status)
	}
	if p.ProcessorRef == "" {
		t.Fatal("expected a processor reference to be recorded")
	}

	stored, err := store.GetByOrderID(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("GetByOrderID failed: %v", err)
	}
	if stored.Status != payment.StatusAuthorized {
		t.Fatalf("stored status = %s, want Authorized", stored.Status)
	}
}

// A declined authorization still persists a Failed row and returns the
// processor's error, since the saga's compensation path depends on both.
func TestAuthorize_PersistsFailedPaymentOnProcessorError(t *testing.T) {
	store := testutil.NewFakePaymentStore()
	sentinel := errors.New("card declined")
	processor := &testutil.FakePaymentProcessor{FailNext: 1, FailErr: sentinel}
	svc := payment.NewService(store, processor, testBreaker(), "", "payment")

	p, err := svc.Authorize(context.Background(), "order-2", "cust-1", 5000, "usd")
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected the processor's error to propagate, got %v", err)
	}
	if p.Status != payment.StatusFailed {
		t.Fatalf("status = %s, want Failed", p.Status)
	}

	stored, getErr := store.GetByOrderID(context.Background(), "order-2")
	if getErr != nil {
		t.Fatalf("GetByOrderID failed: %v", getErr)
	}
	if stored.Status != payment.StatusFailed {
		t.Fatalf("stored status = %s, want Failed", stored.Status)
	}
}

// Refund is idempotent: a second call against an already-refunded payment
// must be a no-op rather than charging the processor twice.
func TestRefund_IsIdempotentOnAlreadyRefundedPayment(t *testing.T) {
	store := testutil.NewFakePaymentStore()
	processor := &testutil.FakePaymentProcessor{}
	svc := payment.NewService(store, processor, testBreaker(), "", "payment")

	if _, err := svc.Authorize(context.Background(), "order-3", "cust-1", 1000, "usd"); err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if err := svc.Refund(context.Background(), "order-3"); err != nil {
		t.Fatalf("first Refund failed: %v", err)
	}
	if err := svc.Refund(context.Background(), "order-3"); err != nil {
		t.Fatalf("second Refund should be a no-op, got error: %v", err)
	}
	if len(processor.Refunded) != 1 {
		t.Fatalf("expected exactly 1 processor refund call, got %d", len(processor.Refunded))
	}

	stored, err := store.GetByOrderID(context.Background(), "order-3")
	if err != nil {
		t.Fatalf("GetByOrderID failed: %v", err)
	}
	if stored.Status != payment.StatusRefunded {
		t.Fatalf("status = %s, want Refunded", stored.Status)
	}
}

func TestRefund_IsNoOpWhenPaymentWasNeverAuthorized(t *testing.T) {
	store := testutil.NewFakePaymentStore()
	processor := &testutil.FakePaymentProcessor{}
	svc := payment.NewService(store, processor, testBreaker(), "", "payment")

	if err := store.Create(context.Background(), payment.Payment{ID: "p1", OrderID: "order-4", Status: payment.StatusFailed}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := svc.Refund(context.Background(), "order-4"); err != nil {
		t.Fatalf("expected Refund to no-op on a non-authorized payment, got %v", err)
	}
	if len(processor.Refunded) != 0 {
		t.Fatalf("expected no processor refund call, got %d", len(processor.Refunded))
	}
}

// An order can be cancelled before payment ever ran (e.g. inventory
// reservation itself failed), in which case no Payment row exists at all.
// The order-cancellation consumer still calls Refund for every cancelled
// order, so this must no-op rather than error.
func TestRefund_IsNoOpWhenNoPaymentWasEverCreated(t *testing.T) {
	store := testutil.NewFakePaymentStore()
	processor := &testutil.FakePaymentProcessor{}
	svc := payment.NewService(store, processor, testBreaker(), "", "payment")

	if err := svc.Refund(context.Background(), "order-never-paid"); err != nil {
		t.Fatalf("expected Refund to no-op when no payment exists, got %v", err)
	}
	if len(processor.Refunded) != 0 {
		t.Fatalf("expected no processor refund call, got %d", len(processor.Refunded))
	}
}
