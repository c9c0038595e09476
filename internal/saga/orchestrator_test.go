package saga

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Kumar2022/distributedcommerce/internal/metrics"
	"github.com/Kumar2022/distributedcommerce/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// orderedCalls records step execute/compensate invocations in the order they
// actually happened, so forward and compensation ordering can be asserted
// directly (saga causality: compensation only undoes what actually ran).
type orderedCalls struct {
	mu    sync.Mutex
	calls []string
}

func (c *orderedCalls) record(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s)
}

func (c *orderedCalls) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestOrchestrator_RunsStepsInOrderAndCompletes(t *testing.T) {
	calls := &orderedCalls{}
	steps := []Step{
		{Name: "reserve_inventory", Timeout: time.Second, Execute: func(ctx context.Context, data map[string]interface{}) error {
			calls.record("execute:reserve_inventory")
			return nil
		}},
		{Name: "authorize_payment", Timeout: time.Second, Execute: func(ctx context.Context, data map[string]interface{}) error {
			calls.record("execute:authorize_payment")
			return nil
		}},
		{Name: "schedule_shipment", Timeout: time.Second, Execute: func(ctx context.Context, data map[string]interface{}) error {
			calls.record("execute:schedule_shipment")
			return nil
		}},
	}

	store := testutil.NewFakeSagaStore()
	m := metrics.NewSagaMetrics(prometheus.NewRegistry(), "test")
	orch := NewOrchestrator("order_creation", steps, store, testLog(), m)

	inst, err := orch.Start(context.Background(), "corr-1", map[string]interface{}{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.State != StateCompleted {
		t.Fatalf("state = %s, want Completed", inst.State)
	}
	want := []string{"execute:reserve_inventory", "execute:authorize_payment", "execute:schedule_shipment"}
	if got := calls.snapshot(); !equalSlices(got, want) {
		t.Fatalf("execute order = %v, want %v", got, want)
	}
}

// A failure on step 2 must compensate only steps that actually ran (step 1),
// in reverse order, and never attempt the step that failed or any step after
// it.
func TestOrchestrator_FailureCompensatesCompletedStepsInReverse(t *testing.T) {
	calls := &orderedCalls{}
	sentinel := errors.New("payment declined")
	steps := []Step{
		{Name: "reserve_inventory", Timeout: time.Second,
			Execute: func(ctx context.Context, data map[string]interface{}) error {
				calls.record("execute:reserve_inventory")
				return nil
			},
			Compensate: func(ctx context.Context, data map[string]interface{}) error {
				calls.record("compensate:reserve_inventory")
				return nil
			}},
		{Name: "authorize_payment", Timeout: time.Second,
			Execute: func(ctx context.Context, data map[string]interface{}) error {
				calls.record("execute:authorize_payment")
				return sentinel
			}},
		{Name: "schedule_shipment", Timeout: time.Second,
			Execute: func(ctx context.Context, data map[string]interface{}) error {
				calls.record("execute:schedule_shipment")
				return nil
			}},
	}

	store := testutil.NewFakeSagaStore()
	m := metrics.NewSagaMetrics(prometheus.NewRegistry(), "test")
	orch := NewOrchestrator("order_creation", steps, store, testLog(), m)

	inst, err := orch.Start(context.Background(), "corr-2", map[string]interface{}{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.State != StateCompensated {
		t.Fatalf("state = %s, want Compensated", inst.State)
	}

	want := []string{"execute:reserve_inventory", "execute:authorize_payment", "compensate:reserve_inventory"}
	if got := calls.snapshot(); !equalSlices(got, want) {
		t.Fatalf("call order = %v, want %v", got, want)
	}
}

func TestOrchestrator_CompensationFailureMarksSagaFailed(t *testing.T) {
	steps := []Step{
		{Name: "reserve_inventory", Timeout: time.Second,
			Execute:    func(ctx context.Context, data map[string]interface{}) error { return nil },
			Compensate: func(ctx context.Context, data map[string]interface{}) error { return errors.New("compensation broker unreachable") }},
		{Name: "authorize_payment", Timeout: time.Second,
			Execute: func(ctx context.Context, data map[string]interface{}) error { return errors.New("declined") }},
	}

	store := testutil.NewFakeSagaStore()
	m := metrics.NewSagaMetrics(prometheus.NewRegistry(), "test")
	orch := NewOrchestrator("order_creation", steps, store, testLog(), m)

	inst, err := orch.Start(context.Background(), "corr-3", map[string]interface{}{})
	if err == nil {
		t.Fatal("expected an error when compensation itself fails")
	}
	if inst.State != StateFailed {
		t.Fatalf("state = %s, want Failed", inst.State)
	}
}

func TestOrchestrator_PersistsVersionedInstanceAfterEachStep(t *testing.T) {
	steps := []Step{
		{Name: "reserve_inventory", Timeout: time.Second,
			Execute: func(ctx context.Context, data map[string]interface{}) error { return nil }},
	}
	store := testutil.NewFakeSagaStore()
	m := metrics.NewSagaMetrics(prometheus.NewRegistry(), "test")
	orch := NewOrchestrator("order_creation", steps, store, testLog(), m)

	inst, err := orch.Start(context.Background(), "corr-4", map[string]interface{}{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	loaded, err := store.Load(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Version != inst.Version {
		t.Fatalf("stored version = %d, want %d", loaded.Version, inst.Version)
	}
	if loaded.State != StateCompleted {
		t.Fatalf("stored state = %s, want Completed", loaded.State)
	}
}

// TimeoutScanner drives a stuck instance into compensation without any
// external caller noticing the step never called back.
func TestTimeoutScanner_CompensatesStuckInstance(t *testing.T) {
	calls := &orderedCalls{}
	steps := []Step{
		{Name: "reserve_inventory", Timeout: time.Second,
			Execute:    func(ctx context.Context, data map[string]interface{}) error { return nil },
			Compensate: func(ctx context.Context, data map[string]interface{}) error { calls.record("compensate:reserve_inventory"); return nil }},
		{Name: "authorize_payment", Timeout: time.Second,
			Execute: func(ctx context.Context, data map[string]interface{}) error { select {} }},
	}

	store := testutil.NewFakeSagaStore()
	m := metrics.NewSagaMetrics(prometheus.NewRegistry(), "test")
	orch := NewOrchestrator("order_creation", steps, store, testLog(), m)

	past := time.Now().UTC().Add(-time.Minute)
	stuck := Instance{
		ID: "stuck-1", SagaType: "order_creation", State: StateRunning,
		CurrentStep: 1, Data: map[string]interface{}{}, Version: 2,
		StepDeadline: &past, CreatedAt: past, UpdatedAt: past,
	}
	if err := store.Create(context.Background(), stuck); err != nil {
		t.Fatalf("seed instance failed: %v", err)
	}

	scanner := NewTimeoutScanner(store, orch, time.Hour, testLog(), m)
	scanner.scan(context.Background())

	loaded, err := store.Load(context.Background(), "stuck-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.State != StateCompensated {
		t.Fatalf("state = %s, want Compensated", loaded.State)
	}
	if len(calls.snapshot()) != 1 {
		t.Fatalf("expected exactly 1 compensation call, got %d", len(calls.snapshot()))
	}
}

func TestSave_ReturnsConflictWhenVersionMoved(t *testing.T) {
	store := testutil.NewFakeSagaStore()
	inst := Instance{ID: "i1", SagaType: "order_creation", State: StateRunning, Version: 0, Data: map[string]interface{}{}}
	if err := store.Create(context.Background(), inst); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	bumped := inst
	bumped.Version = 1
	if err := store.Save(context.Background(), bumped, 0); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}

	// inst still carries the version observed before the bump above, so
	// saving it against expectedVersion 0 is now stale.
	if err := store.Save(context.Background(), inst, 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on stale version, got %v", err)
	}
}
