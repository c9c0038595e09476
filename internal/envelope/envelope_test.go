package envelope_test

import (
	"encoding/json"
	"testing"

	"github.com/Kumar2022/distributedcommerce/internal/envelope"
)

type stockReserved struct {
	ReservationID string `json:"reservationId"`
	Quantity      int    `json:"quantity"`
}

// Envelope round-trip: serialize/deserialize preserves every field
// byte-for-byte at the JSON layer, including eventId, correlationId, and
// headers.
func TestEnvelope_RoundTripPreservesAllFields(t *testing.T) {
	parent, err := envelope.New("p1", envelope.EventStockReserved, envelope.SchemaVersion1, "inventory", stockReserved{ReservationID: "r1", Quantity: 3})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	parent.TraceParent = "00-aaaa-bbbb-01"
	parent.TenantID = "tenant-1"
	parent.Headers = map[string]string{"x-source": "inventory-service"}

	child := envelope.Event{
		EventID:       "child-1",
		AggregateID:   "order-1",
		EventType:     envelope.EventOrderCreated,
		SchemaVersion: envelope.SchemaVersion1,
		Producer:      "order",
		OccurredOn:    parent.OccurredOn,
		Headers:       map[string]string{"x-source": "order-service"},
		Payload:       json.RawMessage(`{"orderId":"order-1"}`),
	}.WithCausation(parent)

	body, err := child.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	got, err := envelope.Unmarshal(body)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if got.EventID != child.EventID {
		t.Fatalf("eventId = %q, want %q", got.EventID, child.EventID)
	}
	if got.CorrelationID != parent.CorrelationID {
		t.Fatalf("correlationId = %q, want %q (inherited from parent)", got.CorrelationID, parent.CorrelationID)
	}
	if got.CausationID != parent.EventID {
		t.Fatalf("causationId = %q, want %q (parent's eventId)", got.CausationID, parent.EventID)
	}
	if got.TraceParent != parent.TraceParent {
		t.Fatalf("traceparent = %q, want %q", got.TraceParent, parent.TraceParent)
	}
	if got.TenantID != parent.TenantID {
		t.Fatalf("tenantId = %q, want %q", got.TenantID, parent.TenantID)
	}
	if got.Headers["x-source"] != "order-service" {
		t.Fatalf("headers = %v, want x-source=order-service", got.Headers)
	}
	if !got.OccurredOn.Equal(child.OccurredOn) {
		t.Fatalf("occurredOn = %v, want %v", got.OccurredOn, child.OccurredOn)
	}
	if string(got.Payload) != string(child.Payload) {
		t.Fatalf("payload = %s, want %s", got.Payload, child.Payload)
	}
}

func TestNew_DefaultsCorrelationIDToOwnEventID(t *testing.T) {
	evt, err := envelope.New("p1", envelope.EventStockReserved, envelope.SchemaVersion1, "inventory", map[string]string{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if evt.CorrelationID != evt.EventID {
		t.Fatalf("correlationId = %q, want it to default to eventId %q", evt.CorrelationID, evt.EventID)
	}
	if evt.CausationID != "" {
		t.Fatalf("causationId should be empty for a root event, got %q", evt.CausationID)
	}
}

func TestWithCausation_InheritsParentCorrelationAndTrace(t *testing.T) {
	parent, err := envelope.New("p1", envelope.EventOrderCreated, envelope.SchemaVersion1, "order", map[string]string{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	parent.TraceParent = "00-trace-1"

	child, err := envelope.New("p1", envelope.EventStockReserved, envelope.SchemaVersion1, "inventory", map[string]string{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	causal := child.WithCausation(parent)

	if causal.CorrelationID != parent.CorrelationID {
		t.Fatalf("correlationId = %q, want parent's %q", causal.CorrelationID, parent.CorrelationID)
	}
	if causal.CausationID != parent.EventID {
		t.Fatalf("causationId = %q, want parent's eventId %q", causal.CausationID, parent.EventID)
	}
	if causal.TraceParent != parent.TraceParent {
		t.Fatalf("traceparent = %q, want parent's %q", causal.TraceParent, parent.TraceParent)
	}
	if causal.EventID == parent.EventID {
		t.Fatal("child's own eventId should not be overwritten by causation")
	}
}

func TestUnmarshal_RejectsMalformedBody(t *testing.T) {
	if _, err := envelope.Unmarshal([]byte("not json")); err == nil {
		t.Fatal("expected an error for a malformed envelope body")
	}
}
