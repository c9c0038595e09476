// Package envelope defines the wire format every event carries between the
// outbox, the bus, and the inbox: a stable header plus a typed payload.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the IntegrationEvent wrapper. AggregateID identifies the aggregate
// the event belongs to; it is not used for routing, since the outbox rows are
// published with EventType as the routing key, and events for one aggregate
// are not pinned to one queue. Payload is kept raw so a consumer can unmarshal it
// into the concrete type registered for (EventType, SchemaVersion).
type Event struct {
	EventID       string          `json:"eventId"`
	AggregateID   string          `json:"aggregateId"`
	EventType     string          `json:"eventType"`
	SchemaVersion int             `json:"schemaVersion"`
	Producer      string          `json:"producer"`
	OccurredOn    time.Time       `json:"occurredOn"`
	CorrelationID string          `json:"correlationId"`
	CausationID   string          `json:"causationId,omitempty"`
	TraceParent   string          `json:"traceparent,omitempty"`
	TenantID      string          `json:"tenantId,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// New builds an Event with a fresh EventID and OccurredOn set to now, and
// the correlation id defaulted to the new event id when the caller starts a
// new causal chain rather than continuing one.
func New(aggregateID, eventType string, schemaVersion int, producer string, payload interface{}) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.NewString()
	return Event{
		EventID:       id,
		AggregateID:   aggregateID,
		EventType:     eventType,
		SchemaVersion: schemaVersion,
		Producer:      producer,
		OccurredOn:    time.Now().UTC(),
		CorrelationID: id,
		Payload:       body,
	}, nil
}

// WithCausation returns a copy of e caused by parent, carrying parent's
// correlation id forward and recording parent's event id as the cause.
func (e Event) WithCausation(parent Event) Event {
	e.CorrelationID = parent.CorrelationID
	e.CausationID = parent.EventID
	e.TraceParent = parent.TraceParent
	e.TenantID = parent.TenantID
	return e
}

// Unmarshal decodes the payload into out.
func (e Event) Unmarshal(out interface{}) error {
	return json.Unmarshal(e.Payload, out)
}

// Marshal serializes the full envelope for storage or transport.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a full envelope from storage or transport bytes.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return e, nil
}

// Key schema constants used across the core's event types.
const (
	SchemaVersion1 = 1
)

// Well-known event types produced and consumed by the core's services.
const (
	EventOrderCreated          = "order.created"
	EventOrderConfirmed        = "order.confirmed"
	EventOrderCancelled        = "order.cancelled"
	EventStockReserved         = "inventory.stock_reserved"
	EventStockReservationFailed = "inventory.reservation_failed"
	EventStockConfirmed        = "inventory.stock_confirmed"
	EventStockReleased         = "inventory.stock_released"
	EventReservationExpired    = "inventory.reservation_expired"
	EventStockAdjusted         = "inventory.stock_adjusted"
	EventLowStockDetected      = "inventory.low_stock_detected"
	EventPaymentAuthorized     = "payment.authorized"
	EventPaymentFailed         = "payment.failed"
	EventPaymentRefunded       = "payment.refunded"
	EventShipmentScheduled     = "shipping.scheduled"
	EventShipmentFailed        = "shipping.failed"
	EventNotificationSent      = "notification.sent"
)
