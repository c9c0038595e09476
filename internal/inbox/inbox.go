// Package inbox implements idempotent consumption: each (eventId, consumer)
// pair is processed at most once even though the bus delivers at-least-once.
// A handler that keeps failing is retried up to a bounded budget, then
// marked poison and routed to the DLQ instead of blocking the queue forever.
package inbox

import (
	"context"
	"time"
)

// Status is the lifecycle of one inbox row.
type Status string

const (
	StatusReceived  Status = "received"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
	StatusPoison    Status = "poison"
)

// Message records one delivery attempt keyed by (EventID, Consumer).
type Message struct {
	EventID     string
	Consumer    string
	EventType   string
	Payload     []byte
	Status      Status
	RetryCount  int
	LastError   string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// Store persists inbox rows with a unique (event_id, consumer) constraint
// that makes the first-seen check atomic with the insert.
type Store interface {
	// TryReceive inserts a Received row for (eventID, consumer) if one
	// doesn't already exist, returning (false, nil) when it's a duplicate.
	TryReceive(ctx context.Context, eventID, consumer, eventType string, payload []byte) (inserted bool, err error)
	Get(ctx context.Context, eventID, consumer string) (Message, error)
	MarkProcessed(ctx context.Context, eventID, consumer string) error
	MarkFailed(ctx context.Context, eventID, consumer, cause string) error
	MarkPoison(ctx context.Context, eventID, consumer, cause string) error
}

// Handler processes one event. eventType is the envelope's EventType, so a
// single Engine can be bound to a queue carrying more than one routing key
// and dispatch on it internally.
type Handler func(ctx context.Context, eventType string, payload []byte) error
