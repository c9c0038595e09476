// Package outbox implements the transactional outbox: an aggregate write
// and the integration event(s) it produces commit atomically in the same
// store transaction, and a background processor drains the table onto the
// bus, quarantining to the DLQ after the retry budget is exhausted. A failed
// row is retried on the next poll; there is no backoff between attempts
// beyond the poll interval.
package outbox

import (
	"context"
	"time"
)

// Status is the lifecycle of a single outbox row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// Message is a row in the outbox table: an envelope plus publishing state.
type Message struct {
	ID          string
	AggregateID string
	EventType   string
	Exchange    string
	RoutingKey  string
	Payload     []byte // the marshaled envelope.Event
	Status      Status
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PublishedAt *time.Time
}

// Store is implemented once per backing database. Append and the caller's
// aggregate mutation must run in the same transaction the caller manages;
// Store only provides the outbox half of that transaction through WithTx.
type Store interface {
	// WithTx runs fn inside a single transaction, passing a TxAppender bound
	// to it. The aggregate write and Append happen inside fn so they commit
	// or roll back together.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxAppender) error) error

	// ClaimBatch locks up to limit pending rows (oldest first) so a single
	// replica processes each row, and returns them for publishing.
	ClaimBatch(ctx context.Context, limit int) ([]Message, error)

	// MarkPublished transitions a row to published.
	MarkPublished(ctx context.Context, id string) error

	// MarkFailed records a publish failure and increments the retry count.
	MarkFailed(ctx context.Context, id string, cause string) error

	// DeleteOlderThan purges published rows older than cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TxAppender is the narrow capability exposed inside WithTx: append an
// outbox row using the aggregate's own transaction/session.
type TxAppender interface {
	Append(ctx context.Context, msg Message) error
}
