package inbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with a unique (event_id, consumer) index
// on the inbox_messages table enforcing the at-most-once guarantee.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func (s *PostgresStore) TryReceive(ctx context.Context, eventID, consumer, eventType string, payload []byte) (bool, error) {
	query := `
		INSERT INTO inbox_messages (event_id, consumer, event_type, payload, status, retry_count, received_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		ON CONFLICT (event_id, consumer) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query, eventID, consumer, eventType, payload, StatusReceived, time.Now().UTC())
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("try receive: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("try receive rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *PostgresStore) Get(ctx context.Context, eventID, consumer string) (Message, error) {
	query := `
		SELECT event_id, consumer, event_type, payload, status, retry_count, last_error, received_at, processed_at
		FROM inbox_messages
		WHERE event_id = $1 AND consumer = $2
	`
	var m Message
	var lastErr sql.NullString
	var processedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, eventID, consumer).Scan(
		&m.EventID, &m.Consumer, &m.EventType, &m.Payload, &m.Status, &m.RetryCount, &lastErr, &m.ReceivedAt, &processedAt,
	)
	if err == sql.ErrNoRows {
		return Message{}, fmt.Errorf("inbox message %s/%s not found", eventID, consumer)
	}
	if err != nil {
		return Message{}, fmt.Errorf("get inbox message: %w", err)
	}
	m.LastError = lastErr.String
	if processedAt.Valid {
		m.ProcessedAt = &processedAt.Time
	}
	return m, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, eventID, consumer string) error {
	query := `
		UPDATE inbox_messages SET status = $1, processed_at = $2
		WHERE event_id = $3 AND consumer = $4
	`
	_, err := s.db.ExecContext(ctx, query, StatusProcessed, time.Now().UTC(), eventID, consumer)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, eventID, consumer, cause string) error {
	query := `
		UPDATE inbox_messages SET status = $1, retry_count = retry_count + 1, last_error = $2
		WHERE event_id = $3 AND consumer = $4
	`
	_, err := s.db.ExecContext(ctx, query, StatusFailed, cause, eventID, consumer)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkPoison(ctx context.Context, eventID, consumer, cause string) error {
	query := `
		UPDATE inbox_messages SET status = $1, last_error = $2
		WHERE event_id = $3 AND consumer = $4
	`
	_, err := s.db.ExecContext(ctx, query, StatusPoison, cause, eventID, consumer)
	if err != nil {
		return fmt.Errorf("mark poison: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
