package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore is the Store backend used by the Inventory and Payment
// services, whose aggregates already live in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB; the caller owns its lifecycle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type pgTxAppender struct {
	tx *sql.Tx
}

func (a *pgTxAppender) Append(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	query := `
		INSERT INTO outbox_messages
			(id, aggregate_id, event_type, exchange, routing_key, payload, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8)
	`
	_, err := a.tx.ExecContext(ctx, query,
		msg.ID, msg.AggregateID, msg.EventType, msg.Exchange, msg.RoutingKey, msg.Payload, StatusPending, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append outbox row: %w", err)
	}
	return nil
}

// AppendTx inserts msg using an *sql.Tx the caller already owns, for
// aggregates outside this package (inventory, payment) that need their own
// mutation and an outbox row to commit in one transaction they control
// rather than one WithTx opens for them.
func AppendTx(ctx context.Context, tx *sql.Tx, msg Message) error {
	return (&pgTxAppender{tx: tx}).Append(ctx, msg)
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxAppender) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outbox tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &pgTxAppender{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outbox tx: %w", err)
	}
	return nil
}

// ClaimBatch uses SELECT ... FOR UPDATE SKIP LOCKED so multiple outbox
// processor replicas can run against the same table without double-publishing
// the same row.
func (s *PostgresStore) ClaimBatch(ctx context.Context, limit int) ([]Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT id, aggregate_id, event_type, exchange, routing_key, payload, status, retry_count, last_error, created_at, updated_at
		FROM outbox_messages
		WHERE status IN ('pending', 'failed')
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`
	rows, err := tx.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}

	var msgs []Message
	for rows.Next() {
		var m Message
		var lastErr sql.NullString
		if err := rows.Scan(&m.ID, &m.AggregateID, &m.EventType, &m.Exchange, &m.RoutingKey, &m.Payload,
			&m.Status, &m.RetryCount, &lastErr, &m.CreatedAt, &m.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		m.LastError = lastErr.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return msgs, nil
}

func (s *PostgresStore) MarkPublished(ctx context.Context, id string) error {
	query := `UPDATE outbox_messages SET status = $1, published_at = $2, updated_at = $2 WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, StatusPublished, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, cause string) error {
	query := `
		UPDATE outbox_messages
		SET status = $1, retry_count = retry_count + 1, last_error = $2, updated_at = $3
		WHERE id = $4
	`
	_, err := s.db.ExecContext(ctx, query, StatusFailed, cause, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM outbox_messages WHERE status = $1 AND published_at < $2`
	result, err := s.db.ExecContext(ctx, query, StatusPublished, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old outbox rows: %w", err)
	}
	return result.RowsAffected()
}

var _ Store = (*PostgresStore)(nil)
