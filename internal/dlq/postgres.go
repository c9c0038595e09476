package dlq

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore implements Store on top of two tables: dlq_messages for the
// current state of each entry and dlq_transitions for the append-only audit
// trail of status changes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Quarantine(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin quarantine tx: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO dlq_messages
			(id, original_id, consumer, event_type, payload, reason, status, quarantined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.ExecContext(ctx, insert, msg.ID, msg.OriginalID, msg.Consumer, msg.EventType, msg.Payload, msg.Reason, StatusQuarantined, now); err != nil {
		return fmt.Errorf("insert dlq message: %w", err)
	}

	if err := insertTransition(ctx, tx, Transition{MessageID: msg.ID, From: "", To: StatusQuarantined, Note: msg.Reason, At: now}); err != nil {
		return err
	}

	return tx.Commit()
}

func insertTransition(ctx context.Context, tx *sql.Tx, t Transition) error {
	query := `
		INSERT INTO dlq_transitions (message_id, from_status, to_status, note, at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := tx.ExecContext(ctx, query, t.MessageID, string(t.From), string(t.To), t.Note, t.At)
	if err != nil {
		return fmt.Errorf("insert dlq transition: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, consumer string) ([]Message, error) {
	query := `
		SELECT id, original_id, consumer, event_type, payload, reason, status, quarantined_at, resolved_at
		FROM dlq_messages
		WHERE consumer = $1
		ORDER BY quarantined_at
	`
	rows, err := s.db.QueryContext(ctx, query, consumer)
	if err != nil {
		return nil, fmt.Errorf("list dlq messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(r rowScanner) (Message, error) {
	var m Message
	var resolvedAt sql.NullTime
	if err := r.Scan(&m.ID, &m.OriginalID, &m.Consumer, &m.EventType, &m.Payload, &m.Reason, &m.Status, &m.QuarantinedAt, &resolvedAt); err != nil {
		return Message{}, fmt.Errorf("scan dlq message: %w", err)
	}
	if resolvedAt.Valid {
		m.ResolvedAt = &resolvedAt.Time
	}
	return m, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Message, error) {
	query := `
		SELECT id, original_id, consumer, event_type, payload, reason, status, quarantined_at, resolved_at
		FROM dlq_messages
		WHERE id = $1
	`
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return Message{}, fmt.Errorf("dlq message %s not found", id)
	}
	return m, err
}

func (s *PostgresStore) Resolve(ctx context.Context, id string, to Status, note string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resolve tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	update := `UPDATE dlq_messages SET status = $1, resolved_at = $2 WHERE id = $3`
	if _, err := tx.ExecContext(ctx, update, to, now, id); err != nil {
		return fmt.Errorf("resolve dlq message: %w", err)
	}

	if err := insertTransition(ctx, tx, Transition{MessageID: id, From: current.Status, To: to, Note: note, At: now}); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) AppendTransition(ctx context.Context, t Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertTransition(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

var _ Store = (*PostgresStore)(nil)
