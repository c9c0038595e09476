package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists saga instances with a version column enforcing
// optimistic concurrency: Save's UPDATE only matches when the stored
// version equals expectedVersion.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, inst Instance) error {
	data, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal saga data: %w", err)
	}

	query := `
		INSERT INTO saga_instances
			(id, saga_type, state, current_step, data, version, correlation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`
	_, err = s.db.ExecContext(ctx, query, inst.ID, inst.SagaType, inst.State, inst.CurrentStep, data, inst.Version, inst.CorrelationID, inst.CreatedAt)
	if err != nil {
		return fmt.Errorf("create saga instance: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) (Instance, error) {
	query := `
		SELECT id, saga_type, state, current_step, data, version, correlation_id, last_error, step_deadline, created_at, updated_at
		FROM saga_instances
		WHERE id = $1
	`
	return scanInstance(s.db.QueryRowContext(ctx, query, id))
}

func scanInstance(row *sql.Row) (Instance, error) {
	var inst Instance
	var data []byte
	var lastErr sql.NullString
	var deadline sql.NullTime

	err := row.Scan(&inst.ID, &inst.SagaType, &inst.State, &inst.CurrentStep, &data, &inst.Version,
		&inst.CorrelationID, &lastErr, &deadline, &inst.CreatedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, fmt.Errorf("scan saga instance: %w", err)
	}

	if err := json.Unmarshal(data, &inst.Data); err != nil {
		return Instance{}, fmt.Errorf("unmarshal saga data: %w", err)
	}
	inst.LastError = lastErr.String
	if deadline.Valid {
		inst.StepDeadline = &deadline.Time
	}
	return inst, nil
}

func (s *PostgresStore) Save(ctx context.Context, inst Instance, expectedVersion int) error {
	data, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal saga data: %w", err)
	}

	var deadline sql.NullTime
	if inst.StepDeadline != nil {
		deadline = sql.NullTime{Time: *inst.StepDeadline, Valid: true}
	}

	query := `
		UPDATE saga_instances
		SET state = $1, current_step = $2, data = $3, version = $4, last_error = $5, step_deadline = $6, updated_at = $7
		WHERE id = $8 AND version = $9
	`
	result, err := s.db.ExecContext(ctx, query, inst.State, inst.CurrentStep, data, inst.Version, inst.LastError, deadline, inst.UpdatedAt, inst.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("save saga instance: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save saga instance rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListTimedOut(ctx context.Context, before time.Time) ([]Instance, error) {
	query := `
		SELECT id, saga_type, state, current_step, data, version, correlation_id, last_error, step_deadline, created_at, updated_at
		FROM saga_instances
		WHERE state = $1 AND step_deadline IS NOT NULL AND step_deadline < $2
	`
	rows, err := s.db.QueryContext(ctx, query, StateRunning, before)
	if err != nil {
		return nil, fmt.Errorf("list timed out sagas: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var inst Instance
		var data []byte
		var lastErr sql.NullString
		var deadline sql.NullTime
		if err := rows.Scan(&inst.ID, &inst.SagaType, &inst.State, &inst.CurrentStep, &data, &inst.Version,
			&inst.CorrelationID, &lastErr, &deadline, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan timed out saga: %w", err)
		}
		if err := json.Unmarshal(data, &inst.Data); err != nil {
			return nil, fmt.Errorf("unmarshal saga data: %w", err)
		}
		inst.LastError = lastErr.String
		if deadline.Valid {
			inst.StepDeadline = &deadline.Time
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
