package payment

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists Payment aggregates.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, p Payment) error {
	query := `
		INSERT INTO payments (id, order_id, customer_id, amount_cents, currency, status, processor_ref, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query, p.ID, p.OrderID, p.CustomerID, p.AmountCents, p.Currency, p.Status, p.ProcessorRef, p.FailureReason, now)
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByOrderID(ctx context.Context, orderID string) (Payment, error) {
	query := `
		SELECT id, order_id, customer_id, amount_cents, currency, status, processor_ref, failure_reason, created_at, updated_at
		FROM payments
		WHERE order_id = $1
	`
	var p Payment
	var failureReason sql.NullString
	err := s.db.QueryRowContext(ctx, query, orderID).Scan(
		&p.ID, &p.OrderID, &p.CustomerID, &p.AmountCents, &p.Currency, &p.Status, &p.ProcessorRef, &failureReason, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return Payment{}, fmt.Errorf("payment for order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return Payment{}, fmt.Errorf("get payment: %w", err)
	}
	p.FailureReason = failureReason.String
	return p, nil
}

// OrderIDByPaymentID recovers the order a payment belongs to, used by the
// refund RPC handler which is handed a paymentID by the saga's compensation
// step but needs an orderID to call Service.Refund.
func (s *PostgresStore) OrderIDByPaymentID(ctx context.Context, paymentID string) (string, error) {
	var orderID string
	err := s.db.QueryRowContext(ctx, `SELECT order_id FROM payments WHERE id = $1`, paymentID).Scan(&orderID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("payment %s not found", paymentID)
	}
	if err != nil {
		return "", fmt.Errorf("lookup order for payment: %w", err)
	}
	return orderID, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, processorRef, failureReason string) error {
	query := `
		UPDATE payments
		SET status = $1, processor_ref = $2, failure_reason = $3, updated_at = $4
		WHERE id = $5
	`
	_, err := s.db.ExecContext(ctx, query, status, processorRef, failureReason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
