package inventory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore persists Product and StockReservation rows. Optimistic
// concurrency comes from a row_version column rather than row-level
// locking, so UpdateProduct's write fails cleanly under contention instead
// of blocking other replicas behind a held lock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetProduct(ctx context.Context, productID string) (Product, error) {
	query := `
		SELECT id, sku, stock_quantity, reserved_quantity, low_stock_threshold, row_version, updated_at
		FROM products
		WHERE id = $1
	`
	var p Product
	err := s.db.QueryRowContext(ctx, query, productID).Scan(
		&p.ID, &p.SKU, &p.StockQuantity, &p.ReservedQuantity, &p.LowStockThreshold, &p.RowVersion, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return Product{}, fmt.Errorf("product %s not found", productID)
	}
	if err != nil {
		return Product{}, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) UpdateProduct(ctx context.Context, productID string, expectedVersion int, fn func(p *Product) error) error {
	p, err := s.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	if p.RowVersion != expectedVersion {
		return ErrConflict
	}

	if err := fn(&p); err != nil {
		return err
	}

	query := `
		UPDATE products
		SET stock_quantity = $1, reserved_quantity = $2, row_version = $3, updated_at = $4
		WHERE id = $5 AND row_version = $6
	`
	result, err := s.db.ExecContext(ctx, query, p.StockQuantity, p.ReservedQuantity, expectedVersion+1, time.Now().UTC(), productID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update product rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

// Begin opens a transaction for a caller (Engine) that wants to mutate a
// Product, write its StockReservation, and append an outbox row as one
// unit. The version check stays optimistic: no row lock is taken here, only
// a conditional UPDATE inside the caller's transaction.
func (s *PostgresStore) Begin(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func (s *PostgresStore) getProductTx(ctx context.Context, tx *sql.Tx, productID string) (Product, error) {
	query := `
		SELECT id, sku, stock_quantity, reserved_quantity, low_stock_threshold, row_version, updated_at
		FROM products
		WHERE id = $1
	`
	var p Product
	err := tx.QueryRowContext(ctx, query, productID).Scan(
		&p.ID, &p.SKU, &p.StockQuantity, &p.ReservedQuantity, &p.LowStockThreshold, &p.RowVersion, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return Product{}, fmt.Errorf("product %s not found", productID)
	}
	if err != nil {
		return Product{}, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

// updateProductTx applies p's mutated quantities with the same
// WHERE id = ... AND row_version = ... guard UpdateProduct uses, but inside
// tx so it can commit alongside a reservation row and an outbox row. Returns
// ErrConflict if the row changed since it was read.
func (s *PostgresStore) updateProductTx(ctx context.Context, tx *sql.Tx, p Product, expectedVersion int) error {
	query := `
		UPDATE products
		SET stock_quantity = $1, reserved_quantity = $2, row_version = $3, updated_at = $4
		WHERE id = $5 AND row_version = $6
	`
	result, err := tx.ExecContext(ctx, query, p.StockQuantity, p.ReservedQuantity, expectedVersion+1, time.Now().UTC(), p.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update product rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) createReservationTx(ctx context.Context, tx *sql.Tx, r StockReservation) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	query := `
		INSERT INTO stock_reservations (id, product_id, order_id, quantity, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, query, r.ID, r.ProductID, r.OrderID, r.Quantity, ReservationActive, r.ExpiresAt, now)
	if err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

func (s *PostgresStore) getReservationTx(ctx context.Context, tx *sql.Tx, id string) (StockReservation, error) {
	query := `
		SELECT id, product_id, order_id, quantity, status, expires_at, created_at, updated_at
		FROM stock_reservations
		WHERE id = $1
	`
	var r StockReservation
	err := tx.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.ProductID, &r.OrderID, &r.Quantity, &r.Status, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return StockReservation{}, fmt.Errorf("reservation %s not found", id)
	}
	if err != nil {
		return StockReservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) updateReservationStatusTx(ctx context.Context, tx *sql.Tx, id string, status ReservationStatus) error {
	query := `UPDATE stock_reservations SET status = $1, updated_at = $2 WHERE id = $3`
	_, err := tx.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update reservation status: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateReservation(ctx context.Context, r StockReservation) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	query := `
		INSERT INTO stock_reservations (id, product_id, order_id, quantity, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query, r.ID, r.ProductID, r.OrderID, r.Quantity, ReservationActive, r.ExpiresAt, now)
	if err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReservation(ctx context.Context, id string) (StockReservation, error) {
	query := `
		SELECT id, product_id, order_id, quantity, status, expires_at, created_at, updated_at
		FROM stock_reservations
		WHERE id = $1
	`
	var r StockReservation
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.ProductID, &r.OrderID, &r.Quantity, &r.Status, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return StockReservation{}, fmt.Errorf("reservation %s not found", id)
	}
	if err != nil {
		return StockReservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// ListActiveReservationsByOrder returns every Active reservation for
// orderID, one per line item reserved on that order.
func (s *PostgresStore) ListActiveReservationsByOrder(ctx context.Context, orderID string) ([]StockReservation, error) {
	query := `
		SELECT id, product_id, order_id, quantity, status, expires_at, created_at, updated_at
		FROM stock_reservations
		WHERE order_id = $1 AND status = $2
	`
	rows, err := s.db.QueryContext(ctx, query, orderID, ReservationActive)
	if err != nil {
		return nil, fmt.Errorf("list active reservations by order: %w", err)
	}
	defer rows.Close()

	var out []StockReservation
	for rows.Next() {
		var r StockReservation
		if err := rows.Scan(&r.ID, &r.ProductID, &r.OrderID, &r.Quantity, &r.Status, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan active reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateReservationStatus(ctx context.Context, id string, status ReservationStatus) error {
	query := `UPDATE stock_reservations SET status = $1, updated_at = $2 WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update reservation status: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, before time.Time) ([]StockReservation, error) {
	query := `
		SELECT id, product_id, order_id, quantity, status, expires_at, created_at, updated_at
		FROM stock_reservations
		WHERE status = $1 AND expires_at < $2
	`
	rows, err := s.db.QueryContext(ctx, query, ReservationActive, before)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()

	var out []StockReservation
	for rows.Next() {
		var r StockReservation
		if err := rows.Scan(&r.ID, &r.ProductID, &r.OrderID, &r.Quantity, &r.Status, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan expired reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
