package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Kumar2022/distributedcommerce/internal/envelope"
	"github.com/Kumar2022/distributedcommerce/internal/metrics"
	"github.com/Kumar2022/distributedcommerce/internal/outbox"
	"github.com/Kumar2022/distributedcommerce/internal/resilience"
)

// Engine is the reservation API: reserve/confirm/release/adjust, all
// retrying on optimistic concurrency conflicts up to maxRetries before
// giving up. When wired to a Postgres-backed Store via EnableOutbox, every
// mutation commits its Product/StockReservation rows and the integration
// event describing it in one transaction; without that wiring (the
// in-memory double used in unit tests) mutations still run under the same
// optimistic-concurrency contract but emit nothing.
type Engine struct {
	store      Store
	pg         *PostgresStore
	log        *slog.Logger
	metrics    *metrics.ReservationMetrics
	maxRetries int
	defaultTTL time.Duration
	retry      resilience.RetryPolicy

	exchange string
	producer string
}

// defaultConflictRetryPolicy backs off a handful of milliseconds between
// optimistic-concurrency retries. This is intra-process lock contention on a
// single row, not an outbound network call, so it deliberately doesn't share
// the (multi-second) RetryPolicy the core uses for bus publishes or the
// payment processor: a conflicting writer is expected to release the row in
// microseconds, not seconds.
func defaultConflictRetryPolicy(maxRetries int) resilience.RetryPolicy {
	return resilience.NewRetryPolicy(10*time.Millisecond, 250*time.Millisecond, maxRetries)
}

// NewEngine builds a reservation Engine. store serves reads (and, for the
// in-memory test double, writes too) and may be a CachedStore wrapping a
// PostgresStore; it does not by itself make the Engine transactional.
func NewEngine(store Store, log *slog.Logger, m *metrics.ReservationMetrics, maxRetries int, defaultTTL time.Duration) *Engine {
	return &Engine{store: store, log: log, metrics: m, maxRetries: maxRetries, defaultTTL: defaultTTL, retry: defaultConflictRetryPolicy(maxRetries)}
}

// WithRetryPolicy overrides the jittered backoff used between
// optimistic-concurrency retries. Optional; NewEngine already sets a sane
// default sized for in-process row contention.
func (e *Engine) WithRetryPolicy(rp resilience.RetryPolicy) *Engine {
	e.retry = rp
	return e
}

// backoff waits out the jittered delay before retrying attempt, returning
// ctx.Err() if ctx is cancelled first instead of sleeping the full delay.
func (e *Engine) backoff(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.retry.Backoff(attempt)):
		return nil
	}
}

// EnableOutbox turns on transactional event emission: every mutation opens
// its own transaction against ps (bypassing any cache decorator on store)
// and commits its Product/StockReservation rows alongside an outbox row in
// exchange before returning. Pass the same *PostgresStore that backs store,
// unwrapped, since the tx-scoped writes must hit Postgres directly.
func (e *Engine) EnableOutbox(ps *PostgresStore, exchange, producer string) *Engine {
	e.pg = ps
	e.exchange = exchange
	e.producer = producer
	return e
}

// txCapable reports whether this Engine can run a mutation and its outbox
// row in one Postgres transaction.
func (e *Engine) txCapable() (*PostgresStore, bool) {
	return e.pg, e.pg != nil && e.exchange != ""
}

type stockReservedPayload struct {
	ProductID         string `json:"productId"`
	OrderID           string `json:"orderId"`
	ReservationID     string `json:"reservationId"`
	Quantity          int    `json:"quantity"`
	AvailableQuantity int    `json:"availableQuantity"`
}

type lowStockPayload struct {
	ProductID         string `json:"productId"`
	AvailableQuantity int    `json:"availableQuantity"`
	Threshold         int    `json:"lowStockThreshold"`
}

type stockConfirmedPayload struct {
	ProductID     string `json:"productId"`
	OrderID       string `json:"orderId"`
	ReservationID string `json:"reservationId"`
	Quantity      int    `json:"quantity"`
	StockQuantity int    `json:"stockQuantity"`
}

type stockReleasedPayload struct {
	ProductID     string `json:"productId"`
	OrderID       string `json:"orderId"`
	ReservationID string `json:"reservationId"`
	Quantity      int    `json:"quantity"`
}

type reservationExpiredPayload struct {
	ProductID     string `json:"productId"`
	OrderID       string `json:"orderId"`
	ReservationID string `json:"reservationId"`
	Quantity      int    `json:"quantity"`
}

type stockAdjustedPayload struct {
	ProductID string `json:"productId"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason"`
	NewTotal  int    `json:"stockQuantity"`
}

// Reserve holds quantity units of productID against orderID, failing with
// ErrInsufficientStock if availability doesn't cover the request.
func (e *Engine) Reserve(ctx context.Context, productID, orderID string, quantity int) (StockReservation, error) {
	reservation := StockReservation{
		ID:        uuid.NewString(),
		ProductID: productID,
		OrderID:   orderID,
		Quantity:  quantity,
		Status:    ReservationActive,
		ExpiresAt: time.Now().Add(e.defaultTTL),
	}

	ps, capable := e.txCapable()
	if !capable {
		err := e.withRetry(ctx, productID, func(p *Product) error {
			if p.AvailableQuantity() < quantity {
				return ErrInsufficientStock
			}
			p.ReservedQuantity += quantity
			return nil
		})
		if err != nil {
			return StockReservation{}, err
		}
		if err := e.store.CreateReservation(ctx, reservation); err != nil {
			// Best effort: release the hold we just placed since the
			// reservation row itself failed to persist.
			_ = e.withRetry(ctx, productID, func(p *Product) error { p.ReservedQuantity -= quantity; return nil })
			return StockReservation{}, fmt.Errorf("create reservation: %w", err)
		}
		if e.metrics != nil {
			e.metrics.Reserved.Inc()
		}
		e.checkLowStock(ctx, productID)
		return reservation, nil
	}

	var lowStock bool
	_, err := e.mutateTx(ctx, ps, productID, func(p *Product) error {
		if p.AvailableQuantity() < quantity {
			return ErrInsufficientStock
		}
		p.ReservedQuantity += quantity
		return nil
	}, func(ctx context.Context, tx *sql.Tx, p Product) error {
		if err := ps.createReservationTx(ctx, tx, reservation); err != nil {
			return err
		}
		evt, err := envelope.New(productID, envelope.EventStockReserved, envelope.SchemaVersion1, e.producer, stockReservedPayload{
			ProductID: productID, OrderID: orderID, ReservationID: reservation.ID,
			Quantity: quantity, AvailableQuantity: p.AvailableQuantity(),
		})
		if err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, evt); err != nil {
			return err
		}
		if p.IsLowStock() {
			lowStock = true
			if err := e.appendLowStock(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return StockReservation{}, err
	}
	if e.metrics != nil {
		e.metrics.Reserved.Inc()
		if lowStock {
			e.metrics.LowStockEvents.Inc()
		}
	}
	return reservation, nil
}

// Confirm converts an Active reservation into a permanent stock decrement:
// StockQuantity goes down, ReservedQuantity goes back down too.
func (e *Engine) Confirm(ctx context.Context, reservationID string) error {
	ps, capable := e.txCapable()
	if !capable {
		r, err := e.store.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.Status != ReservationActive {
			return ErrReservationNotActive
		}
		if err := e.withRetry(ctx, r.ProductID, func(p *Product) error {
			p.StockQuantity -= r.Quantity
			p.ReservedQuantity -= r.Quantity
			return nil
		}); err != nil {
			return err
		}
		if err := e.store.UpdateReservationStatus(ctx, reservationID, ReservationConfirmed); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.Confirmed.Inc()
		}
		e.checkLowStock(ctx, r.ProductID)
		return nil
	}

	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		err := e.confirmOnce(ctx, ps, reservationID)
		if err == nil {
			if e.metrics != nil {
				e.metrics.Confirmed.Inc()
			}
			return nil
		}
		if errors.Is(err, ErrConflict) {
			if e.metrics != nil {
				e.metrics.ConcurrencyRetries.Inc()
			}
			if attempt < e.maxRetries {
				if werr := e.backoff(ctx, attempt); werr != nil {
					return werr
				}
			}
			continue
		}
		return err
	}
	if e.metrics != nil {
		e.metrics.ConcurrencyConflicts.Inc()
	}
	return fmt.Errorf("confirm reservation %s: %w after %d attempts", reservationID, ErrConflict, e.maxRetries)
}

func (e *Engine) confirmOnce(ctx context.Context, ps *PostgresStore, reservationID string) error {
	tx, err := ps.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin confirm tx: %w", err)
	}
	defer tx.Rollback()

	r, err := ps.getReservationTx(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	if r.Status != ReservationActive {
		return ErrReservationNotActive
	}

	p, err := ps.getProductTx(ctx, tx, r.ProductID)
	if err != nil {
		return err
	}
	expectedVersion := p.RowVersion
	p.StockQuantity -= r.Quantity
	p.ReservedQuantity -= r.Quantity
	if err := ps.updateProductTx(ctx, tx, p, expectedVersion); err != nil {
		return err
	}
	if err := ps.updateReservationStatusTx(ctx, tx, reservationID, ReservationConfirmed); err != nil {
		return err
	}
	evt, err := envelope.New(r.ProductID, envelope.EventStockConfirmed, envelope.SchemaVersion1, e.producer, stockConfirmedPayload{
		ProductID: r.ProductID, OrderID: r.OrderID, ReservationID: reservationID,
		Quantity: r.Quantity, StockQuantity: p.StockQuantity,
	})
	if err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, evt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit confirm tx: %w", err)
	}
	return nil
}

// Release returns an Active reservation's quantity to available stock
// without touching StockQuantity, used on payment failure or saga
// compensation. Release is idempotent: releasing an already-terminal
// reservation is a no-op, since redelivery of a compensating command must
// not double-credit stock.
func (e *Engine) Release(ctx context.Context, reservationID string) error {
	ps, capable := e.txCapable()
	if !capable {
		r, err := e.store.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.Status != ReservationActive {
			return nil
		}
		if err := e.withRetry(ctx, r.ProductID, func(p *Product) error { p.ReservedQuantity -= r.Quantity; return nil }); err != nil {
			return err
		}
		if err := e.store.UpdateReservationStatus(ctx, reservationID, ReservationReleased); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.Released.Inc()
		}
		return nil
	}

	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		noop, err := e.releaseOnce(ctx, ps, reservationID)
		if err == nil {
			if e.metrics != nil && !noop {
				e.metrics.Released.Inc()
			}
			return nil
		}
		if errors.Is(err, ErrConflict) {
			if e.metrics != nil {
				e.metrics.ConcurrencyRetries.Inc()
			}
			if attempt < e.maxRetries {
				if werr := e.backoff(ctx, attempt); werr != nil {
					return werr
				}
			}
			continue
		}
		return err
	}
	if e.metrics != nil {
		e.metrics.ConcurrencyConflicts.Inc()
	}
	return fmt.Errorf("release reservation %s: %w after %d attempts", reservationID, ErrConflict, e.maxRetries)
}

func (e *Engine) releaseOnce(ctx context.Context, ps *PostgresStore, reservationID string) (noop bool, err error) {
	tx, err := ps.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin release tx: %w", err)
	}
	defer tx.Rollback()

	r, err := ps.getReservationTx(ctx, tx, reservationID)
	if err != nil {
		return false, err
	}
	if r.Status != ReservationActive {
		return true, nil
	}

	p, err := ps.getProductTx(ctx, tx, r.ProductID)
	if err != nil {
		return false, err
	}
	expectedVersion := p.RowVersion
	p.ReservedQuantity -= r.Quantity
	if err := ps.updateProductTx(ctx, tx, p, expectedVersion); err != nil {
		return false, err
	}
	if err := ps.updateReservationStatusTx(ctx, tx, reservationID, ReservationReleased); err != nil {
		return false, err
	}
	evt, err := envelope.New(r.ProductID, envelope.EventStockReleased, envelope.SchemaVersion1, e.producer, stockReleasedPayload{
		ProductID: r.ProductID, OrderID: r.OrderID, ReservationID: reservationID, Quantity: r.Quantity,
	})
	if err != nil {
		return false, err
	}
	if err := e.appendEvent(ctx, tx, evt); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit release tx: %w", err)
	}
	return false, nil
}

// ReleaseByOrder releases every Active reservation held for orderID. Used
// by the order-cancellation consumer, which only knows the order id, unlike
// the saga's own compensation step which carries the reservation ids it
// received from Reserve. A no-op (no error) when nothing is held for the
// order, since cancellation may race the saga's own compensation.
func (e *Engine) ReleaseByOrder(ctx context.Context, orderID string) error {
	active, err := e.store.ListActiveReservationsByOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("list active reservations for order %s: %w", orderID, err)
	}
	for _, r := range active {
		if err := e.Release(ctx, r.ID); err != nil {
			return fmt.Errorf("release reservation %s: %w", r.ID, err)
		}
	}
	return nil
}

// ExpireDue releases every reservation whose TTL has passed without
// confirmation, marking each Expired instead of Released so operators can
// tell a timeout apart from an explicit cancellation.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	expired, err := e.store.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}

	ps, capable := e.txCapable()
	count := 0
	for _, r := range expired {
		if !capable {
			if err := e.withRetry(ctx, r.ProductID, func(p *Product) error { p.ReservedQuantity -= r.Quantity; return nil }); err != nil {
				e.log.Error("expire reservation failed", "reservation_id", r.ID, "error", err)
				continue
			}
			if err := e.store.UpdateReservationStatus(ctx, r.ID, ReservationExpired); err != nil {
				e.log.Error("mark reservation expired failed", "reservation_id", r.ID, "error", err)
				continue
			}
		} else {
			if err := e.expireOnce(ctx, ps, r); err != nil {
				e.log.Error("expire reservation failed", "reservation_id", r.ID, "error", err)
				continue
			}
		}
		if e.metrics != nil {
			e.metrics.Expired.Inc()
		}
		count++
	}
	return count, nil
}

func (e *Engine) expireOnce(ctx context.Context, ps *PostgresStore, r StockReservation) error {
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		err := func() error {
			tx, err := ps.Begin(ctx)
			if err != nil {
				return fmt.Errorf("begin expire tx: %w", err)
			}
			defer tx.Rollback()

			p, err := ps.getProductTx(ctx, tx, r.ProductID)
			if err != nil {
				return err
			}
			expectedVersion := p.RowVersion
			p.ReservedQuantity -= r.Quantity
			if err := ps.updateProductTx(ctx, tx, p, expectedVersion); err != nil {
				return err
			}
			if err := ps.updateReservationStatusTx(ctx, tx, r.ID, ReservationExpired); err != nil {
				return err
			}
			evt, err := envelope.New(r.ProductID, envelope.EventReservationExpired, envelope.SchemaVersion1, e.producer, reservationExpiredPayload{
				ProductID: r.ProductID, OrderID: r.OrderID, ReservationID: r.ID, Quantity: r.Quantity,
			})
			if err != nil {
				return err
			}
			if err := e.appendEvent(ctx, tx, evt); err != nil {
				return err
			}
			return tx.Commit()
		}()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConflict) {
			if e.metrics != nil {
				e.metrics.ConcurrencyRetries.Inc()
			}
			if attempt < e.maxRetries {
				if werr := e.backoff(ctx, attempt); werr != nil {
					return werr
				}
			}
			continue
		}
		return err
	}
	if e.metrics != nil {
		e.metrics.ConcurrencyConflicts.Inc()
	}
	return fmt.Errorf("expire reservation %s: %w after %d attempts", r.ID, ErrConflict, e.maxRetries)
}

// Adjust changes a product's raw StockQuantity (restock, manual
// correction), independent of any reservation. reason is recorded on the
// emitted event for audit purposes and must be non-empty.
func (e *Engine) Adjust(ctx context.Context, productID string, delta int, reason string) error {
	if reason == "" {
		return fmt.Errorf("adjustment reason is required")
	}

	ps, capable := e.txCapable()
	if !capable {
		if err := e.withRetry(ctx, productID, func(p *Product) error {
			if p.StockQuantity+delta < 0 {
				return fmt.Errorf("adjustment would drive stock quantity negative")
			}
			p.StockQuantity += delta
			return nil
		}); err != nil {
			return err
		}
		e.checkLowStock(ctx, productID)
		return nil
	}

	_, err := e.mutateTx(ctx, ps, productID, func(p *Product) error {
		if p.StockQuantity+delta < 0 {
			return fmt.Errorf("adjustment would drive stock quantity negative")
		}
		p.StockQuantity += delta
		return nil
	}, func(ctx context.Context, tx *sql.Tx, p Product) error {
		evt, err := envelope.New(productID, envelope.EventStockAdjusted, envelope.SchemaVersion1, e.producer, stockAdjustedPayload{
			ProductID: productID, Delta: delta, Reason: reason, NewTotal: p.StockQuantity,
		})
		if err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, evt)
	})
	return err
}

func (e *Engine) appendEvent(ctx context.Context, tx *sql.Tx, evt envelope.Event) error {
	body, err := evt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return outbox.AppendTx(ctx, tx, outbox.Message{
		ID: evt.EventID, AggregateID: evt.AggregateID, EventType: evt.EventType,
		Exchange: e.exchange, RoutingKey: evt.EventType, Payload: body,
	})
}

func (e *Engine) appendLowStock(ctx context.Context, tx *sql.Tx, p Product) error {
	evt, err := envelope.New(p.ID, envelope.EventLowStockDetected, envelope.SchemaVersion1, e.producer, lowStockPayload{
		ProductID: p.ID, AvailableQuantity: p.AvailableQuantity(), Threshold: p.LowStockThreshold,
	})
	if err != nil {
		return err
	}
	return e.appendEvent(ctx, tx, evt)
}

// mutateTx opens its own transaction per attempt, reads the current
// Product, applies mutate under its existing row_version, lets after append
// whatever else belongs in the same commit (a reservation row, an outbox
// row), and retries the whole attempt on a version conflict.
func (e *Engine) mutateTx(ctx context.Context, ps *PostgresStore, productID string, mutate func(p *Product) error, after func(ctx context.Context, tx *sql.Tx, p Product) error) (Product, error) {
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		p, err := e.mutateTxOnce(ctx, ps, productID, mutate, after)
		if err == nil {
			return p, nil
		}
		if errors.Is(err, ErrConflict) {
			if e.metrics != nil {
				e.metrics.ConcurrencyRetries.Inc()
			}
			if attempt < e.maxRetries {
				if werr := e.backoff(ctx, attempt); werr != nil {
					return Product{}, werr
				}
			}
			continue
		}
		return Product{}, err
	}

	if e.metrics != nil {
		e.metrics.ConcurrencyConflicts.Inc()
	}
	return Product{}, fmt.Errorf("update product %s: %w after %d attempts", productID, ErrConflict, e.maxRetries)
}

func (e *Engine) mutateTxOnce(ctx context.Context, ps *PostgresStore, productID string, mutate func(p *Product) error, after func(ctx context.Context, tx *sql.Tx, p Product) error) (Product, error) {
	tx, err := ps.Begin(ctx)
	if err != nil {
		return Product{}, fmt.Errorf("begin mutation tx: %w", err)
	}
	defer tx.Rollback()

	p, err := ps.getProductTx(ctx, tx, productID)
	if err != nil {
		return Product{}, err
	}
	expectedVersion := p.RowVersion

	if err := mutate(&p); err != nil {
		return Product{}, err
	}
	if err := ps.updateProductTx(ctx, tx, p, expectedVersion); err != nil {
		return Product{}, err
	}
	if after != nil {
		if err := after(ctx, tx, p); err != nil {
			return Product{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Product{}, fmt.Errorf("commit mutation tx: %w", err)
	}
	return p, nil
}

func (e *Engine) checkLowStock(ctx context.Context, productID string) {
	p, err := e.store.GetProduct(ctx, productID)
	if err != nil {
		return
	}
	if p.IsLowStock() && e.metrics != nil {
		e.metrics.LowStockEvents.Inc()
	}
}

// withRetry re-reads the product and re-applies fn each time UpdateProduct
// reports a version conflict, up to maxRetries attempts. Used for the
// in-memory test double, which has no transaction to share with an outbox.
func (e *Engine) withRetry(ctx context.Context, productID string, fn func(p *Product) error) error {
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		p, err := e.store.GetProduct(ctx, productID)
		if err != nil {
			return err
		}

		err = e.store.UpdateProduct(ctx, productID, p.RowVersion, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConflict) {
			if e.metrics != nil {
				e.metrics.ConcurrencyRetries.Inc()
			}
			if attempt < e.maxRetries {
				if werr := e.backoff(ctx, attempt); werr != nil {
					return werr
				}
			}
			continue
		}
		return err
	}

	if e.metrics != nil {
		e.metrics.ConcurrencyConflicts.Inc()
	}
	return fmt.Errorf("update product %s: %w after %d attempts", productID, ErrConflict, e.maxRetries)
}

// Expirer runs ExpireDue on an interval.
type Expirer struct {
	engine   *Engine
	interval time.Duration
	log      *slog.Logger
}

// NewExpirer builds an Expirer.
func NewExpirer(engine *Engine, interval time.Duration, log *slog.Logger) *Expirer {
	return &Expirer{engine: engine, interval: interval, log: log}
}

// Run scans for expired reservations on an interval until ctx is cancelled.
func (x *Expirer) Run(ctx context.Context) {
	ticker := time.NewTicker(x.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := x.engine.ExpireDue(ctx)
			if err != nil {
				x.log.Error("reservation expiry scan failed", "error", err)
				continue
			}
			if n > 0 {
				x.log.Info("expired stale reservations", "count", n)
			}
		}
	}
}
