package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Kumar2022/distributedcommerce/internal/envelope"
	"github.com/Kumar2022/distributedcommerce/internal/outbox"
	"github.com/Kumar2022/distributedcommerce/internal/resilience"
)

// Service is what the RPC server handlers for payment.authorize and
// payment.refund call through: it wraps the configured Processor in a
// circuit breaker and, when backed by Postgres, commits the Payment row
// and its integration event in one transaction.
type Service struct {
	store     Store
	processor Processor
	breaker   *resilience.Breaker
	exchange  string
	producer  string
}

// NewService builds a payment Service.
func NewService(store Store, processor Processor, breaker *resilience.Breaker, exchange, producer string) *Service {
	return &Service{store: store, processor: processor, breaker: breaker, exchange: exchange, producer: producer}
}

type paymentAuthorizedPayload struct {
	PaymentID    string `json:"paymentId"`
	OrderID      string `json:"orderId"`
	AmountCents  int64  `json:"amountCents"`
	Currency     string `json:"currency"`
	ProcessorRef string `json:"processorRef"`
}

type paymentFailedPayload struct {
	PaymentID string `json:"paymentId"`
	OrderID   string `json:"orderId"`
	Reason    string `json:"reason"`
}

type paymentRefundedPayload struct {
	PaymentID    string `json:"paymentId"`
	OrderID      string `json:"orderId"`
	ProcessorRef string `json:"processorRef"`
}

// Authorize charges amountCents against the customer's payment method
// through the configured Processor, guarded by the breaker so a degraded
// processor fails fast instead of piling up blocked saga steps. A failed
// authorization is still persisted (as StatusFailed) and still emits
// EventPaymentFailed, since the saga's compensation path needs that signal
// whether the call errored or the processor declined it.
func (s *Service) Authorize(ctx context.Context, orderID, customerID string, amountCents int64, currency string) (Payment, error) {
	p := Payment{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		CustomerID:  customerID,
		AmountCents: amountCents,
		Currency:    currency,
	}

	breakerErr := s.breaker.Execute(ctx, func(ctx context.Context) error {
		ref, err := s.processor.Authorize(ctx, orderID, customerID, amountCents, currency)
		if err != nil {
			p.Status = StatusFailed
			p.FailureReason = err.Error()
			return err
		}
		p.Status = StatusAuthorized
		p.ProcessorRef = ref
		return nil
	})
	if breakerErr != nil && p.Status == "" {
		// The breaker rejected the call outright (open, not yet due for a
		// half-open probe), so fn above never ran and never set a status.
		p.Status = StatusFailed
		p.FailureReason = breakerErr.Error()
	}

	ps, capable := s.txCapable()
	if !capable {
		if err := s.store.Create(ctx, p); err != nil {
			return Payment{}, fmt.Errorf("create payment: %w", err)
		}
		return p, breakerErr
	}

	if err := s.persistTx(ctx, ps, p); err != nil {
		return Payment{}, err
	}
	return p, breakerErr
}

// Refund reverses a previously authorized payment, used by the saga's
// compensating transaction when a later step fails.
func (s *Service) Refund(ctx context.Context, orderID string) error {
	p, err := s.store.GetByOrderID(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return nil // nothing was ever authorized for this order; compensation must be idempotent
	}
	if err != nil {
		return err
	}
	if p.Status != StatusAuthorized {
		return nil // nothing to refund; compensation must be idempotent
	}

	if err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.processor.Refund(ctx, p.ProcessorRef)
	}); err != nil {
		return fmt.Errorf("refund payment: %w", err)
	}

	ps, capable := s.txCapable()
	if !capable {
		return s.store.UpdateStatus(ctx, p.ID, StatusRefunded, p.ProcessorRef, "")
	}

	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refund tx: %w", err)
	}
	defer tx.Rollback()

	if err := updateStatusTx(ctx, tx, p.ID, StatusRefunded, p.ProcessorRef, ""); err != nil {
		return err
	}
	evt, err := envelope.New(p.ID, envelope.EventPaymentRefunded, envelope.SchemaVersion1, s.producer, paymentRefundedPayload{
		PaymentID: p.ID, OrderID: orderID, ProcessorRef: p.ProcessorRef,
	})
	if err != nil {
		return err
	}
	if err := s.appendEvent(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Service) txCapable() (*PostgresStore, bool) {
	ps, ok := s.store.(*PostgresStore)
	return ps, ok && s.exchange != ""
}

func (s *Service) persistTx(ctx context.Context, ps *PostgresStore, p Payment) error {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin authorize tx: %w", err)
	}
	defer tx.Rollback()

	if err := createTx(ctx, tx, p); err != nil {
		return err
	}

	var evt envelope.Event
	if p.Status == StatusAuthorized {
		evt, err = envelope.New(p.ID, envelope.EventPaymentAuthorized, envelope.SchemaVersion1, s.producer, paymentAuthorizedPayload{
			PaymentID: p.ID, OrderID: p.OrderID, AmountCents: p.AmountCents, Currency: p.Currency, ProcessorRef: p.ProcessorRef,
		})
	} else {
		evt, err = envelope.New(p.ID, envelope.EventPaymentFailed, envelope.SchemaVersion1, s.producer, paymentFailedPayload{
			PaymentID: p.ID, OrderID: p.OrderID, Reason: p.FailureReason,
		})
	}
	if err != nil {
		return err
	}
	if err := s.appendEvent(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Service) appendEvent(ctx context.Context, tx *sql.Tx, evt envelope.Event) error {
	body, err := evt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return outbox.AppendTx(ctx, tx, outbox.Message{
		ID: evt.EventID, AggregateID: evt.AggregateID, EventType: evt.EventType,
		Exchange: s.exchange, RoutingKey: evt.EventType, Payload: body,
	})
}

func createTx(ctx context.Context, tx *sql.Tx, p Payment) error {
	query := `
		INSERT INTO payments (id, order_id, customer_id, amount_cents, currency, status, processor_ref, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, query, p.ID, p.OrderID, p.CustomerID, p.AmountCents, p.Currency, p.Status, p.ProcessorRef, p.FailureReason, now)
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func updateStatusTx(ctx context.Context, tx *sql.Tx, id string, status Status, processorRef, failureReason string) error {
	query := `
		UPDATE payments
		SET status = $1, processor_ref = $2, failure_reason = $3, updated_at = $4
		WHERE id = $5
	`
	_, err := tx.ExecContext(ctx, query, status, processorRef, failureReason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}
