package saga

import (
	"context"
	"fmt"
	"time"
)

// OrderCreation data keys. The orchestrator passes the same map through
// every step, so each step reads what the previous one wrote.
const (
	DataOrderID       = "orderId"
	DataCustomerID    = "customerId"
	DataItems         = "items"
	DataAmountCents   = "amountCents"
	DataCurrency      = "currency"
	DataReservationID = "reservationId"
	DataPaymentID     = "paymentId"
)

// OrderCreationDeps are the collaborators the order-creation saga's three
// steps call into: reserve/release inventory, authorize/refund payment, and
// finally confirming the reservation and the order itself.
type OrderCreationDeps struct {
	ReserveStock     func(ctx context.Context, orderID, customerID string, items interface{}) (reservationID string, err error)
	ReleaseStock     func(ctx context.Context, reservationID string) error
	AuthorizePayment func(ctx context.Context, orderID, customerID string, amountCents int64, currency string) (paymentID string, err error)
	RefundPayment    func(ctx context.Context, paymentID string) error
	ConfirmOrder     func(ctx context.Context, orderID, reservationID string) error
}

// NewOrderCreationSteps builds the three named steps of the order-creation
// saga: reserve inventory, process payment, confirm order. A failure at
// either of the first two steps compensates every step that already
// succeeded, in reverse; ConfirmOrder is terminal success and has no
// compensation.
func NewOrderCreationSteps(deps OrderCreationDeps, stepTimeout time.Duration) []Step {
	return []Step{
		{
			Name:    "reserve_inventory",
			Timeout: stepTimeout,
			Execute: func(ctx context.Context, data map[string]interface{}) error {
				orderID, _ := data[DataOrderID].(string)
				customerID, _ := data[DataCustomerID].(string)
				reservationID, err := deps.ReserveStock(ctx, orderID, customerID, data[DataItems])
				if err != nil {
					return fmt.Errorf("reserve inventory: %w", err)
				}
				data[DataReservationID] = reservationID
				return nil
			},
			Compensate: func(ctx context.Context, data map[string]interface{}) error {
				reservationID, ok := data[DataReservationID].(string)
				if !ok || reservationID == "" {
					return nil
				}
				return deps.ReleaseStock(ctx, reservationID)
			},
		},
		{
			Name:    "authorize_payment",
			Timeout: stepTimeout,
			Execute: func(ctx context.Context, data map[string]interface{}) error {
				orderID, _ := data[DataOrderID].(string)
				customerID, _ := data[DataCustomerID].(string)
				amountCents, _ := toInt64(data[DataAmountCents])
				currency, _ := data[DataCurrency].(string)
				paymentID, err := deps.AuthorizePayment(ctx, orderID, customerID, amountCents, currency)
				if err != nil {
					return fmt.Errorf("authorize payment: %w", err)
				}
				data[DataPaymentID] = paymentID
				return nil
			},
			Compensate: func(ctx context.Context, data map[string]interface{}) error {
				paymentID, ok := data[DataPaymentID].(string)
				if !ok || paymentID == "" {
					return nil
				}
				return deps.RefundPayment(ctx, paymentID)
			},
		},
		{
			// Terminal step: confirms the held reservation (stock is
			// actually deducted here) and transitions the order aggregate
			// to Confirmed. No Compensate — this step has no compensation
			// of its own; a failure here still rolls back the earlier two
			// steps via runCompensation.
			Name:    "confirm_order",
			Timeout: stepTimeout,
			Execute: func(ctx context.Context, data map[string]interface{}) error {
				orderID, _ := data[DataOrderID].(string)
				reservationID, _ := data[DataReservationID].(string)
				if err := deps.ConfirmOrder(ctx, orderID, reservationID); err != nil {
					return fmt.Errorf("confirm order: %w", err)
				}
				return nil
			},
		},
	}
}

// toInt64 reads an amount out of saga data, which round-trips through JSON
// in PostgresStore and so comes back as float64 even when it was set as an
// int64 before the first Save.
func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
