package rpc

// Request/reply payloads for the direct-reply-to calls the order-creation
// saga makes into the inventory and payment services. These stand in for
// generated protobuf messages; the saga only needs a stable wire shape, not
// a full IDL.

// ReserveStockRequest asks the inventory service to hold stock for an order.
type ReserveStockRequest struct {
	OrderID    string      `json:"orderId"`
	CustomerID string      `json:"customerId"`
	Items      interface{} `json:"items"`
}

// ReserveStockReply carries back the reservation id, or an Error header on
// the envelope if the hold couldn't be placed.
type ReserveStockReply struct {
	ReservationID string `json:"reservationId"`
}

// ReleaseStockRequest asks the inventory service to release a held
// reservation during saga compensation.
type ReleaseStockRequest struct {
	ReservationID string `json:"reservationId"`
}

// AuthorizePaymentRequest asks the payment service to charge a customer for
// an order.
type AuthorizePaymentRequest struct {
	OrderID     string `json:"orderId"`
	CustomerID  string `json:"customerId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

// AuthorizePaymentReply carries back the internal payment id.
type AuthorizePaymentReply struct {
	PaymentID string `json:"paymentId"`
}

// RefundPaymentRequest asks the payment service to refund a prior
// authorization during saga compensation.
type RefundPaymentRequest struct {
	PaymentID string `json:"paymentId"`
}

// ConfirmStockRequest asks the inventory service to turn an Active
// reservation into a permanent stock deduction once payment has cleared —
// the saga's ConfirmOrder step, which has no compensation of its own.
type ConfirmStockRequest struct {
	ReservationID string `json:"reservationId"`
}

// Queue names the RPC servers listen on, bound via the default exchange so
// no topic routing is involved.
const (
	QueueReserveStock     = "inventory.reserve_stock"
	QueueReleaseStock     = "inventory.release_stock"
	QueueConfirmStock     = "inventory.confirm_stock"
	QueueAuthorizePayment = "payment.authorize"
	QueueRefundPayment    = "payment.refund"
)
