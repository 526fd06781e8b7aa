// Package store persists orders, payments and refunds and provides the
// atomic per-order sections every state transition runs in.
package store

import (
	"context"
	"time"
)

// OrderStatus enumerates the order lifecycle.
type OrderStatus string

const (
	OrderCreated           OrderStatus = "created"
	OrderPaid              OrderStatus = "paid"
	OrderFailed            OrderStatus = "failed"
	OrderRefunded          OrderStatus = "refunded"
	OrderPartiallyRefunded OrderStatus = "partially_refunded"
)

// Terminal reports whether no further transition may leave the status.
// partially_refunded still admits the forward edge to refunded.
func (s OrderStatus) Terminal() bool {
	return s == OrderFailed || s == OrderRefunded
}

// PaymentStatus enumerates payment outcomes.
type PaymentStatus string

const (
	PaymentCaptured PaymentStatus = "captured"
	PaymentFailed   PaymentStatus = "failed"
)

// RefundStatus enumerates refund outcomes.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundProcessed RefundStatus = "processed"
	RefundFailed    RefundStatus = "failed"
)

// Customer carries the opaque contact details attached to an order.
type Customer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Order is the merchant-side intent to collect an amount. Records are
// append-only: they are created once, mutated only through state
// transitions, and never deleted.
type Order struct {
	ID          string      `json:"id"`
	Amount      int64       `json:"amount"`
	Currency    string      `json:"currency"`
	Receipt     string      `json:"receipt,omitempty"`
	Customer    Customer    `json:"customer"`
	Description string      `json:"description,omitempty"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Payment is a signature-verified completion of an Order.
type Payment struct {
	ID                string        `json:"id"`
	OrderID           string        `json:"order_id"`
	Amount            int64         `json:"amount"`
	Method            string        `json:"method,omitempty"`
	Status            PaymentStatus `json:"status"`
	SignatureVerified bool          `json:"signature_verified"`
	VerifiedAt        time.Time     `json:"verified_at"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Refund is a full or partial reversal against a captured Payment.
type Refund struct {
	ID        string            `json:"id"`
	PaymentID string            `json:"payment_id"`
	OrderID   string            `json:"order_id"`
	Amount    int64             `json:"amount"`
	Status    RefundStatus      `json:"status"`
	Notes     map[string]string `json:"notes,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// OrderTx is the working set handed to an atomic per-order update. The
// current records are loaded before the callback runs; writes staged through
// the Put methods are persisted together when the callback returns nil, and
// discarded otherwise.
type OrderTx struct {
	Order    Order
	Payments []Payment
	Refunds  []Refund

	stagedOrder         *Order
	stagedPayments      []Payment
	stagedRefunds       []Refund
	stagedRefundDeletes []string
}

// PutOrder stages the updated order record.
func (tx *OrderTx) PutOrder(o Order) {
	o.UpdatedAt = time.Now().UTC()
	tx.stagedOrder = &o
}

// PutPayment stages a payment record keyed by its processor-assigned id.
func (tx *OrderTx) PutPayment(p Payment) {
	tx.stagedPayments = append(tx.stagedPayments, p)
}

// PutRefund stages a refund record.
func (tx *OrderTx) PutRefund(r Refund) {
	tx.stagedRefunds = append(tx.stagedRefunds, r)
}

// DeleteRefund stages removal of a refund record and drops it from the
// loaded working set, so totals computed afterwards no longer count it.
// Used to release pending reservations.
func (tx *OrderTx) DeleteRefund(refundID string) {
	for i, r := range tx.Refunds {
		if r.ID == refundID {
			tx.Refunds = append(tx.Refunds[:i], tx.Refunds[i+1:]...)
			break
		}
	}
	tx.stagedRefundDeletes = append(tx.stagedRefundDeletes, refundID)
}

// CapturedPayment returns the captured payment for the order, if any.
func (tx *OrderTx) CapturedPayment() (Payment, bool) {
	for _, p := range tx.Payments {
		if p.Status == PaymentCaptured {
			return p, true
		}
	}
	return Payment{}, false
}

// ProcessedRefundTotal sums the processed refund amounts for paymentID.
func (tx *OrderTx) ProcessedRefundTotal(paymentID string) int64 {
	var total int64
	for _, r := range tx.Refunds {
		if r.PaymentID == paymentID && r.Status == RefundProcessed {
			total += r.Amount
		}
	}
	return total
}

// HeldRefundTotal sums everything currently counted against the payment's
// refundable balance: processed refunds plus pending reservations whose
// remote call is still in flight.
func (tx *OrderTx) HeldRefundTotal(paymentID string) int64 {
	var total int64
	for _, r := range tx.Refunds {
		if r.PaymentID == paymentID && (r.Status == RefundProcessed || r.Status == RefundPending) {
			total += r.Amount
		}
	}
	return total
}

// Dirty reports whether the callback staged any writes.
func (tx *OrderTx) Dirty() bool {
	return tx.stagedOrder != nil || len(tx.stagedPayments) > 0 ||
		len(tx.stagedRefunds) > 0 || len(tx.stagedRefundDeletes) > 0
}

// Store is the record-store contract consumed by the payment service.
// UpdateOrder must execute its callback atomically with respect to other
// updates of the same order id; different orders proceed in parallel.
type Store interface {
	CreateOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context) ([]Order, error)
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
	GetRefund(ctx context.Context, refundID string) (Refund, error)
	ListRefunds(ctx context.Context, paymentID string) ([]Refund, error)
	UpdateOrder(ctx context.Context, orderID string, fn func(tx *OrderTx) error) error
}
