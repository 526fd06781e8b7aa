// Package gateway is the remote-call boundary to the payment processor.
// Results returned from it are trusted data; everything else arriving from
// the outside goes through signature verification first.
package gateway

import "context"

// RemoteOrder is the processor's record of a created order.
type RemoteOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// RemotePayment is the processor's record of a payment, fetched for
// cross-checking after local verification.
type RemotePayment struct {
	ID       string `json:"id"`
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	Method   string `json:"method"`
	Captured bool   `json:"captured"`
}

// RemoteRefund is the processor's record of a refund.
type RemoteRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	Speed     string `json:"speed_processed"`
	CreatedAt int64  `json:"created_at"`
}

// Client defines the processor operations the core consumes. Failures are
// reported as GATEWAY_REJECTED (definitive) or GATEWAY_UNAVAILABLE
// (transient) AppErrors.
type Client interface {
	CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (RemoteOrder, error)
	FetchPayment(ctx context.Context, paymentID string) (RemotePayment, error)
	CreateRefund(ctx context.Context, paymentID string, amount int64, notes map[string]string) (RemoteRefund, error)
	FetchRefund(ctx context.Context, refundID string) (RemoteRefund, error)
}
