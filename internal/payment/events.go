package payment

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/noah-isme/payment-api/internal/common"
)

// EventKind is the parsed variant of a webhook notification. Unknown kinds
// are acknowledged and ignored so the processor's evolving event vocabulary
// never breaks the pipeline.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventPaymentCaptured
	EventPaymentFailed
	EventRefundProcessed
)

// PaymentEntity is the payment body carried inside a webhook envelope.
type PaymentEntity struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
	Method  string `json:"method"`
	Status  string `json:"status"`
}

// RefundEntity is the refund body carried inside a webhook envelope.
type RefundEntity struct {
	ID        string            `json:"id"`
	PaymentID string            `json:"payment_id"`
	Amount    int64             `json:"amount"`
	Status    string            `json:"status"`
	Notes     map[string]string `json:"notes"`
}

// Event is a strictly parsed webhook notification. Only the fields the state
// machine dispatches on are retained; the raw body is not kept once the
// event id has been recorded.
type Event struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Kind    EventKind     `json:"kind"`
	Payment PaymentEntity `json:"payment,omitempty"`
	Refund  RefundEntity  `json:"refund,omitempty"`
}

type envelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity PaymentEntity `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity RefundEntity `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

// ParseEvent decodes a verified webhook body into its tagged variant. The
// event id comes from the delivery header when present; otherwise the digest
// of the raw body stands in, which still collapses duplicate deliveries
// because the processor resends the identical bytes.
func ParseEvent(body []byte, headerEventID string) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, err
	}
	if strings.TrimSpace(env.Event) == "" {
		return Event{}, errors.New("webhook event type missing")
	}

	ev := Event{
		ID:   strings.TrimSpace(headerEventID),
		Type: env.Event,
	}
	if ev.ID == "" {
		ev.ID = "evt_body_" + common.Sha256Hex(body)
	}

	switch env.Event {
	case "payment.captured":
		ev.Kind = EventPaymentCaptured
		ev.Payment = env.Payload.Payment.Entity
		if ev.Payment.ID == "" || ev.Payment.OrderID == "" {
			return Event{}, errors.New("payment.captured event missing payment entity")
		}
	case "payment.failed":
		ev.Kind = EventPaymentFailed
		ev.Payment = env.Payload.Payment.Entity
		if ev.Payment.OrderID == "" {
			return Event{}, errors.New("payment.failed event missing payment entity")
		}
	case "refund.created", "refund.processed":
		ev.Kind = EventRefundProcessed
		ev.Refund = env.Payload.Refund.Entity
		if ev.Refund.ID == "" || ev.Refund.PaymentID == "" {
			return Event{}, errors.New("refund event missing refund entity")
		}
	default:
		ev.Kind = EventUnknown
	}
	return ev, nil
}
