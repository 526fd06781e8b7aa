package payment

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/noah-isme/payment-api/internal/common"
	"github.com/noah-isme/payment-api/internal/dedup"
	"github.com/noah-isme/payment-api/internal/obs"
	"github.com/noah-isme/payment-api/internal/queue"
	"github.com/noah-isme/payment-api/internal/signature"
)

// Outcome describes what the processor did with a delivery.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeEnqueued  Outcome = "enqueued"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Processor runs the webhook pipeline: authenticate the raw body, parse it,
// claim the event id, then hand the event to the state machine (inline or
// via the queue).
type Processor struct {
	Svc           *Service
	WebhookSecret []byte
	Dedup         dedup.Deduplicator
	Enqueuer      *queue.Enqueuer
	Async         bool
	Log           zerolog.Logger
}

// Process handles one delivery. body must be the exact bytes as received:
// the processor signed those, and re-serialising a parsed form may not match
// them. Signature failure rejects before any dedup state is written, so a
// forged request cannot block a later legitimate delivery.
func (p *Processor) Process(ctx context.Context, body []byte, providedSignature, headerEventID string) (Outcome, error) {
	if !signature.Verify(body, providedSignature, p.WebhookSecret) {
		p.count("unknown", "rejected")
		return "", common.ErrSignatureInvalid("invalid webhook signature")
	}

	ev, err := ParseEvent(body, headerEventID)
	if err != nil {
		p.count("unknown", "malformed")
		return "", common.NewAppError(common.CodeValidation, "malformed webhook payload", 400, err)
	}

	if ev.Kind == EventUnknown {
		// The processor's event vocabulary grows over time; unknown types
		// are acknowledged so retries stop, and logged for operators.
		p.Log.Info().Str("event_id", ev.ID).Str("event_type", ev.Type).Msg("ignoring unknown webhook event type")
		p.count(ev.Type, "ignored")
		return OutcomeIgnored, nil
	}

	claimed, err := p.Dedup.Claim(ctx, ev.ID)
	if err != nil {
		return "", err
	}
	if !claimed {
		p.Log.Debug().Str("event_id", ev.ID).Str("event_type", ev.Type).Msg("duplicate webhook delivery")
		p.count(ev.Type, "duplicate")
		return OutcomeDuplicate, nil
	}

	if p.Async && p.Enqueuer != nil {
		raw, err := json.Marshal(ev)
		if err != nil {
			return "", err
		}
		if err := p.Enqueuer.Enqueue(ctx, raw); err != nil {
			_ = p.Dedup.Release(ctx, ev.ID)
			return "", err
		}
		p.count(ev.Type, "enqueued")
		return OutcomeEnqueued, nil
	}

	if err := p.Dispatch(ctx, ev); err != nil {
		// Give the claim back so the processor's redelivery can succeed
		// once the underlying condition clears.
		_ = p.Dedup.Release(ctx, ev.ID)
		p.count(ev.Type, "error")
		return "", err
	}
	p.count(ev.Type, "applied")
	return OutcomeApplied, nil
}

// Dispatch applies a parsed event to the state machine. The worker calls it
// directly for queued events.
func (p *Processor) Dispatch(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventPaymentCaptured:
		_, err := p.Svc.applyCapture(ctx, ev.Payment.OrderID, ev.Payment.ID, ev.Payment.Method)
		return err
	case EventPaymentFailed:
		return p.Svc.applyFailure(ctx, ev.Payment)
	case EventRefundProcessed:
		return p.Svc.applyRefundEvent(ctx, ev.Refund)
	default:
		return nil
	}
}

// HandleTask adapts Dispatch to the queue worker contract.
func (p *Processor) HandleTask(ctx context.Context, payload []byte) error {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		p.Log.Error().Err(err).Msg("discarding undecodable webhook task")
		return nil
	}
	err := p.Dispatch(ctx, ev)
	if err != nil {
		switch common.CodeOf(err) {
		case common.CodeInvalidStateTransition, common.CodeRefundExceedsBalance:
			// Conflicts do not heal with retries; park the event in the log.
			p.Log.Warn().Err(err).Str("event_id", ev.ID).Str("event_type", ev.Type).Msg("webhook event rejected by state machine")
			p.count(ev.Type, "rejected")
			return nil
		}
		p.count(ev.Type, "error")
		return err
	}
	p.count(ev.Type, "applied")
	return nil
}

func (p *Processor) count(event, result string) {
	if obs.WebhookEventsTotal != nil {
		obs.WebhookEventsTotal.WithLabelValues(event, result).Inc()
	}
}
