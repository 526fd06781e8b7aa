package payment_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-api/internal/common"
	"github.com/noah-isme/payment-api/internal/dedup"
	"github.com/noah-isme/payment-api/internal/payment"
	"github.com/noah-isme/payment-api/internal/queue"
	"github.com/noah-isme/payment-api/internal/signature"
	"github.com/noah-isme/payment-api/internal/store"
)

var webhookSecret = []byte("test_webhook_secret")

func newProcessor(t *testing.T) (*payment.Processor, *payment.Service, store.Store, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewRedis(client)
	svc := &payment.Service{
		Store:           st,
		Gateway:         &fakeGateway{},
		KeySecret:       keySecret,
		DefaultCurrency: "INR",
		Log:             zerolog.Nop(),
	}
	proc := &payment.Processor{
		Svc:           svc,
		WebhookSecret: webhookSecret,
		Dedup:         dedup.Deduplicator{R: client, Prefix: "pay:webhook:event", Retention: time.Hour},
		Log:           zerolog.Nop(),
	}
	return proc, svc, st, client
}

func captureBody(t *testing.T, orderID, paymentID string, amount int64) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event": "payment.captured",
		"payload": map[string]any{
			"payment": map[string]any{
				"entity": map[string]any{
					"id":       paymentID,
					"order_id": orderID,
					"amount":   amount,
					"method":   "upi",
					"status":   "captured",
				},
			},
		},
	})
	require.NoError(t, err)
	return body
}

func sign(body []byte) string {
	return signature.Compute(body, webhookSecret)
}

func TestWebhookRejectsForgedBodyWithoutDedupWrite(t *testing.T) {
	proc, svc, _, client := newProcessor(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, payment.CreateOrderInput{Amount: 10000})
	require.NoError(t, err)

	body := captureBody(t, order.ID, "pay_wh_1", 10000)
	_, err = proc.Process(ctx, body, "forged-signature", "evt_1")
	require.Equal(t, common.CodeSignatureInvalid, common.CodeOf(err))

	// Rejection happens before any dedup state is written, so the real
	// delivery with the same event id still goes through.
	n, err := client.Exists(ctx, "pay:webhook:event:evt_1").Result()
	require.NoError(t, err)
	require.Zero(t, n)

	outcome, err := proc.Process(ctx, body, sign(body), "evt_1")
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeApplied, outcome)
}

func TestWebhookCaptureMovesOrderToPaid(t *testing.T) {
	proc, svc, st, _ := newProcessor(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, payment.CreateOrderInput{Amount: 10000})
	require.NoError(t, err)

	body := captureBody(t, order.ID, "pay_wh_1", 10000)
	outcome, err := proc.Process(ctx, body, sign(body), "evt_1")
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeApplied, outcome)

	persisted, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, store.OrderPaid, persisted.Status)

	p, err := st.GetPayment(ctx, "pay_wh_1")
	require.NoError(t, err)
	require.Equal(t, store.PaymentCaptured, p.Status)
}

func TestWebhookDuplicateDeliveryIsNoOp(t *testing.T) {
	proc, svc, _, _ := newProcessor(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, payment.CreateOrderInput{Amount: 10000})
	require.NoError(t, err)

	body := captureBody(t, order.ID, "pay_wh_1", 10000)
	outcome, err := proc.Process(ctx, body, sign(body), "evt_dup")
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeApplied, outcome)

	outcome, err = proc.Process(ctx, body, sign(body), "evt_dup")
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeDuplicate, outcome)
}

func TestWebhookAndVerifyRaceCollapseToOnePayment(t *testing.T) {
	proc, svc, st, _ := newProcessor(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, payment.CreateOrderInput{Amount: 10000})
	require.NoError(t, err)

	paymentID := "pay_both"
	sig := signature.Compute(signature.PaymentPayload(order.ID, paymentID), keySecret)
	_, err = svc.VerifyPayment(ctx, order.ID, paymentID, sig)
	require.NoError(t, err)

	// Webhook for the same payment arrives after the browser callback
	// already verified it.
	body := captureBody(t, order.ID, paymentID, 10000)
	outcome, err := proc.Process(ctx, body, sign(body), "evt_race")
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeApplied, outcome)

	persisted, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, store.OrderPaid, persisted.Status)

	p, err := st.GetPayment(ctx, paymentID)
	require.NoError(t, err)
	require.True(t, p.SignatureVerified, "webhook re-application must not clear the verified flag")
}

func TestWebhookPaymentFailed(t *testing.T) {
	proc, svc, st, _ := newProcessor(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, payment.CreateOrderInput{Amount: 10000})
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"event": "payment.failed",
		"payload": map[string]any{
			"payment": map[string]any{
				"entity": map[string]any{
					"id":       "pay_fail",
					"order_id": order.ID,
					"amount":   10000,
					"status":   "failed",
				},
			},
		},
	})
	require.NoError(t, err)

	outcome, err := proc.Process(ctx, body, sign(body), "evt_fail")
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeApplied, outcome)

	persisted, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, store.OrderFailed, persisted.Status)

	// The failed attempt is kept as a payment record for reconciliation.
	p, err := st.GetPayment(ctx, "pay_fail")
	require.NoError(t, err)
	require.Equal(t, store.PaymentFailed, p.Status)
	require.Equal(t, order.ID, p.OrderID)
}

func TestAsyncWebhookQueueRoundTrip(t *testing.T) {
	proc, svc, st, client := newProcessor(t)
	ctx := context.Background()

	proc.Async = true
	proc.Enqueuer = &queue.Enqueuer{R: client, Prefix: "pay"}

	order, err := svc.CreateOrder(ctx, payment.CreateOrderInput{Amount: 10000})
	require.NoError(t, err)

	body := captureBody(t, order.ID, "pay_async", 10000)
	outcome, err := proc.Process(ctx, body, sign(body), "evt_async")
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeEnqueued, outcome)

	// Nothing applied yet: the order waits for a worker.
	persisted, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, store.OrderCreated, persisted.Status)

	// A redelivery while the task is still queued is claimed by the first
	// delivery, not enqueued twice.
	outcome, err = proc.Process(ctx, body, sign(body), "evt_async")
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeDuplicate, outcome)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w := queue.Worker{R: client, Prefix: "pay", Handler: proc.HandleTask}
		_ = w.Run(wctx)
	}()

	require.Eventually(t, func() bool {
		o, err := st.GetOrder(ctx, order.ID)
		return err == nil && o.Status == store.OrderPaid
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-workerDone

	p, err := st.GetPayment(ctx, "pay_async")
	require.NoError(t, err)
	require.Equal(t, store.PaymentCaptured, p.Status)
	require.False(t, p.SignatureVerified)
}

func TestWebhookRefundProcessedAdmitted(t *testing.T) {
	proc, svc, st, _ := newProcessor(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, payment.CreateOrderInput{Amount: 10000})
	require.NoError(t, err)
	paymentID := "pay_rf"
	body := captureBody(t, order.ID, paymentID, 10000)
	_, err = proc.Process(ctx, body, sign(body), "evt_cap")
	require.NoError(t, err)

	// Refund issued from the processor dashboard arrives only as a webhook.
	refundBody, err := json.Marshal(map[string]any{
		"event": "refund.processed",
		"payload": map[string]any{
			"refund": map[string]any{
				"entity": map[string]any{
					"id":         "rfnd_dash",
					"payment_id": paymentID,
					"amount":     4000,
					"status":     "processed",
				},
			},
		},
	})
	require.NoError(t, err)

	outcome, err := proc.Process(ctx, refundBody, sign(refundBody), "evt_rf")
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeApplied, outcome)

	persisted, err := st.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, store.OrderPartiallyRefunded, persisted.Status)

	r, err := st.GetRefund(ctx, "rfnd_dash")
	require.NoError(t, err)
	require.EqualValues(t, 4000, r.Amount)

	// Redelivery with a different event id but the same refund id stays a
	// single refund record.
	outcome, err = proc.Process(ctx, refundBody, sign(refundBody), "evt_rf_2")
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeApplied, outcome)
	refunds, err := st.ListRefunds(ctx, paymentID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
}

func TestWebhookUnknownEventAcknowledged(t *testing.T) {
	proc, _, _, _ := newProcessor(t)
	ctx := context.Background()

	body := []byte(`{"event":"order.paid","payload":{}}`)
	outcome, err := proc.Process(ctx, body, sign(body), "evt_unknown")
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeIgnored, outcome)
}

func TestWebhookMalformedBodyRejected(t *testing.T) {
	proc, _, _, _ := newProcessor(t)
	ctx := context.Background()

	body := []byte(`{"event":"payment.captured","payload":{}}`)
	_, err := proc.Process(ctx, body, sign(body), "evt_bad")
	require.Equal(t, common.CodeValidation, common.CodeOf(err))
}

func TestWebhookClaimReleasedOnDispatchFailure(t *testing.T) {
	proc, svc, _, _ := newProcessor(t)
	ctx := context.Background()

	// refund.processed for a payment we have never seen: the state machine
	// rejects it, and the claim must be given back so the processor's
	// redelivery can succeed once the capture has landed.
	refundBody, err := json.Marshal(map[string]any{
		"event": "refund.processed",
		"payload": map[string]any{
			"refund": map[string]any{
				"entity": map[string]any{
					"id":         "rfnd_early",
					"payment_id": "pay_not_yet",
					"amount":     4000,
					"status":     "processed",
				},
			},
		},
	})
	require.NoError(t, err)

	_, err = proc.Process(ctx, refundBody, sign(refundBody), "evt_early")
	require.Equal(t, common.CodeRecordNotFound, common.CodeOf(err))

	order, err := svc.CreateOrder(ctx, payment.CreateOrderInput{Amount: 10000})
	require.NoError(t, err)
	body := captureBody(t, order.ID, "pay_not_yet", 10000)
	_, err = proc.Process(ctx, body, sign(body), "evt_cap_late")
	require.NoError(t, err)

	outcome, err := proc.Process(ctx, refundBody, sign(refundBody), "evt_early")
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeApplied, outcome)
}

func TestWebhookBodyDigestFallbackDedup(t *testing.T) {
	proc, svc, _, _ := newProcessor(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, payment.CreateOrderInput{Amount: 10000})
	require.NoError(t, err)

	body := captureBody(t, order.ID, "pay_noid", 10000)
	outcome, err := proc.Process(ctx, body, sign(body), "")
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeApplied, outcome)

	// Same bytes without an event id header resolve to the same digest.
	outcome, err = proc.Process(ctx, body, sign(body), "")
	require.NoError(t, err)
	require.Equal(t, payment.OutcomeDuplicate, outcome)
}

func TestHandleTaskSwallowsPermanentConflicts(t *testing.T) {
	proc, svc, _, _ := newProcessor(t)
	ctx := context.Background()

	order, _ := func() (store.Order, store.Payment) {
		o, err := svc.CreateOrder(ctx, payment.CreateOrderInput{Amount: 10000})
		require.NoError(t, err)
		sig := signature.Compute(signature.PaymentPayload(o.ID, "pay_task"), keySecret)
		p, err := svc.VerifyPayment(ctx, o.ID, "pay_task", sig)
		require.NoError(t, err)
		return o, p
	}()

	// A capture for a different payment on an already-paid order is a
	// permanent conflict; the worker must not requeue it.
	ev := payment.Event{
		ID:   "evt_task",
		Type: "payment.captured",
		Kind: payment.EventPaymentCaptured,
		Payment: payment.PaymentEntity{
			ID:      "pay_task_other",
			OrderID: order.ID,
			Amount:  10000,
			Status:  "captured",
		},
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, proc.HandleTask(ctx, raw), "permanent conflicts are dropped, not retried")
}

func TestParseEventVariants(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
		kind payment.EventKind
		ok   bool
	}{
		{"captured", `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_1","amount":100,"status":"captured"}}}}`, payment.EventPaymentCaptured, true},
		{"failed", `{"event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_1","status":"failed"}}}}`, payment.EventPaymentFailed, true},
		{"refund created", `{"event":"refund.created","payload":{"refund":{"entity":{"id":"rfnd_1","payment_id":"pay_1","amount":100,"status":"created"}}}}`, payment.EventRefundProcessed, true},
		{"unknown", `{"event":"settlement.processed","payload":{}}`, payment.EventUnknown, true},
		{"missing entity", `{"event":"refund.created","payload":{}}`, payment.EventUnknown, false},
		{"missing type", `{"payload":{}}`, payment.EventUnknown, false},
		{"not json", `not-json`, payment.EventUnknown, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := payment.ParseEvent([]byte(tc.body), "evt_hdr")
			if !tc.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.kind, ev.Kind)
			require.Equal(t, "evt_hdr", ev.ID)
		})
	}
	ev, err := payment.ParseEvent([]byte(`{"event":"x.y","payload":{}}`), "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ev.ID, "evt_body_"), "missing header falls back to the body digest")
}
