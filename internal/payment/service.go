// Package payment holds the order/payment/refund state machine and the
// webhook processing pipeline that drives it.
package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/payment-api/internal/common"
	"github.com/noah-isme/payment-api/internal/gateway"
	"github.com/noah-isme/payment-api/internal/obs"
	"github.com/noah-isme/payment-api/internal/signature"
	"github.com/noah-isme/payment-api/internal/store"
)

// Service owns every legal transition of the order lifecycle. All mutations
// run inside the store's atomic per-order section, so a browser callback
// racing a webhook for the same order serialises there.
type Service struct {
	Store           store.Store
	Gateway         gateway.Client
	KeySecret       []byte
	DefaultCurrency string
	Log             zerolog.Logger
}

// CreateOrderInput carries the merchant request for a new order.
type CreateOrderInput struct {
	Amount      int64
	Currency    string
	Receipt     string
	Customer    store.Customer
	Description string
}

// CreateOrder creates the order remotely and persists it in `created` state.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (store.Order, error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.CreateOrder")
	defer span.End()

	result := "error"
	defer func() {
		if obs.OrdersCreatedTotal != nil {
			obs.OrdersCreatedTotal.WithLabelValues(result).Inc()
		}
	}()

	currency := strings.TrimSpace(in.Currency)
	if currency == "" {
		currency = s.DefaultCurrency
	}
	notes := map[string]string{}
	if in.Customer.Name != "" {
		notes["customer_name"] = in.Customer.Name
	}
	if in.Customer.Email != "" {
		notes["customer_email"] = in.Customer.Email
	}
	if in.Customer.Phone != "" {
		notes["customer_phone"] = in.Customer.Phone
	}
	if in.Description != "" {
		notes["description"] = in.Description
	}

	start := time.Now()
	remote, err := s.Gateway.CreateOrder(ctx, in.Amount, currency, in.Receipt, notes)
	if obs.GatewayCallDuration != nil {
		obs.GatewayCallDuration.WithLabelValues("create_order").Observe(obs.DurationMillis(time.Since(start)))
	}
	if err != nil {
		span.RecordError(err)
		return store.Order{}, err
	}
	span.SetAttributes(attribute.String("order.id", remote.ID))

	now := time.Now().UTC()
	order := store.Order{
		ID:          remote.ID,
		Amount:      in.Amount,
		Currency:    currency,
		Receipt:     in.Receipt,
		Customer:    in.Customer,
		Description: in.Description,
		Status:      store.OrderCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Store.CreateOrder(ctx, order); err != nil {
		return store.Order{}, err
	}
	result = "success"
	s.Log.Info().Str("order_id", order.ID).Int64("amount", order.Amount).Str("currency", currency).Msg("order created")
	return order, nil
}

// VerifyPayment authenticates a browser-reported payment completion and, on
// success, transitions the order to paid. A forged signature rejects before
// any state is touched.
func (s *Service) VerifyPayment(ctx context.Context, orderID, paymentID, providedSignature string) (store.Payment, error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.VerifyPayment")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("payment.id", paymentID))

	if !signature.Verify(signature.PaymentPayload(orderID, paymentID), providedSignature, s.KeySecret) {
		if obs.PaymentVerifyTotal != nil {
			obs.PaymentVerifyTotal.WithLabelValues("rejected").Inc()
		}
		s.Log.Warn().Str("order_id", orderID).Str("payment_id", paymentID).Msg("payment signature rejected")
		return store.Payment{}, common.ErrSignatureInvalid("invalid payment signature")
	}

	// Cross-check against the processor's own record. Best effort: the
	// signature already proves authenticity, so a gateway hiccup here must
	// not fail the verification.
	method := ""
	if remote, err := s.Gateway.FetchPayment(ctx, paymentID); err == nil {
		method = remote.Method
		if remote.OrderID != "" && remote.OrderID != orderID {
			if obs.PaymentVerifyTotal != nil {
				obs.PaymentVerifyTotal.WithLabelValues("rejected").Inc()
			}
			return store.Payment{}, common.ErrSignatureInvalid("payment does not belong to order")
		}
	}

	p, err := s.applyCapture(ctx, orderID, paymentID, method)
	if err != nil {
		return store.Payment{}, err
	}
	if obs.PaymentVerifyTotal != nil {
		obs.PaymentVerifyTotal.WithLabelValues("verified").Inc()
	}
	return p, nil
}

// applyCapture records the single captured payment for an order. Both
// verified paths (browser callback and webhook) land here, which is what
// makes their race safe: the second application of the same
// (order, payment) pair returns the existing record unchanged.
func (s *Service) applyCapture(ctx context.Context, orderID, paymentID, method string) (store.Payment, error) {
	var out store.Payment
	err := s.Store.UpdateOrder(ctx, orderID, func(tx *store.OrderTx) error {
		if existing, ok := tx.CapturedPayment(); ok {
			if existing.ID == paymentID {
				out = existing
				return nil
			}
			return common.ErrInvalidTransition(fmt.Sprintf("order %s already paid by payment %s", orderID, existing.ID))
		}
		if tx.Order.Status.Terminal() {
			return common.ErrInvalidTransition(fmt.Sprintf("order %s is %s", orderID, tx.Order.Status))
		}
		if tx.Order.Status != store.OrderCreated {
			return common.ErrInvalidTransition(fmt.Sprintf("cannot capture payment for order in state %s", tx.Order.Status))
		}

		now := time.Now().UTC()
		out = store.Payment{
			ID:                paymentID,
			OrderID:           orderID,
			Amount:            tx.Order.Amount,
			Method:            method,
			Status:            store.PaymentCaptured,
			SignatureVerified: true,
			VerifiedAt:        now,
			CreatedAt:         now,
		}
		tx.PutPayment(out)
		order := tx.Order
		order.Status = store.OrderPaid
		tx.PutOrder(order)
		return nil
	})
	if err != nil {
		return store.Payment{}, err
	}
	s.Log.Info().Str("order_id", orderID).Str("payment_id", paymentID).Msg("payment captured")
	return out, nil
}

// applyFailure transitions a created order to failed and records the failed
// payment attempt when the event names one. Re-applying failure is a no-op;
// failure after capture is illegal and reported.
func (s *Service) applyFailure(ctx context.Context, ent PaymentEntity) error {
	return s.Store.UpdateOrder(ctx, ent.OrderID, func(tx *store.OrderTx) error {
		switch tx.Order.Status {
		case store.OrderFailed:
			return nil
		case store.OrderCreated:
			if ent.ID != "" {
				tx.PutPayment(store.Payment{
					ID:        ent.ID,
					OrderID:   ent.OrderID,
					Amount:    ent.Amount,
					Method:    ent.Method,
					Status:    store.PaymentFailed,
					CreatedAt: time.Now().UTC(),
				})
			}
			order := tx.Order
			order.Status = store.OrderFailed
			tx.PutOrder(order)
			return nil
		default:
			return common.ErrInvalidTransition(fmt.Sprintf("cannot fail order in state %s", tx.Order.Status))
		}
	})
}

// RefundInput carries a refund request. A zero Amount means the full
// remaining balance.
type RefundInput struct {
	PaymentID string
	Amount    int64
	Notes     map[string]string
}

// reservationExpiry bounds how long a pending reservation may hold balance.
// A crash between reserving and finalising leaves the reservation behind;
// once it is clearly older than any gateway retry budget, the next refund
// attempt releases it.
const reservationExpiry = 5 * time.Minute

// CreateRefund submits a refund to the processor and records it, moving the
// order to partially_refunded or refunded. The balance check runs in three
// steps: a pending reservation is written inside the per-order critical
// section, the gateway call runs outside it (the call may legally outlast
// any sane lock TTL), and a second critical section swaps the reservation
// for the processor's refund record. Concurrent requests see each other's
// reservations, so amounts that together exceed the balance cannot all be
// admitted.
func (s *Service) CreateRefund(ctx context.Context, in RefundInput) (store.Refund, error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.CreateRefund")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", in.PaymentID))

	result := "error"
	defer func() {
		if obs.RefundsTotal != nil {
			obs.RefundsTotal.WithLabelValues(result).Inc()
		}
	}()

	p, err := s.Store.GetPayment(ctx, in.PaymentID)
	if err != nil {
		return store.Refund{}, err
	}

	var reservation store.Refund
	err = s.Store.UpdateOrder(ctx, p.OrderID, func(tx *store.OrderTx) error {
		if tx.Order.Status != store.OrderPaid && tx.Order.Status != store.OrderPartiallyRefunded {
			return common.ErrInvalidTransition(fmt.Sprintf("cannot refund order in state %s", tx.Order.Status))
		}
		releaseStaleReservations(tx, p.ID)
		remaining := p.Amount - tx.HeldRefundTotal(p.ID)
		amount := in.Amount
		if amount == 0 {
			amount = remaining
		}
		if amount > remaining {
			return common.ErrRefundExceedsBalance(fmt.Sprintf("refund of %d exceeds remaining balance %d", amount, remaining))
		}
		if amount <= 0 {
			return common.ErrRefundExceedsBalance("no refundable balance remains")
		}
		reservation = store.Refund{
			ID:        "rsv_" + uuid.NewString(),
			PaymentID: p.ID,
			OrderID:   p.OrderID,
			Amount:    amount,
			Status:    store.RefundPending,
			Notes:     in.Notes,
			CreatedAt: time.Now().UTC(),
		}
		tx.PutRefund(reservation)
		return nil
	})
	if err != nil {
		return store.Refund{}, err
	}

	start := time.Now()
	remote, err := s.Gateway.CreateRefund(ctx, p.ID, reservation.Amount, in.Notes)
	if obs.GatewayCallDuration != nil {
		obs.GatewayCallDuration.WithLabelValues("create_refund").Observe(obs.DurationMillis(time.Since(start)))
	}
	if err != nil {
		if relErr := s.releaseReservation(ctx, p.OrderID, reservation.ID); relErr != nil {
			s.Log.Error().Err(relErr).Str("reservation_id", reservation.ID).Msg("release refund reservation")
		}
		return store.Refund{}, err
	}

	var out store.Refund
	err = s.Store.UpdateOrder(ctx, p.OrderID, func(tx *store.OrderTx) error {
		tx.DeleteRefund(reservation.ID)
		out = store.Refund{
			ID:        remote.ID,
			PaymentID: p.ID,
			OrderID:   p.OrderID,
			Amount:    reservation.Amount,
			Status:    refundStatusFromRemote(remote.Status),
			Notes:     in.Notes,
			CreatedAt: time.Now().UTC(),
		}
		tx.PutRefund(out)

		// Order transitions follow processed amounts only; other callers'
		// pending reservations count against the balance but may still fail.
		processed := tx.ProcessedRefundTotal(p.ID)
		if out.Status == store.RefundProcessed {
			processed += out.Amount
		}
		order := tx.Order
		switch {
		case out.Status == store.RefundProcessed && processed >= p.Amount:
			order.Status = store.OrderRefunded
		case processed > 0:
			order.Status = store.OrderPartiallyRefunded
		}
		if order.Status != tx.Order.Status {
			tx.PutOrder(order)
		}
		return nil
	})
	if err != nil {
		return store.Refund{}, err
	}
	result = "success"
	s.Log.Info().Str("payment_id", p.ID).Str("refund_id", out.ID).Int64("amount", out.Amount).Msg("refund recorded")
	return out, nil
}

// releaseReservation removes a pending reservation after a failed gateway
// call, giving its amount back to the refundable balance.
func (s *Service) releaseReservation(ctx context.Context, orderID, reservationID string) error {
	return s.Store.UpdateOrder(ctx, orderID, func(tx *store.OrderTx) error {
		tx.DeleteRefund(reservationID)
		return nil
	})
}

// releaseStaleReservations drops pending reservations old enough that their
// originating request can no longer be in flight.
func releaseStaleReservations(tx *store.OrderTx, paymentID string) {
	var stale []string
	for _, r := range tx.Refunds {
		if r.PaymentID == paymentID && r.Status == store.RefundPending && time.Since(r.CreatedAt) > reservationExpiry {
			stale = append(stale, r.ID)
		}
	}
	for _, id := range stale {
		tx.DeleteRefund(id)
	}
}

// applyRefundEvent records a processor-initiated refund notification. A
// refund already known locally only has its status confirmed; an unknown one
// (issued from the processor dashboard) is admitted through the same balance
// check as a local request.
func (s *Service) applyRefundEvent(ctx context.Context, ev RefundEntity) error {
	p, err := s.Store.GetPayment(ctx, ev.PaymentID)
	if err != nil {
		return err
	}
	return s.Store.UpdateOrder(ctx, p.OrderID, func(tx *store.OrderTx) error {
		for _, r := range tx.Refunds {
			if r.ID == ev.ID {
				return nil
			}
		}
		if tx.Order.Status != store.OrderPaid && tx.Order.Status != store.OrderPartiallyRefunded {
			return common.ErrInvalidTransition(fmt.Sprintf("cannot record refund for order in state %s", tx.Order.Status))
		}
		remaining := p.Amount - tx.HeldRefundTotal(p.ID)
		if ev.Amount > remaining {
			return common.ErrRefundExceedsBalance(fmt.Sprintf("refund of %d exceeds remaining balance %d", ev.Amount, remaining))
		}
		refund := store.Refund{
			ID:        ev.ID,
			PaymentID: p.ID,
			OrderID:   p.OrderID,
			Amount:    ev.Amount,
			Status:    refundStatusFromRemote(ev.Status),
			Notes:     ev.Notes,
			CreatedAt: time.Now().UTC(),
		}
		tx.PutRefund(refund)

		processed := tx.ProcessedRefundTotal(p.ID)
		if refund.Status == store.RefundProcessed {
			processed += refund.Amount
		}
		order := tx.Order
		switch {
		case refund.Status == store.RefundProcessed && processed >= p.Amount:
			order.Status = store.OrderRefunded
		case processed > 0:
			order.Status = store.OrderPartiallyRefunded
		}
		if order.Status != tx.Order.Status {
			tx.PutOrder(order)
		}
		return nil
	})
}

// GetOrder returns a single order.
func (s *Service) GetOrder(ctx context.Context, orderID string) (store.Order, error) {
	return s.Store.GetOrder(ctx, orderID)
}

// ListOrders returns all known orders.
func (s *Service) ListOrders(ctx context.Context) ([]store.Order, error) {
	return s.Store.ListOrders(ctx)
}

// GetPayment returns a payment together with its refunds.
func (s *Service) GetPayment(ctx context.Context, paymentID string) (store.Payment, []store.Refund, error) {
	p, err := s.Store.GetPayment(ctx, paymentID)
	if err != nil {
		return store.Payment{}, nil, err
	}
	refunds, err := s.Store.ListRefunds(ctx, paymentID)
	if err != nil {
		return store.Payment{}, nil, err
	}
	return p, refunds, nil
}

func refundStatusFromRemote(status string) store.RefundStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "processed", "created":
		return store.RefundProcessed
	case "failed":
		return store.RefundFailed
	case "pending":
		return store.RefundPending
	default:
		return store.RefundProcessed
	}
}
