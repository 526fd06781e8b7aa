package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/payment-api/internal/common"
	"github.com/noah-isme/payment-api/internal/lock"
)

// Redis implements Store on top of JSON records in Redis. Per-order
// atomicity comes from a keyed lock held for the duration of UpdateOrder;
// the staged writes are flushed in a single pipeline.
type Redis struct {
	R      *redis.Client
	Locks  lock.Keyed
	Prefix string
}

// NewRedis wires a Redis store sharing the given client for records and
// locks.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		R:     client,
		Locks: lock.Keyed{R: client, Prefix: "lock:order", TTL: 10 * time.Second},
	}
}

func (s *Redis) key(parts ...string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "pay"
	}
	k := prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// CreateOrder persists a new order record and indexes it for listing.
func (s *Redis) CreateOrder(ctx context.Context, o Order) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return err
	}
	ok, err := s.R.SetNX(ctx, s.key("order", o.ID), raw, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("store: order %s already exists", o.ID)
	}
	return s.R.SAdd(ctx, s.key("orders"), o.ID).Err()
}

// GetOrder loads a single order.
func (s *Redis) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var o Order
	if err := s.getJSON(ctx, s.key("order", orderID), &o); err != nil {
		return Order{}, err
	}
	return o, nil
}

// ListOrders returns all orders sorted newest first.
func (s *Redis) ListOrders(ctx context.Context) ([]Order, error) {
	ids, err := s.R.SMembers(ctx, s.key("orders")).Result()
	if err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.GetOrder(ctx, id)
		if err != nil {
			if common.CodeOf(err) == common.CodeRecordNotFound {
				continue
			}
			return nil, err
		}
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	return orders, nil
}

// GetPayment loads a payment by its processor-assigned id.
func (s *Redis) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	var p Payment
	if err := s.getJSON(ctx, s.key("payment", paymentID), &p); err != nil {
		return Payment{}, err
	}
	return p, nil
}

// GetRefund loads a refund by id.
func (s *Redis) GetRefund(ctx context.Context, refundID string) (Refund, error) {
	var r Refund
	if err := s.getJSON(ctx, s.key("refund", refundID), &r); err != nil {
		return Refund{}, err
	}
	return r, nil
}

// ListRefunds returns the refunds recorded against a payment.
func (s *Redis) ListRefunds(ctx context.Context, paymentID string) ([]Refund, error) {
	p, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	ids, err := s.R.SMembers(ctx, s.key("order", p.OrderID, "refunds")).Result()
	if err != nil {
		return nil, err
	}
	refunds := make([]Refund, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRefund(ctx, id)
		if err != nil {
			return nil, err
		}
		if r.PaymentID == paymentID {
			refunds = append(refunds, r)
		}
	}
	sort.Slice(refunds, func(i, j int) bool { return refunds[i].CreatedAt.Before(refunds[j].CreatedAt) })
	return refunds, nil
}

// UpdateOrder runs fn inside the per-order critical section and persists the
// staged writes in one pipeline. The callback's error aborts the update and
// is returned unchanged.
func (s *Redis) UpdateOrder(ctx context.Context, orderID string, fn func(tx *OrderTx) error) error {
	if fn == nil {
		return errors.New("store: update callback is required")
	}
	return s.Locks.Do(ctx, orderID, func(ctx context.Context) error {
		tx := &OrderTx{}
		var err error
		tx.Order, err = s.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if tx.Payments, err = s.loadChildren(ctx, orderID, "payments"); err != nil {
			return err
		}
		refundIDs, err := s.R.SMembers(ctx, s.key("order", orderID, "refunds")).Result()
		if err != nil {
			return err
		}
		for _, id := range refundIDs {
			r, err := s.GetRefund(ctx, id)
			if err != nil {
				return err
			}
			tx.Refunds = append(tx.Refunds, r)
		}

		if err := fn(tx); err != nil {
			return err
		}
		if !tx.Dirty() {
			return nil
		}

		_, err = s.R.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if tx.stagedOrder != nil {
				raw, err := json.Marshal(*tx.stagedOrder)
				if err != nil {
					return err
				}
				pipe.Set(ctx, s.key("order", orderID), raw, 0)
			}
			for _, p := range tx.stagedPayments {
				raw, err := json.Marshal(p)
				if err != nil {
					return err
				}
				pipe.Set(ctx, s.key("payment", p.ID), raw, 0)
				pipe.SAdd(ctx, s.key("order", orderID, "payments"), p.ID)
			}
			for _, r := range tx.stagedRefunds {
				raw, err := json.Marshal(r)
				if err != nil {
					return err
				}
				pipe.Set(ctx, s.key("refund", r.ID), raw, 0)
				pipe.SAdd(ctx, s.key("order", orderID, "refunds"), r.ID)
			}
			for _, id := range tx.stagedRefundDeletes {
				pipe.Del(ctx, s.key("refund", id))
				pipe.SRem(ctx, s.key("order", orderID, "refunds"), id)
			}
			return nil
		})
		return err
	})
}

func (s *Redis) loadChildren(ctx context.Context, orderID, kind string) ([]Payment, error) {
	ids, err := s.R.SMembers(ctx, s.key("order", orderID, kind)).Result()
	if err != nil {
		return nil, err
	}
	payments := make([]Payment, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPayment(ctx, id)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, nil
}

func (s *Redis) getJSON(ctx context.Context, key string, dst any) error {
	raw, err := s.R.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return common.ErrRecordNotFound("")
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
