package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/payment-api/internal/common"
)

const pgUniqueViolation = "23505"

// Postgres implements Store against the schema in migrations/. Per-order
// atomicity uses a transaction with SELECT ... FOR UPDATE on the order row,
// so a browser callback racing a webhook for the same order serialises at
// the database.
type Postgres struct {
	Pool *pgxpool.Pool
}

// NewPostgres constructs the Postgres-backed store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

// CreateOrder inserts a new order row.
func (s *Postgres) CreateOrder(ctx context.Context, o Order) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO orders (id, amount, currency, receipt, customer_name, customer_email, customer_phone, description, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.Amount, o.Currency, o.Receipt, o.Customer.Name, o.Customer.Email, o.Customer.Phone,
		o.Description, string(o.Status), o.CreatedAt, o.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return errors.New("store: order " + o.ID + " already exists")
	}
	return err
}

// GetOrder loads a single order.
func (s *Postgres) GetOrder(ctx context.Context, orderID string) (Order, error) {
	return scanOrder(s.Pool.QueryRow(ctx, selectOrder+` WHERE id = $1`, orderID))
}

// ListOrders returns all orders newest first.
func (s *Postgres) ListOrders(ctx context.Context) ([]Order, error) {
	rows, err := s.Pool.Query(ctx, selectOrder+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetPayment loads a payment by id.
func (s *Postgres) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	return scanPayment(s.Pool.QueryRow(ctx, selectPayment+` WHERE id = $1`, paymentID))
}

// GetRefund loads a refund by id.
func (s *Postgres) GetRefund(ctx context.Context, refundID string) (Refund, error) {
	return scanRefund(s.Pool.QueryRow(ctx, selectRefund+` WHERE id = $1`, refundID))
}

// ListRefunds returns refunds recorded against a payment.
func (s *Postgres) ListRefunds(ctx context.Context, paymentID string) ([]Refund, error) {
	rows, err := s.Pool.Query(ctx, selectRefund+` WHERE payment_id = $1 ORDER BY created_at`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refunds []Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, r)
	}
	return refunds, rows.Err()
}

// UpdateOrder locks the order row, loads its payments and refunds, runs fn
// and flushes staged writes inside the same transaction.
func (s *Postgres) UpdateOrder(ctx context.Context, orderID string, fn func(tx *OrderTx) error) error {
	if fn == nil {
		return errors.New("store: update callback is required")
	}
	dbtx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = dbtx.Rollback(ctx) }()

	tx := &OrderTx{}
	tx.Order, err = scanOrder(dbtx.QueryRow(ctx, selectOrder+` WHERE id = $1 FOR UPDATE`, orderID))
	if err != nil {
		return err
	}

	payRows, err := dbtx.Query(ctx, selectPayment+` WHERE order_id = $1`, orderID)
	if err != nil {
		return err
	}
	for payRows.Next() {
		p, err := scanPayment(payRows)
		if err != nil {
			payRows.Close()
			return err
		}
		tx.Payments = append(tx.Payments, p)
	}
	payRows.Close()
	if err := payRows.Err(); err != nil {
		return err
	}

	refRows, err := dbtx.Query(ctx, selectRefund+` WHERE order_id = $1`, orderID)
	if err != nil {
		return err
	}
	for refRows.Next() {
		r, err := scanRefund(refRows)
		if err != nil {
			refRows.Close()
			return err
		}
		tx.Refunds = append(tx.Refunds, r)
	}
	refRows.Close()
	if err := refRows.Err(); err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return err
	}
	if !tx.Dirty() {
		return nil
	}

	if tx.stagedOrder != nil {
		o := *tx.stagedOrder
		if _, err := dbtx.Exec(ctx,
			`UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`,
			o.ID, string(o.Status), o.UpdatedAt); err != nil {
			return err
		}
	}
	for _, p := range tx.stagedPayments {
		if _, err := dbtx.Exec(ctx, `
			INSERT INTO payments (id, order_id, amount, method, status, signature_verified, verified_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET method = EXCLUDED.method, status = EXCLUDED.status`,
			p.ID, p.OrderID, p.Amount, p.Method, string(p.Status), p.SignatureVerified, p.VerifiedAt, p.CreatedAt); err != nil {
			return err
		}
	}
	for _, r := range tx.stagedRefunds {
		notes, err := json.Marshal(r.Notes)
		if err != nil {
			return err
		}
		if _, err := dbtx.Exec(ctx, `
			INSERT INTO refunds (id, payment_id, order_id, amount, status, notes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
			r.ID, r.PaymentID, r.OrderID, r.Amount, string(r.Status), notes, r.CreatedAt); err != nil {
			return err
		}
	}
	for _, id := range tx.stagedRefundDeletes {
		if _, err := dbtx.Exec(ctx, `DELETE FROM refunds WHERE id = $1`, id); err != nil {
			return err
		}
	}

	return dbtx.Commit(ctx)
}

const (
	selectOrder = `SELECT id, amount, currency, receipt, customer_name, customer_email, customer_phone, description, status, created_at, updated_at FROM orders`

	selectPayment = `SELECT id, order_id, amount, method, status, signature_verified, verified_at, created_at FROM payments`

	selectRefund = `SELECT id, payment_id, order_id, amount, status, notes, created_at FROM refunds`
)

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var status string
	err := row.Scan(&o.ID, &o.Amount, &o.Currency, &o.Receipt, &o.Customer.Name, &o.Customer.Email,
		&o.Customer.Phone, &o.Description, &status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, common.ErrRecordNotFound("")
	}
	if err != nil {
		return Order{}, err
	}
	o.Status = OrderStatus(status)
	return o, nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	var status string
	err := row.Scan(&p.ID, &p.OrderID, &p.Amount, &p.Method, &status, &p.SignatureVerified, &p.VerifiedAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, common.ErrRecordNotFound("")
	}
	if err != nil {
		return Payment{}, err
	}
	p.Status = PaymentStatus(status)
	return p, nil
}

func scanRefund(row pgx.Row) (Refund, error) {
	var r Refund
	var status string
	var notes []byte
	err := row.Scan(&r.ID, &r.PaymentID, &r.OrderID, &r.Amount, &status, &notes, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Refund{}, common.ErrRecordNotFound("")
	}
	if err != nil {
		return Refund{}, err
	}
	r.Status = RefundStatus(status)
	if len(notes) > 0 {
		if err := json.Unmarshal(notes, &r.Notes); err != nil {
			return Refund{}, err
		}
	}
	return r, nil
}
