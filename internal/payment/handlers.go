package payment

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/payment-api/internal/common"
	"github.com/noah-isme/payment-api/internal/store"
)

const (
	// SignatureHeader carries the hex HMAC over the raw webhook body.
	SignatureHeader = "X-Razorpay-Signature"
	// EventIDHeader carries the processor-assigned event id, stable across
	// redeliveries of the same event.
	EventIDHeader = "X-Razorpay-Event-Id"

	maxWebhookBody = 1 << 20
)

// Handler exposes the payment HTTP surface.
type Handler struct {
	Svc       *Service
	Processor *Processor
	// KeyID is returned on order creation so the client can open checkout.
	KeyID string
}

type createOrderReq struct {
	Amount        int64  `json:"amount" validate:"required,gt=0"`
	Currency      string `json:"currency" validate:"omitempty,len=3"`
	Receipt       string `json:"receipt"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email" validate:"omitempty,email"`
	CustomerPhone string `json:"customer_phone"`
	Description   string `json:"description"`
}

type createOrderResp struct {
	OrderID       string `json:"order_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	KeyID         string `json:"key_id"`
	CustomerName  string `json:"customer_name,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
}

// CreateOrder creates a processor order for checkout.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := common.DecodeJSON(r, &req); err != nil {
		common.RenderError(w, err)
		return
	}
	order, err := h.Svc.CreateOrder(r.Context(), CreateOrderInput{
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Customer: store.Customer{
			Name:  req.CustomerName,
			Email: req.CustomerEmail,
			Phone: req.CustomerPhone,
		},
		Description: req.Description,
	})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, createOrderResp{
		OrderID:       order.ID,
		Amount:        order.Amount,
		Currency:      order.Currency,
		KeyID:         h.KeyID,
		CustomerName:  order.Customer.Name,
		CustomerEmail: order.Customer.Email,
	})
}

type verifyReq struct {
	OrderID   string `json:"order_id" validate:"required"`
	PaymentID string `json:"payment_id" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

type paymentResp struct {
	PaymentID         string         `json:"payment_id"`
	OrderID           string         `json:"order_id"`
	Amount            int64          `json:"amount"`
	Method            string         `json:"method,omitempty"`
	Status            string         `json:"status"`
	SignatureVerified bool           `json:"signature_verified"`
	VerifiedAt        time.Time      `json:"verified_at"`
	Refunds           []store.Refund `json:"refunds,omitempty"`
}

// VerifyPayment authenticates the browser-reported payment completion.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyReq
	if err := common.DecodeJSON(r, &req); err != nil {
		common.RenderError(w, err)
		return
	}
	p, err := h.Svc.VerifyPayment(r.Context(), req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, paymentResp{
		PaymentID:         p.ID,
		OrderID:           p.OrderID,
		Amount:            p.Amount,
		Method:            p.Method,
		Status:            string(p.Status),
		SignatureVerified: p.SignatureVerified,
		VerifiedAt:        p.VerifiedAt,
	})
}

// Webhook ingests processor notifications. The body is read raw and handed
// to the processor untouched; the signature covers those exact bytes.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	sig := r.Header.Get(SignatureHeader)
	if strings.TrimSpace(sig) == "" {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "missing signature header", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "unable to read payload", nil)
		return
	}
	outcome, err := h.Processor.Process(r.Context(), body, sig, r.Header.Get(EventIDHeader))
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

type refundReq struct {
	PaymentID string            `json:"payment_id" validate:"required"`
	Amount    int64             `json:"amount" validate:"omitempty,gt=0"`
	Notes     map[string]string `json:"notes"`
}

type refundResp struct {
	RefundID  string            `json:"refund_id"`
	PaymentID string            `json:"payment_id"`
	Amount    int64             `json:"amount"`
	Status    string            `json:"status"`
	Notes     map[string]string `json:"notes,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// CreateRefund issues a full or partial refund against a captured payment.
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	var req refundReq
	if err := common.DecodeJSON(r, &req); err != nil {
		common.RenderError(w, err)
		return
	}
	refund, err := h.Svc.CreateRefund(r.Context(), RefundInput{
		PaymentID: req.PaymentID,
		Amount:    req.Amount,
		Notes:     req.Notes,
	})
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, refundResp{
		RefundID:  refund.ID,
		PaymentID: refund.PaymentID,
		Amount:    refund.Amount,
		Status:    string(refund.Status),
		Notes:     refund.Notes,
		CreatedAt: refund.CreatedAt,
	})
}

// GetPayment returns a payment with its refunds.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")
	p, refunds, err := h.Svc.GetPayment(r.Context(), paymentID)
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, paymentResp{
		PaymentID:         p.ID,
		OrderID:           p.OrderID,
		Amount:            p.Amount,
		Method:            p.Method,
		Status:            string(p.Status),
		SignatureVerified: p.SignatureVerified,
		VerifiedAt:        p.VerifiedAt,
		Refunds:           refunds,
	})
}

// GetOrder returns a single order.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Svc.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, order)
}

// ListOrders returns all orders, newest first.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Svc.ListOrders(r.Context())
	if err != nil {
		common.RenderError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// Routes mounts the payment endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/orders", h.CreateOrder)
	r.Post("/verify", h.VerifyPayment)
	r.Post("/webhook", h.Webhook)
	r.Post("/refunds", h.CreateRefund)
	r.Get("/", h.ListOrders)
	r.Get("/orders", h.ListOrders)
	r.Get("/orders/{orderID}", h.GetOrder)
	r.Get("/{paymentID}", h.GetPayment)
}
