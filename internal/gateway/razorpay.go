package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/noah-isme/payment-api/internal/common"
	"github.com/noah-isme/payment-api/internal/resilience"
)

// Razorpay talks to the Razorpay REST API using basic auth over the key
// pair. Outbound calls go through the resilience wrapper so transient
// failures are retried with backoff and a sick upstream trips the breaker.
type Razorpay struct {
	KeyID     string
	KeySecret string
	BaseURL   string
	HTTP      resilience.HTTPClient
}

// NewRazorpay constructs a client with sane transport defaults.
func NewRazorpay(keyID, keySecret, baseURL string, httpClient resilience.HTTPClient) *Razorpay {
	if httpClient.Client == nil {
		httpClient.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if baseURL == "" {
		baseURL = "https://api.razorpay.com"
	}
	return &Razorpay{
		KeyID:     keyID,
		KeySecret: keySecret,
		BaseURL:   strings.TrimRight(baseURL, "/"),
		HTTP:      httpClient,
	}
}

type apiError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// CreateOrder creates a processor order with payment auto-capture enabled.
func (c *Razorpay) CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (RemoteOrder, error) {
	body := map[string]any{
		"amount":          amount,
		"currency":        currency,
		"payment_capture": 1,
	}
	if receipt != "" {
		body["receipt"] = receipt
	}
	if len(notes) > 0 {
		body["notes"] = notes
	}
	var out RemoteOrder
	if err := c.call(ctx, http.MethodPost, "/v1/orders", body, &out); err != nil {
		return RemoteOrder{}, err
	}
	return out, nil
}

// FetchPayment retrieves the processor's record of a payment.
func (c *Razorpay) FetchPayment(ctx context.Context, paymentID string) (RemotePayment, error) {
	var out RemotePayment
	if err := c.call(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, &out); err != nil {
		return RemotePayment{}, err
	}
	return out, nil
}

// CreateRefund submits a refund against a payment. The processor enforces
// its own remaining-balance check as a second line of defense.
func (c *Razorpay) CreateRefund(ctx context.Context, paymentID string, amount int64, notes map[string]string) (RemoteRefund, error) {
	body := map[string]any{}
	if amount > 0 {
		body["amount"] = amount
	}
	if len(notes) > 0 {
		body["notes"] = notes
	}
	var out RemoteRefund
	if err := c.call(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(paymentID)+"/refund", body, &out); err != nil {
		return RemoteRefund{}, err
	}
	return out, nil
}

// FetchRefund retrieves the processor's record of a refund.
func (c *Razorpay) FetchRefund(ctx context.Context, refundID string) (RemoteRefund, error) {
	var out RemoteRefund
	if err := c.call(ctx, http.MethodGet, "/v1/refunds/"+url.PathEscape(refundID), nil, &out); err != nil {
		return RemoteRefund{}, err
	}
	return out, nil
}

func (c *Razorpay) call(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.KeyID, c.KeySecret)

	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		return common.ErrGatewayUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		message := apiErr.Error.Description
		if message == "" {
			message = resp.Status
		}
		// 5xx responses never reach this point: the resilience wrapper
		// retries them and surfaces an error, mapped above.
		return common.ErrGatewayRejected(message, fmt.Errorf("gateway %s %s: %s", method, path, resp.Status))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
