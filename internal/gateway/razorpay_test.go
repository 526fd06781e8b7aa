package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-api/internal/common"
	"github.com/noah-isme/payment-api/internal/gateway"
	"github.com/noah-isme/payment-api/internal/resilience"
)

func newClient(t *testing.T, handler http.HandlerFunc) *gateway.Razorpay {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return gateway.NewRazorpay("rzp_test_key", "secret", srv.URL, resilience.HTTPClient{
		Client:      srv.Client(),
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
	})
}

func TestCreateOrderSendsAutoCapture(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/orders", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "rzp_test_key", user)
		require.Equal(t, "secret", pass)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.EqualValues(t, 10000, body["amount"])
		require.Equal(t, "INR", body["currency"])
		require.EqualValues(t, 1, body["payment_capture"])

		common.JSON(w, http.StatusOK, gateway.RemoteOrder{
			ID: "order_test1", Amount: 10000, Currency: "INR", Status: "created",
		})
	})

	order, err := client.CreateOrder(context.Background(), 10000, "INR", "rcpt_1", map[string]string{"customer_name": "Test"})
	require.NoError(t, err)
	require.Equal(t, "order_test1", order.ID)
	require.EqualValues(t, 10000, order.Amount)
}

func TestGatewayRejectedCarriesDescription(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"amount exceeds refundable amount"}}`))
	})

	_, err := client.CreateRefund(context.Background(), "pay_1", 99999, nil)
	require.Error(t, err)
	require.Equal(t, common.CodeGatewayRejected, common.CodeOf(err))
	require.Contains(t, err.Error(), "refundable")
}

func TestGatewayUnavailableOnServerErrors(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.FetchPayment(context.Background(), "pay_1")
	require.Error(t, err)
	require.Equal(t, common.CodeGatewayUnavailable, common.CodeOf(err))
}
