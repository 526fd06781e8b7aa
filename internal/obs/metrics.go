package obs

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// OrdersCreatedTotal counts order creation outcomes.
	OrdersCreatedTotal *prometheus.CounterVec
	// PaymentVerifyTotal counts browser-callback signature verification outcomes.
	PaymentVerifyTotal *prometheus.CounterVec
	// WebhookEventsTotal counts inbound webhook events by type and outcome.
	WebhookEventsTotal *prometheus.CounterVec
	// RefundsTotal counts refund request outcomes.
	RefundsTotal *prometheus.CounterVec
	// GatewayCallDuration records outbound processor call latency in milliseconds.
	GatewayCallDuration *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers the payment domain
// collectors. Safe to call more than once; only the first call registers.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		OrdersCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Count of order creation outcomes.",
		}, []string{"result"})
		PaymentVerifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_verify_total",
			Help:      "Count of payment signature verification outcomes.",
		}, []string{"result"})
		WebhookEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Count of processed webhook events by type and outcome.",
		}, []string{"event", "result"})
		RefundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Count of refund request outcomes.",
		}, []string{"result"})
		GatewayCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_ms",
			Help:      "Latency of outbound processor calls in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"operation"})
		reg.MustRegister(OrdersCreatedTotal, PaymentVerifyTotal, WebhookEventsTotal, RefundsTotal, GatewayCallDuration)
	})
}

// DurationMillis converts a duration to milliseconds for metric observation.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
