package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	paymentWebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhooks_total",
			Help: "Gateway webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(paymentWebhooksTotal)
}

// PrometheusHandler serves the default registry for scraping
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}

// RecordWebhookOutcome counts a webhook delivery in the scrape registry
func RecordWebhookOutcome(outcome string) {
	paymentWebhooksTotal.WithLabelValues(outcome).Inc()
}
