package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_batches_total",
			Help: "Total number of dispatched batches by result",
		},
		[]string{"result"},
	)

	emailsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_emails_sent_total",
			Help: "Total number of emails accepted by the relay",
		},
		[]string{"relay"},
	)

	emailsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_emails_failed_total",
			Help: "Total number of per-recipient send failures",
		},
		[]string{"relay", "kind"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "newsletter_send_duration_seconds",
			Help:    "Relay send duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"relay"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "newsletter_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Batch results
const (
	ResultOK       = "ok"
	ResultPartial  = "partial"
	ResultRejected = "rejected"
)

// RecordBatch counts one finished batch.
func RecordBatch(result string) {
	batchesTotal.WithLabelValues(result).Inc()
}

// RecordEmailSent records a successful relay send.
func RecordEmailSent(relay string, d time.Duration) {
	emailsSentTotal.WithLabelValues(relay).Inc()
	sendDuration.WithLabelValues(relay).Observe(d.Seconds())
}

// RecordEmailFailed records a failed send. d is zero when the relay was never called.
func RecordEmailFailed(relay, kind string, d time.Duration) {
	emailsFailedTotal.WithLabelValues(relay, kind).Inc()
	if d > 0 {
		sendDuration.WithLabelValues(relay).Observe(d.Seconds())
	}
}

// RecordHTTPRequest records one served request against its route pattern.
func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
