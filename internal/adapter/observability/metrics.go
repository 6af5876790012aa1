package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	SubmissionsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xqueue_submissions_received_total",
			Help: "Total number of submissions accepted on intake",
		},
		[]string{"queue"},
	)
	SubmissionsPulledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xqueue_submissions_pulled_total",
			Help: "Total number of submissions handed to pull graders",
		},
		[]string{"queue"},
	)
	SubmissionsPushedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xqueue_submissions_pushed_total",
			Help: "Total number of submissions delivered to push graders",
		},
		[]string{"queue"},
	)
	SubmissionsRetiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xqueue_submissions_retired_total",
			Help: "Total number of submissions retired, by reason",
		},
		[]string{"queue", "reason"},
	)
	GraderFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xqueue_grader_failures_total",
			Help: "Total number of failed grader exchanges",
		},
		[]string{"queue"},
	)
	LMSDeliveryFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xqueue_lms_delivery_failures_total",
			Help: "Total number of failed LMS callback deliveries",
		},
		[]string{"queue"},
	)
	QueueLengthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xqueue_queue_length",
			Help: "Unretired submissions per queue as of the last sweep",
		},
		[]string{"queue"},
	)
	GraderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xqueue_grader_request_duration_seconds",
			Help:    "Push grader round-trip duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"queue"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SubmissionsReceivedTotal)
	prometheus.MustRegister(SubmissionsPulledTotal)
	prometheus.MustRegister(SubmissionsPushedTotal)
	prometheus.MustRegister(SubmissionsRetiredTotal)
	prometheus.MustRegister(GraderFailuresTotal)
	prometheus.MustRegister(LMSDeliveryFailuresTotal)
	prometheus.MustRegister(QueueLengthGauge)
	prometheus.MustRegister(GraderRequestDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
