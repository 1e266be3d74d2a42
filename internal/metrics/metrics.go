// Package metrics exposes Prometheus collectors for the HTTP server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usermgmt_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "usermgmt_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	uploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usermgmt_uploads_total",
			Help: "Profile picture uploads by outcome",
		},
		[]string{"outcome"},
	)

	userMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usermgmt_user_mutations_total",
			Help: "User record writes by operation and result",
		},
		[]string{"operation", "result"},
	)
)

// Upload outcomes.
const (
	UploadStored   = "stored"
	UploadRejected = "rejected"
	UploadFailed   = "failed"
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// ObserveUpload counts one upload attempt.
func ObserveUpload(outcome string) {
	uploads.WithLabelValues(outcome).Inc()
}

// ObserveMutation counts one create, update or delete.
func ObserveMutation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	userMutations.WithLabelValues(operation, result).Inc()
}
