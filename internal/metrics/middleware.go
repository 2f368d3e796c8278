package metrics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	globalLimitRejects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_global_limit_rejects_total",
			Help: "Requests rejected by the gateway-wide req/s guard",
		},
	)

	panicRecoveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_panic_recoveries_total",
			Help: "Panics recovered in HTTP handlers",
		},
	)
)

// responseRecorder captures the status code and stamps X-Process-Time
// the moment the response headers are committed.
type responseRecorder struct {
	http.ResponseWriter
	start         time.Time
	statusCode    int
	headerWritten bool
}

func newRecorder(w http.ResponseWriter, start time.Time) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, start: start, statusCode: http.StatusOK}
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if r.headerWritten {
		return
	}
	r.statusCode = statusCode
	r.headerWritten = true
	r.Header().Set("X-Process-Time", strconv.FormatInt(time.Since(r.start).Milliseconds(), 10))
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.headerWritten {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// Middleware instruments every request: request ID, panic recovery, a
// gateway-wide req/s guard, process counters and prometheus
// instruments. The guard is blunt whole-process protection; per-account
// quotas live in internal/ratelimit.
func Middleware(collector *Collector, guard *rate.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set("X-Request-ID", requestID)
			r.Header.Set("X-Request-ID", requestID)

			if guard != nil && !guard.Allow() {
				globalLimitRejects.Inc()
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "Gateway overloaded, retry shortly"})
				return
			}

			rec := newRecorder(w, start)
			defer func() {
				if err := recover(); err != nil {
					panicRecoveries.Inc()
					logger.Error("panic recovered",
						"error", fmt.Sprintf("%v", err),
						"request_id", requestID,
						"method", r.Method,
						"path", r.URL.Path,
					)
					if !rec.headerWritten {
						w.Header().Set("Content-Type", "application/json")
						w.WriteHeader(http.StatusInternalServerError)
						json.NewEncoder(w).Encode(map[string]string{"error": "Internal server error"})
						rec.statusCode = http.StatusInternalServerError
						rec.headerWritten = true
					}
				}

				elapsed := time.Since(start)
				collector.Record(elapsed, rec.statusCode >= 400)
				httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.statusCode)).Inc()
				httpRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

				logger.Info("request processed",
					"request_id", requestID,
					"method", r.Method,
					"path", r.URL.Path,
					"status_code", rec.statusCode,
					"process_time_ms", elapsed.Milliseconds(),
				)
			}()

			next.ServeHTTP(rec, r)
		})
	}
}

// RequestID returns the request's correlation ID set by Middleware.
func RequestID(r *http.Request) string {
	return r.Header.Get("X-Request-ID")
}
