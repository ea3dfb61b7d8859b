// Package middleware holds the HTTP middleware shared by all routes.
package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/apelier/backend/internal/metrics"
)

// RequestTracker records every request as Prometheus metrics and a
// structured access log line.
type RequestTracker struct {
	metrics *metrics.Metrics
	log     logrus.FieldLogger
}

// NewRequestTracker creates the tracker. Either dependency may be nil.
func NewRequestTracker(m *metrics.Metrics, logger logrus.FieldLogger) *RequestTracker {
	return &RequestTracker{metrics: m, log: logger}
}

// Middleware returns the tracking middleware.
func (rt *RequestTracker) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			elapsed := time.Since(start)
			route := routePattern(r)
			rt.metrics.ObserveHTTP(r.Method, route, rw.statusCode, elapsed)

			if rt.log == nil {
				return
			}
			entry := rt.log.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"route":       route,
				"status":      rw.statusCode,
				"bytes":       rw.size,
				"duration_ms": elapsed.Milliseconds(),
				"request_id":  chimw.GetReqID(r.Context()),
			})
			switch {
			case rw.statusCode >= 500:
				entry.Warn("request failed")
			default:
				entry.Debug("request served")
			}
		})
	}
}

// routePattern keeps metric label cardinality bounded by using the matched
// chi pattern rather than the raw path.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
	wrote      bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wrote {
		rw.statusCode = code
		rw.wrote = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wrote = true
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}
