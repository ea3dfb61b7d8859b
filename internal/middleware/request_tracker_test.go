package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/apelier/backend/internal/metrics"
)

func TestRequestTrackerRecordsRoutePattern(t *testing.T) {
	m := metrics.New()
	router := chi.NewRouter()
	router.Use(NewRequestTracker(m, nil).Middleware())
	router.Get("/api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"1", "2", "3"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil))
		require.Equal(t, http.StatusTeapot, rr.Code)
	}

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/jobs/{id}", "418"))
	assert.Equal(t, 3.0, got)
}

func TestRequestTrackerUnmatchedRoute(t *testing.T) {
	m := metrics.New()
	router := chi.NewRouter()
	router.Use(NewRequestTracker(m, nil).Middleware())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	expected := `
# HELP apelier_http_requests_total Total number of HTTP requests
# TYPE apelier_http_requests_total counter
apelier_http_requests_total{method="GET",route="unmatched",status="404"} 1
`
	require.NoError(t, testutil.CollectAndCompare(m.HTTPRequestsTotal, strings.NewReader(expected)))
}

func TestResponseWriterKeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	_, _ = rw.Write([]byte("hello"))
	rw.WriteHeader(http.StatusInternalServerError)

	assert.Equal(t, http.StatusOK, rw.statusCode)
	assert.Equal(t, 5, rw.size)
}
