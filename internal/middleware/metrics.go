package middleware

import (
	"net/http"
	"time"

	"github.com/kenneth/chunkvault/internal/metrics"
)

// MetricsMiddleware records request counts, latency and bytes per route
// template, and tracks in-flight requests.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.IncrementActiveConnections()
			defer m.DecrementActiveConnections()

			rw := newResponseWriter(w)
			defer func() {
				path := routeTemplate(r)
				if path == "" {
					path = "unmatched"
				}
				m.RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start), rw.bytesWritten)
			}()

			next.ServeHTTP(rw, r)
		})
	}
}
