package daemon

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// requestCounter counts approval endpoint traffic by method and path.
// A nil counter leaves the handler untouched, so the daemon works
// before telemetry is initialized.
func requestCounter(next http.Handler, counter metric.Int64Counter) http.Handler {
	if counter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.Add(r.Context(), 1,
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", r.URL.Path),
			),
		)
		next.ServeHTTP(w, r)
	})
}
