package middleware

import (
	"net/http"

	"github.com/hitoshi/shepherd/internal/metrics"
)

// NewMetricsMiddleware はレスポンスのステータスコードをshepherd_http_status_totalに数える。
func NewMetricsMiddleware(collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := wrapStatus(w, r)
			next.ServeHTTP(ww, r)
			collector.RecordHTTPStatus(writtenStatus(ww))
		})
	}
}
