package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/okian/lookout/pkg/metrics"
)

// MetricsMiddleware records request count and latency for endpoint, and
// counts responses with a 4xx or 5xx status by error class.
func MetricsMiddleware(next http.HandlerFunc, endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		code := strconv.Itoa(rec.status)
		metrics.RecordHTTPRequest(endpoint, r.Method, code)
		metrics.RecordHTTPRequestDuration(endpoint, r.Method, code, float64(time.Since(start).Microseconds())/1000)
		if class := errorClass(rec.status); class != "" {
			metrics.RecordErrorByComponent("http", class)
		}
	}
}

// errorClass maps a status code to the error label; "" for success.
func errorClass(status int) string {
	switch {
	case status < http.StatusBadRequest:
		return ""
	case status == http.StatusServiceUnavailable:
		return "unavailable"
	case status >= http.StatusInternalServerError:
		return "server_error"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusConflict:
		return "conflict"
	default:
		return "client_error"
	}
}

// statusRecorder remembers the status written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
