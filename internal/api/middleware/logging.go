package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Flush passes through to the underlying ResponseWriter's Flusher, if it
// has one, so wrapping this middleware around a streaming handler (SSE)
// doesn't silently break flushing.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying ResponseWriter for http.ResponseController
// and other callers that type-assert through wrapper layers (net/http's
// documented convention since ResponseController landed in Go 1.20).
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// requestIDHeader is the header a request's correlation ID is echoed back
// on, so a client or reverse proxy can tie a response to the server-side
// log line that handled it.
const requestIDHeader = "X-Request-ID"

// RequestLogging logs every HTTP request with method, path, status,
// duration, remote address, and a per-request correlation ID. The ID is
// generated fresh per request (or taken from an inbound X-Request-ID, if a
// reverse proxy already assigned one) the same way hdpay's poller assigns
// each watch registration its own uuid for log correlation — applied here
// to HTTP requests instead of watcher registrations.
func RequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, reqID)

		rw := &responseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		duration := time.Since(start)

		slog.Info("http request",
			"requestID", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", duration.String(),
			"size", rw.size,
			"remoteAddr", r.RemoteAddr,
			"userAgent", r.UserAgent(),
		)
	})
}
