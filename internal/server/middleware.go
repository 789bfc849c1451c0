package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// SecurityHeadersMiddleware adds baseline browser hardening headers to
// every response.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")

		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// BodyLimitMiddleware rejects requests whose declared body exceeds the
// ceiling with 413, and caps chunked bodies with MaxBytesReader as a
// backstop.
func BodyLimitMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
					"error": "Request body too large",
					"limit": limit,
				})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// RecovererMiddleware is the final safety net: a panic anywhere in the
// pipeline answers 500 and the process keeps serving. The panic detail is
// always logged but only shown to clients in development mode.
func RecovererMiddleware(logger *slog.Logger, development bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					// The client is gone; nothing to answer.
					panic(rec)
				}

				requestID, _ := r.Context().Value(RequestIDKey).(string)
				logger.Error("panic while serving request",
					slog.String("request_id", requestID),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
				)

				body := map[string]any{"error": "Internal server error"}
				if development {
					body["message"] = fmt.Sprint(rec)
				}
				writeJSON(w, http.StatusInternalServerError, body)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
