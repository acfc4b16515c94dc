package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/kemingy/ventu/internal/telemetry"
	"github.com/lithammer/shortuuid/v4"
)

type contextKey string

const (
	RequestIDKey    contextKey = "request_id"
	RequestIDHeader            = "X-Request-ID"
)

// RequestIDFrom returns the request id stored by RequestIDMiddleware.
func RequestIDFrom(ctx context.Context) string {
	reqID, _ := ctx.Value(RequestIDKey).(string)
	return reqID
}

// Chain chains multiple middlewares.
// The first middleware in the list is the outer-most one (executed first).
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RequestIDMiddleware keeps the caller's X-Request-ID or assigns a new one.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = shortuuid.New()
		}
		w.Header().Set(RequestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), RequestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs the incoming request and its duration.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := wrapResponseWriter(w)

			next.ServeHTTP(ww, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"bytes", ww.written,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestIDFrom(r.Context()),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// RecoveryMiddleware recovers from panics and returns a 500 error. onPanic
// writes the response; nil means a plain-text body.
func RecoveryMiddleware(logger *slog.Logger, onPanic http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("http_panic_recovered",
						"error", fmt.Sprintf("%v", err),
						"stack", string(debug.Stack()),
						"request_id", RequestIDFrom(r.Context()),
					)
					if onPanic == nil {
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
						return
					}
					onPanic(w, r)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// TelemetryMiddleware reports every routed request to hooks, labelled with
// the route template rather than the raw path.
func TelemetryMiddleware(hooks telemetry.Hooks) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if template, err := current.GetPathTemplate(); err == nil {
					route = template
				}
			}
			reqID := RequestIDFrom(r.Context())
			start := time.Now()
			ww := wrapResponseWriter(w)

			hooks.OnHTTPRequestStart(r.Context(), route, reqID)
			next.ServeHTTP(ww, r)
			hooks.OnHTTPRequestDone(r.Context(), route, reqID, ww.statusCode, time.Since(start), nil)
		})
	}
}

// responseWriterWrapper captures the status code.
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
	written    int
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriterWrapper {
	if ww, ok := w.(*responseWriterWrapper); ok {
		return ww
	}
	return &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
}

func (w *responseWriterWrapper) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriterWrapper) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.written += n
	return n, err
}
