package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	errs "github.com/frahmantamala/payment-engine/internal"
	"github.com/frahmantamala/payment-engine/internal/transport"
)

// Recover answers a panicking ops handler with an INTERNAL_ERROR envelope.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	responder := transport.NewResponder(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("ops handler panicked",
						"trace_id", errs.TraceIDFrom(r.Context()),
						"path", r.URL.Path,
						"panic", rec,
						"stack", string(debug.Stack()))
					responder.Problem(w, fmt.Errorf("panic: %v", rec))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
