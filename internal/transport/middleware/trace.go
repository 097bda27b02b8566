package middleware

import (
	"net/http"

	errs "github.com/frahmantamala/payment-engine/internal"
	"github.com/frahmantamala/payment-engine/pkg/logger"
	"github.com/google/uuid"
)

const TraceHeader = "X-Trace-ID"

const maxTraceIDLength = 64

// Trace tags the request with the caller's trace id, or a fresh one when it is missing or
// too long to log.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" || len(traceID) > maxTraceIDLength {
			traceID = uuid.NewString()
		}

		ctx := errs.WithTraceID(r.Context(), traceID)
		ctx = logger.With(ctx, "trace_id", traceID)
		w.Header().Set(TraceHeader, traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
