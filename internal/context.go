package internal

import (
	"context"
	"time"
)

// DefaultGatewayTimeout bounds a gateway call when no timeout is configured.
const DefaultGatewayTimeout = 30 * time.Second

type contextKey int

const (
	traceIDKey contextKey = iota
	initiatorKey
)

// Initiator names what drove a payment operation.
type Initiator string

const (
	InitiatorUnknown Initiator = "unknown"
	InitiatorCLI     Initiator = "cli"
	InitiatorRetry   Initiator = "retry"
	InitiatorJanitor Initiator = "janitor"
)

func WithInitiator(ctx context.Context, initiator Initiator) context.Context {
	return context.WithValue(ctx, initiatorKey, initiator)
}

func InitiatorFrom(ctx context.Context) Initiator {
	if initiator, ok := ctx.Value(initiatorKey).(Initiator); ok {
		return initiator
	}
	return InitiatorUnknown
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFrom(ctx context.Context) string {
	traceID, _ := ctx.Value(traceIDKey).(string)
	return traceID
}

// GatewayContext derives the context of one gateway call.
func GatewayContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	return context.WithTimeout(ctx, timeout)
}
