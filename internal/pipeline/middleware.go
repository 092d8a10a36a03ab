package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/offsync/internal/types"
)

// Handler processes one operation and reports its caller-visible outcome.
type Handler func(ctx context.Context, op types.Operation) (types.Result, error)

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// Chain applies middleware around h. The first middleware is the outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// LoggingMiddleware logs every processed operation with its outcome.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, op types.Operation) (types.Result, error) {
			start := time.Now()
			res, err := next(ctx, op)
			attrs := []any{
				"operation", op.Name,
				"kind", op.Kind,
				"entity_key", op.EntityKey(),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				logger.Warn("operation failed", append(attrs, "error", err)...)
				return res, err
			}
			logger.Info("operation processed", append(attrs, "status", res.Status)...)
			return res, nil
		}
	}
}

// TimeoutMiddleware bounds the synchronous part of processing. Queued
// operations are not affected once the result has been returned.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(next Handler) Handler {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, op types.Operation) (types.Result, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, op)
		}
	}
}
