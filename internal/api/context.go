package api

import (
	"context"
	"sync"
)

// annotationsKey is the context key for per-request log fields.
type annotationsKey struct{}

// annotations collects fields handlers want on the request log line.
type annotations struct {
	mu     sync.Mutex
	fields []any
}

func (a *annotations) add(key string, value any) {
	a.mu.Lock()
	a.fields = append(a.fields, key, value)
	a.mu.Unlock()
}

func (a *annotations) attrs() []any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]any(nil), a.fields...)
}

func withAnnotations(ctx context.Context, a *annotations) context.Context {
	return context.WithValue(ctx, annotationsKey{}, a)
}

// annotate adds key=value to the request log line written by
// LoggingMiddleware. It is a no-op outside that middleware.
func annotate(ctx context.Context, key string, value any) {
	if a, ok := ctx.Value(annotationsKey{}).(*annotations); ok {
		a.add(key, value)
	}
}
