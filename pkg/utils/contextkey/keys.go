package contextkey

import "context"

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID    key = "trace_id"
	RequestID  key = "request_id"
	RunID      key = "run_id"
	ModuleName key = "module"
	Actor      key = "actor"
)

// WithValue attaches a value under one of the shared keys.
func WithValue(ctx context.Context, k key, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

// Value returns the string stored under k, or "" when absent.
func Value(ctx context.Context, k key) string {
	if v, ok := ctx.Value(k).(string); ok {
		return v
	}
	return ""
}
