package synccache

import "context"

type bypassContextKey struct{}

// WithBypass marks the context so FetchThrough skips the cache read and
// always loads from the source of truth. The loaded value is still cached,
// which makes it the forced-refresh primitive for sync runs.
func WithBypass(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, bypassContextKey{}, true)
}

func bypassFromContext(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	bypass, ok := ctx.Value(bypassContextKey{}).(bool)
	return ok && bypass
}
