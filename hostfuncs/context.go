package hostfuncs

import "context"

type functionKey struct{}

// WithFunctionName records the host function being invoked.
func WithFunctionName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, functionKey{}, name)
}

// FunctionName returns the host function being invoked, or "unknown".
func FunctionName(ctx context.Context) string {
	if name, ok := ctx.Value(functionKey{}).(string); ok {
		return name
	}
	return "unknown"
}
