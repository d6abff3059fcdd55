package hostfuncs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Middleware wraps a ByteHandler to add cross-cutting behavior.
// Middleware executes in FIFO order (first registered wraps first, onion model).
type Middleware func(next ByteHandler) ByteHandler

// PanicRecoveryMiddleware converts a panicking handler into an error so one
// bad capability cannot take the host process down.
func PanicRecoveryMiddleware() Middleware {
	return func(next ByteHandler) ByteHandler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					resp = nil
					err = fmt.Errorf("panic in host function %s: %v", FunctionName(ctx), r)
				}
			}()
			return next(ctx, payload)
		}
	}
}

// LoggingMiddleware logs each invocation with its payload sizes and latency.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next ByteHandler) ByteHandler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			fields := []zap.Field{
				zap.String("function", FunctionName(ctx)),
				zap.Int("request_bytes", len(payload)),
				zap.Duration("elapsed", time.Since(start)),
			}
			if err != nil {
				logger.Warn("host function failed", append(fields, zap.Error(err))...)
				return resp, err
			}
			logger.Debug("host function completed", append(fields, zap.Int("response_bytes", len(resp)))...)
			return resp, nil
		}
	}
}

// PayloadLimitMiddleware rejects request and response payloads above limit.
func PayloadLimitMiddleware(limit int) Middleware {
	return func(next ByteHandler) ByteHandler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if len(payload) > limit {
				return nil, fmt.Errorf("request size %d exceeds maximum %d bytes", len(payload), limit)
			}
			resp, err := next(ctx, payload)
			if err == nil && len(resp) > limit {
				return nil, fmt.Errorf("response size %d exceeds maximum %d bytes", len(resp), limit)
			}
			return resp, err
		}
	}
}
