package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type channelIDKey struct{}
type taskNonceKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithChannelID attaches the conversation channel id to the context.
func WithChannelID(ctx context.Context, channelID string) context.Context {
	return context.WithValue(ctx, channelIDKey{}, channelID)
}

// ChannelID extracts the channel id from context. Returns "" if absent.
func ChannelID(ctx context.Context) string {
	if v, ok := ctx.Value(channelIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTaskNonce attaches the scheduler task nonce to the context.
func WithTaskNonce(ctx context.Context, nonce string) context.Context {
	return context.WithValue(ctx, taskNonceKey{}, nonce)
}

// TaskNonce extracts the task nonce from context. Returns "" if absent.
func TaskNonce(ctx context.Context) string {
	if v, ok := ctx.Value(taskNonceKey{}).(string); ok {
		return v
	}
	return ""
}
