package tools

import (
	"context"
	"time"
)

// emitterKey uses an empty struct for a zero-allocation context key.
type emitterKey struct{}

// EventEmitter receives tool lifecycle events during an invocation.
// The streaming handler binds one per request; non-streaming paths leave the
// context bare and no events are emitted.
//
// Usage:
//  1. Handler creates an emitter bound to its SSE stream
//  2. Handler stores it in the request context via ContextWithEmitter()
//  3. The invoker retrieves it via EmitterFromContext()
type EventEmitter interface {
	// ToolStarted signals that an invocation began.
	ToolStarted(name string, args map[string]any)

	// ToolCompleted signals a successful invocation. retries counts extra
	// attempts beyond the first (0 means first try succeeded).
	ToolCompleted(name string, duration time.Duration, retries int)

	// ToolFailed signals that all attempts were exhausted or the arguments
	// were rejected.
	ToolFailed(name string, err error)
}

// EmitterFromContext retrieves the EventEmitter from ctx.
// Returns nil if not set, allowing graceful degradation.
func EmitterFromContext(ctx context.Context) EventEmitter {
	emitter, _ := ctx.Value(emitterKey{}).(EventEmitter)
	return emitter
}

// ContextWithEmitter stores the EventEmitter in ctx for the invoker.
func ContextWithEmitter(ctx context.Context, emitter EventEmitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, emitter)
}
