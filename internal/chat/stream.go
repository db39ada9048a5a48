package chat

import (
	"context"
	"sync"
	"time"
)

// EventType discriminates streaming events.
type EventType string

const (
	// EventDelta carries incremental assistant text.
	EventDelta EventType = "delta"
	// EventToolStart announces a tool invocation.
	EventToolStart EventType = "tool_start"
	// EventToolEnd reports a finished tool invocation.
	EventToolEnd EventType = "tool_end"
	// EventError reports a fatal run failure. Always followed by a terminal
	// done event.
	EventError EventType = "error"
	// EventDone ends the stream. Always last and exactly once: with the
	// complete response on success, bare after an error.
	EventDone EventType = "done"
)

// Event is one unit of the streaming protocol, serialized as the SSE data
// payload.
type Event struct {
	Type       EventType      `json:"type"`
	Delta      string         `json:"delta,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Retries    int            `json:"retries,omitempty"`
	Error      string         `json:"error,omitempty"`
	Response   *Response      `json:"response,omitempty"`
}

// Emitter carries events from a running agent turn to the streaming handler.
//
// Events flow through a bounded channel: a slow consumer applies
// backpressure to the run rather than growing an unbounded queue. The
// channel closes exactly once, after EventDone or EventError, regardless of
// how many goroutines report completion.
//
// Emitter also satisfies tools.EventEmitter so the invoker can report tool
// lifecycle events through the same stream.
type Emitter struct {
	ctx  context.Context //nolint:containedctx // bound to one request's lifetime
	ch   chan Event
	once sync.Once
}

// NewEmitter creates an emitter for one streaming request. Sends unblock
// when ctx ends, so an abandoned connection cannot wedge the run.
func NewEmitter(ctx context.Context, buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 16
	}
	return &Emitter{ctx: ctx, ch: make(chan Event, buffer)}
}

// Events returns the consumer side. The channel closes after the final
// event.
func (e *Emitter) Events() <-chan Event { return e.ch }

// send delivers ev unless the request context has ended.
func (e *Emitter) send(ev Event) {
	select {
	case e.ch <- ev:
	case <-e.ctx.Done():
	}
}

// Delta emits incremental assistant text.
func (e *Emitter) Delta(text string) {
	e.send(Event{Type: EventDelta, Delta: text})
}

// ToolStarted implements tools.EventEmitter.
func (e *Emitter) ToolStarted(name string, args map[string]any) {
	e.send(Event{Type: EventToolStart, Tool: name, Args: args})
}

// ToolCompleted implements tools.EventEmitter.
func (e *Emitter) ToolCompleted(name string, duration time.Duration, retries int) {
	e.send(Event{Type: EventToolEnd, Tool: name, DurationMS: duration.Milliseconds(), Retries: retries})
}

// ToolFailed implements tools.EventEmitter.
func (e *Emitter) ToolFailed(name string, err error) {
	e.send(Event{Type: EventToolEnd, Tool: name, Error: err.Error()})
}

// Done emits the final response and closes the stream. Safe to call more
// than once; only the first call has effect.
func (e *Emitter) Done(resp *Response) {
	e.once.Do(func() {
		e.send(Event{Type: EventDone, Response: resp})
		close(e.ch)
	})
}

// Fail emits a fatal error followed by the terminal done event, then closes
// the stream. Safe to call more than once; only the first of Done/Fail has
// effect.
func (e *Emitter) Fail(err error) {
	e.once.Do(func() {
		e.send(Event{Type: EventError, Error: err.Error()})
		e.send(Event{Type: EventDone})
		close(e.ch)
	})
}
