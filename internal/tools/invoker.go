package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ecomassist/chat/internal/log"
	"github.com/ecomassist/chat/internal/observability"
)

// InvokerConfig configures invocation policy.
type InvokerConfig struct {
	Timeout         time.Duration // per-attempt timeout
	MaxRetries      int           // extra attempts after the first
	InitialInterval time.Duration // initial backoff interval
	MaxInterval     time.Duration // maximum backoff interval
}

// DefaultInvokerConfig returns sensible defaults for remote tool calls.
func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{
		Timeout:         30 * time.Second,
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Invocation is the outcome of a completed tool call.
//
// IsError distinguishes tool-level failures (the service executed the tool
// and reported a domain error, e.g. "order not found") from transport
// failures, which surface as *ExecutionError instead. Tool-level failures
// are not retried; the text goes back to the model as the tool result.
type Invocation struct {
	Tool     string
	Result   string
	IsError  bool
	Attempts int
	Duration time.Duration
}

// Retries returns how many extra attempts were needed beyond the first.
func (inv *Invocation) Retries() int {
	if inv.Attempts <= 1 {
		return 0
	}
	return inv.Attempts - 1
}

// Invoker executes tools through the registry with validation, per-attempt
// timeouts, and exponential backoff retry.
//
// Thread Safety: safe for concurrent use.
type Invoker struct {
	registry *Registry
	cfg      InvokerConfig
	logger   log.Logger
}

// NewInvoker creates an invoker over the registry.
func NewInvoker(registry *Registry, cfg InvokerConfig, logger log.Logger) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultInvokerConfig().Timeout
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInvokerConfig().InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultInvokerConfig().MaxInterval
	}
	return &Invoker{registry: registry, cfg: cfg, logger: logger}
}

// Invoke resolves, validates, and executes the named tool.
//
// Failure modes:
//   - unknown tool: *ExecutionError wrapping ErrUnknownTool, zero attempts
//   - schema violation: *ExecutionError wrapping ErrInvalidArguments, zero
//     attempts, no network call
//   - transport failure: retried with backoff; *ExecutionError carrying the
//     attempt count once exhausted
//   - tool-level error: Invocation with IsError set, never retried
func (inv *Invoker) Invoke(ctx context.Context, name string, args map[string]any) (*Invocation, error) {
	ctx, span := observability.Tracer().Start(ctx, "tools.invoke",
		trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	emitter := EmitterFromContext(ctx)
	start := time.Now()

	// Every invocation opens with a start event, so streams never see a
	// tool_end without its tool_start, even when resolution or validation
	// fails before any network call.
	if emitter != nil {
		emitter.ToolStarted(name, args)
	}

	def, err := inv.registry.Resolve(name)
	if err != nil {
		if emitter != nil {
			emitter.ToolFailed(name, err)
		}
		return nil, &ExecutionError{Tool: name, Attempts: 0, Err: err}
	}

	if err := validateArgs(def, args); err != nil {
		inv.logger.Warn("tool arguments rejected", "tool", name, "error", err)
		if emitter != nil {
			emitter.ToolFailed(name, err)
		}
		return nil, &ExecutionError{Tool: name, Attempts: 0, Err: err}
	}

	caller, err := inv.registry.callerFor(def)
	if err != nil {
		if emitter != nil {
			emitter.ToolFailed(name, err)
		}
		return nil, &ExecutionError{Tool: name, Attempts: 0, Err: err}
	}

	result, attempts, err := inv.callWithRetry(ctx, caller, name, args)
	duration := time.Since(start)

	if err != nil {
		if emitter != nil {
			emitter.ToolFailed(name, err)
		}
		return nil, &ExecutionError{Tool: name, Attempts: attempts, Err: err}
	}

	out := &Invocation{
		Tool:     name,
		Result:   contentText(result),
		IsError:  result.IsError,
		Attempts: attempts,
		Duration: duration,
	}

	if emitter != nil {
		if out.IsError {
			emitter.ToolFailed(name, fmt.Errorf("tool reported error: %s", out.Result))
		} else {
			emitter.ToolCompleted(name, duration, out.Retries())
		}
	}

	inv.logger.Debug("tool invoked",
		"tool", name,
		"service", def.Service,
		"attempts", attempts,
		"duration", duration,
		"tool_error", out.IsError,
	)
	return out, nil
}

// callWithRetry executes the call with per-attempt timeout and exponential
// backoff. Returns the number of attempts actually made.
func (inv *Invoker) callWithRetry(
	ctx context.Context,
	caller Service,
	name string,
	args map[string]any,
) (*mcp.CallToolResult, int, error) {
	var lastErr error
	delay := inv.cfg.InitialInterval

	for attempt := 0; attempt <= inv.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
		result, err := caller.Call(attemptCtx, name, args)
		cancel()

		if err == nil {
			return result, attempt + 1, nil
		}
		lastErr = err

		// The parent context ending means the request is over; retrying
		// would only burn time against a dead client.
		if ctx.Err() != nil {
			return nil, attempt + 1, fmt.Errorf("context canceled during tool call: %w", ctx.Err())
		}

		if attempt == inv.cfg.MaxRetries {
			return nil, attempt + 1, lastErr
		}

		inv.logger.Debug("retrying tool call",
			"tool", name,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, attempt + 1, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, inv.cfg.MaxInterval)
		}
	}

	return nil, inv.cfg.MaxRetries + 1, lastErr
}

// validateArgs checks args against the tool's published input schema.
func validateArgs(def Definition, args map[string]any) error {
	if def.Schema == nil {
		return nil
	}
	resolved, err := def.Schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("%w: schema for %s does not resolve: %v", ErrInvalidArguments, def.Name, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := resolved.Validate(args); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// contentText flattens a tool result's content blocks into a single string.
// Non-text blocks fall back to their JSON encoding.
func contentText(result *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, content := range result.Content {
		switch c := content.(type) {
		case *mcp.TextContent:
			sb.WriteString(c.Text)
		default:
			if data, err := json.Marshal(content); err == nil {
				sb.Write(data)
			}
		}
	}
	return sb.String()
}
