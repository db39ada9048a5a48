// Package chat implements the conversational agent: the bounded loop that
// alternates model generation with tool dispatch until the model produces a
// final answer or a budget runs out.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ecomassist/chat/internal/log"
	"github.com/ecomassist/chat/internal/observability"
	"github.com/ecomassist/chat/internal/session"
	"github.com/ecomassist/chat/internal/tools"
)

const (
	// fallbackResponseMessage is returned when the model produces an empty
	// final response.
	fallbackResponseMessage = "I apologize, but I couldn't generate a response. Please try rephrasing your question."

	// truncationNotice is appended when the tool-call budget cuts a run
	// short.
	truncationNotice = "\n\n(I had to stop looking things up before finishing. The answer above may be incomplete; please ask again with a narrower question.)"

	// maxTurnsMessage replaces the answer when the turn budget runs out
	// with no final text produced.
	maxTurnsMessage = "I wasn't able to finish working on your request within the allowed number of steps. Please try a more specific question."
)

// ErrExecutionFailed indicates agent execution failed.
var ErrExecutionFailed = errors.New("execution failed")

// Response is the complete result of one agent turn.
type Response struct {
	SessionID  string                   `json:"session_id"`
	Reply      string                   `json:"reply"`
	ToolCalls  []session.ToolCallRecord `json:"tool_calls,omitempty"`
	Turns      int                      `json:"turns"`
	Truncated  bool                     `json:"truncated,omitempty"`
	DurationMS int64                    `json:"duration_ms"`
}

// Config contains all required parameters for the Agent.
type Config struct {
	Model    ModelClient
	Sessions *session.Store
	Registry *tools.Registry
	Invoker  *tools.Invoker
	Logger   log.Logger

	// Budgets. A run ends with a truncation notice when either is hit.
	MaxTurns     int // model generation steps per run
	MaxToolCalls int // tool invocations per run

	// MaxHistoryTurns caps how many prior turns go into the transcript.
	// Older turns stay in the session store but are not sent to the model.
	MaxHistoryTurns int

	// MaxConcurrentTools bounds parallel tool dispatch within one step.
	MaxConcurrentTools int

	// IncludeStrategies adds the search/analysis strategy guide to the
	// system prompt.
	IncludeStrategies bool

	// Resilience (zero values use defaults).
	RetryConfig          RetryConfig
	CircuitBreakerConfig CircuitBreakerConfig
	RateLimiter          *rate.Limiter
}

func (cfg Config) validate() error {
	if cfg.Model == nil {
		return errors.New("model client is required")
	}
	if cfg.Sessions == nil {
		return errors.New("session store is required")
	}
	if cfg.Registry == nil {
		return errors.New("tool registry is required")
	}
	if cfg.Invoker == nil {
		return errors.New("tool invoker is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Agent runs conversations. It is stateless between requests; per-session
// state lives in the session store.
//
// All configuration is captured immutably at construction, so one Agent
// serves concurrent requests.
type Agent struct {
	model    ModelClient
	sessions *session.Store
	registry *tools.Registry
	invoker  *tools.Invoker
	logger   log.Logger

	maxTurns          int
	maxToolCalls      int
	maxHistoryTurns   int
	maxParallel       int
	includeStrategies bool

	retryConfig    RetryConfig
	circuitBreaker *CircuitBreaker
	rateLimiter    *rate.Limiter
}

// New creates an Agent.
func New(cfg Config) (*Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 10
	}
	maxToolCalls := cfg.MaxToolCalls
	if maxToolCalls <= 0 {
		maxToolCalls = 20
	}
	maxParallel := cfg.MaxConcurrentTools
	if maxParallel <= 0 {
		maxParallel = 5
	}
	maxHistoryTurns := cfg.MaxHistoryTurns
	if maxHistoryTurns <= 0 {
		maxHistoryTurns = 20
	}

	retryConfig := cfg.RetryConfig
	if retryConfig.MaxRetries == 0 {
		retryConfig = DefaultRetryConfig()
	}

	rl := cfg.RateLimiter
	if rl == nil {
		// 10 requests/sec sustained, burst of 30.
		rl = rate.NewLimiter(10, 30)
	}

	a := &Agent{
		model:             cfg.Model,
		sessions:          cfg.Sessions,
		registry:          cfg.Registry,
		invoker:           cfg.Invoker,
		logger:            cfg.Logger,
		maxTurns:          maxTurns,
		maxToolCalls:      maxToolCalls,
		maxHistoryTurns:   maxHistoryTurns,
		maxParallel:       maxParallel,
		includeStrategies: cfg.IncludeStrategies,
		retryConfig:       retryConfig,
		circuitBreaker:    NewCircuitBreaker(cfg.CircuitBreakerConfig),
		rateLimiter:       rl,
	}

	a.logger.Info("chat agent initialized",
		"max_turns", a.maxTurns,
		"max_tool_calls", a.maxToolCalls,
		"max_concurrent_tools", a.maxParallel,
	)
	return a, nil
}

// Execute runs one conversation turn without streaming.
func (a *Agent) Execute(ctx context.Context, sessionID, input string) (*Response, error) {
	return a.run(ctx, sessionID, input, nil)
}

// ExecuteStream runs one conversation turn, sending text deltas and tool
// events through the emitter as they happen. The caller owns stream
// completion: call emitter.Done with the returned response, or emitter.Fail
// with the error.
func (a *Agent) ExecuteStream(ctx context.Context, sessionID, input string, emitter *Emitter) (*Response, error) {
	return a.run(ctx, sessionID, input, emitter)
}

func (a *Agent) run(ctx context.Context, sessionID, input string, emitter *Emitter) (*Response, error) {
	start := time.Now()

	sess, created := a.sessions.CreateOrGet(sessionID)
	if sess == nil {
		return nil, fmt.Errorf("%w: session store is closed", ErrExecutionFailed)
	}

	ctx, span := observability.Tracer().Start(ctx, "chat.run",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.Bool("session.new", created),
			attribute.Bool("streaming", emitter != nil),
		))
	defer span.End()

	// One turn at a time per session: concurrent requests for the same
	// session queue up instead of interleaving history writes.
	if err := a.sessions.Acquire(ctx, sess.ID); err != nil {
		return nil, fmt.Errorf("waiting for session turn: %w", err)
	}
	defer a.sessions.Release(sess.ID)

	// The snapshot from CreateOrGet predates the lock. A request that queued
	// behind another turn must build its transcript from the history that
	// turn appended.
	if fresh, err := a.sessions.Get(sess.ID); err == nil {
		sess = fresh
	}

	a.logger.Debug("executing agent turn",
		"session_id", sess.ID,
		"new_session", created,
		"streaming", emitter != nil,
	)

	var streamFn StreamFunc
	if emitter != nil {
		ctx = tools.ContextWithEmitter(ctx, emitter)
		streamFn = func(cbCtx context.Context, text string) error {
			emitter.Delta(text)
			return cbCtx.Err()
		}
	}

	defs := a.registry.All()
	messages := a.buildMessages(sess, input, defs)

	var records []session.ToolCallRecord
	var finalText string
	turns := 0
	truncated := false

loop:
	for turn := 0; turn < a.maxTurns; turn++ {
		turns++

		result, err := a.generateWithRetry(ctx, &ModelRequest{Messages: messages, Tools: defs}, streamFn)
		if err != nil {
			return nil, err
		}

		if len(result.ToolCalls) == 0 {
			finalText = result.Text
			break loop
		}

		if len(records)+len(result.ToolCalls) > a.maxToolCalls {
			a.logger.Warn("tool call budget exhausted",
				"session_id", sess.ID,
				"used", len(records),
				"requested", len(result.ToolCalls),
				"budget", a.maxToolCalls,
			)
			truncated = true
			finalText = strings.TrimSpace(result.Text)
			break loop
		}

		messages = append(messages, toolRequestMessage(result))

		outcomes, err := a.dispatch(ctx, result.ToolCalls)
		if err != nil {
			return nil, err
		}
		for _, o := range outcomes {
			records = append(records, o.record)
		}
		messages = append(messages, toolResponseMessage(outcomes))
	}

	if finalText == "" && turns == a.maxTurns && !truncated {
		// The model was still requesting tools when the turn budget ran
		// out.
		truncated = true
	}
	if truncated {
		if finalText == "" {
			finalText = maxTurnsMessage
		} else {
			finalText += truncationNotice
		}
	}
	if strings.TrimSpace(finalText) == "" {
		a.logger.Warn("model returned empty final response", "session_id", sess.ID)
		finalText = fallbackResponseMessage
	}

	if err := a.sessions.AppendTurn(sess.ID, session.Turn{
		UserMessage:      input,
		AssistantMessage: finalText,
		ToolCalls:        records,
	}); err != nil {
		// Best effort: the reply is already produced, losing one history
		// entry must not fail the request.
		a.logger.Warn("appending turn to session", "session_id", sess.ID, "error", err)
	}

	resp := &Response{
		SessionID:  sess.ID,
		Reply:      finalText,
		ToolCalls:  records,
		Turns:      turns,
		Truncated:  truncated,
		DurationMS: time.Since(start).Milliseconds(),
	}

	a.logger.Info("agent turn completed",
		"session_id", sess.ID,
		"turns", turns,
		"tool_calls", len(records),
		"truncated", truncated,
		"duration_ms", resp.DurationMS,
	)
	return resp, nil
}

// buildMessages assembles the transcript: system prompt, prior turns, then
// the current user input.
func (a *Agent) buildMessages(sess *session.Session, input string, defs []tools.Definition) []*ai.Message {
	turns := sess.Turns
	if len(turns) > a.maxHistoryTurns {
		turns = turns[len(turns)-a.maxHistoryTurns:]
	}

	messages := make([]*ai.Message, 0, 2*len(turns)+2)
	messages = append(messages, ai.NewMessage(ai.RoleSystem, nil,
		ai.NewTextPart(renderSystemPrompt(defs, a.includeStrategies, time.Now()))))

	for _, turn := range turns {
		messages = append(messages,
			ai.NewUserMessage(ai.NewTextPart(turn.UserMessage)),
			ai.NewModelMessage(ai.NewTextPart(turn.AssistantMessage)),
		)
	}

	return append(messages, ai.NewUserMessage(ai.NewTextPart(input)))
}

// toolOutcome pairs a model tool call with its invocation result.
type toolOutcome struct {
	call   ToolCall
	record session.ToolCallRecord
	output any
}

// dispatch runs the step's tool calls concurrently, bounded by maxParallel.
// Individual failures become error payloads fed back to the model; only
// context cancellation aborts the run.
func (a *Agent) dispatch(ctx context.Context, calls []ToolCall) ([]toolOutcome, error) {
	outcomes := make([]toolOutcome, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.maxParallel)

	for i, call := range calls {
		g.Go(func() error {
			outcomes[i] = a.invokeOne(gctx, call)
			return gctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("tool dispatch canceled: %w", err)
	}
	return outcomes, nil
}

// invokeOne executes a single tool call and converts the result into a
// history record plus the payload the model sees.
func (a *Agent) invokeOne(ctx context.Context, call ToolCall) toolOutcome {
	startedAt := time.Now()
	record := session.ToolCallRecord{
		Tool:      call.Name,
		Args:      call.Args,
		StartedAt: startedAt,
	}

	inv, err := a.invoker.Invoke(ctx, call.Name, call.Args)
	record.Duration = time.Since(startedAt)

	var output any
	switch {
	case err != nil:
		var execErr *tools.ExecutionError
		if errors.As(err, &execErr) {
			record.Retries = max(execErr.Attempts-1, 0)
		}
		record.Error = err.Error()
		output = map[string]any{"error": err.Error()}
	case inv.IsError:
		record.Result = inv.Result
		record.Error = inv.Result
		record.Retries = inv.Retries()
		output = map[string]any{"error": inv.Result}
	default:
		record.Result = inv.Result
		record.Retries = inv.Retries()
		output = inv.Result
	}

	return toolOutcome{call: call, record: record, output: output}
}

// toolRequestMessage rebuilds the model message that carried the tool
// requests, so the transcript the model sees next turn is faithful.
func toolRequestMessage(result *ModelResult) *ai.Message {
	parts := make([]*ai.Part, 0, len(result.ToolCalls)+1)
	if result.Text != "" {
		parts = append(parts, ai.NewTextPart(result.Text))
	}
	for _, call := range result.ToolCalls {
		parts = append(parts, ai.NewToolRequestPart(&ai.ToolRequest{
			Name:  call.Name,
			Ref:   call.Ref,
			Input: call.Args,
		}))
	}
	return ai.NewModelMessage(parts...)
}

// toolResponseMessage packages tool outcomes as the tool-role message the
// model consumes.
func toolResponseMessage(outcomes []toolOutcome) *ai.Message {
	parts := make([]*ai.Part, 0, len(outcomes))
	for _, o := range outcomes {
		parts = append(parts, ai.NewToolResponsePart(&ai.ToolResponse{
			Name:   o.call.Name,
			Ref:    o.call.Ref,
			Output: o.output,
		}))
	}
	return ai.NewMessage(ai.RoleTool, nil, parts...)
}
