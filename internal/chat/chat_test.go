package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecomassist/chat/internal/log"
	"github.com/ecomassist/chat/internal/session"
	"github.com/ecomassist/chat/internal/tools"
)

// fakeModel replays a scripted sequence of generation steps.
type fakeModel struct {
	mu    sync.Mutex
	steps []func(req *ModelRequest) (*ModelResult, error)
	calls int

	streamText map[int][]string // step index -> deltas to stream first
}

func (m *fakeModel) Generate(ctx context.Context, req *ModelRequest, stream StreamFunc) (*ModelResult, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.mu.Unlock()

	if idx >= len(m.steps) {
		return nil, fmt.Errorf("unexpected model call %d", idx)
	}
	if stream != nil {
		for _, text := range m.streamText[idx] {
			if err := stream(ctx, text); err != nil {
				return nil, err
			}
		}
	}
	return m.steps[idx](req)
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// fakeToolService implements tools.Service with a map of handlers.
type fakeToolService struct {
	name     string
	defs     []tools.Definition
	handlers map[string]func(args map[string]any) (*mcp.CallToolResult, error)
}

func (f *fakeToolService) Name() string     { return f.name }
func (f *fakeToolService) Endpoint() string { return "http://" + f.name + "/mcp" }

func (f *fakeToolService) Discover(ctx context.Context) ([]tools.Definition, error) {
	return f.defs, nil
}

func (f *fakeToolService) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	h, ok := f.handlers[name]
	if !ok {
		return nil, fmt.Errorf("no handler for %s", name)
	}
	return h(args)
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func orderService() *fakeToolService {
	return &fakeToolService{
		name: "order",
		defs: []tools.Definition{
			{Name: "get_order_status", Description: "Look up an order's status", Service: "order"},
		},
		handlers: map[string]func(map[string]any) (*mcp.CallToolResult, error){
			"get_order_status": func(args map[string]any) (*mcp.CallToolResult, error) {
				return textToolResult(`{"order_id":"A-100","status":"shipped"}`), nil
			},
		},
	}
}

type testEnv struct {
	agent    *Agent
	sessions *session.Store
	model    *fakeModel
	service  *fakeToolService
}

func newTestEnv(t *testing.T, model *fakeModel, svc *fakeToolService, mutate func(*Config)) *testEnv {
	t.Helper()

	reg := tools.NewRegistry([]tools.Service{svc}, log.NewNop())
	require.NoError(t, reg.Refresh(context.Background()))

	invoker := tools.NewInvoker(reg, tools.InvokerConfig{
		Timeout:         time.Second,
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}, log.NewNop())

	store := session.NewStore(time.Hour)

	cfg := Config{
		Model:        model,
		Sessions:     store,
		Registry:     reg,
		Invoker:      invoker,
		Logger:       log.NewNop(),
		MaxTurns:     5,
		MaxToolCalls: 10,
		RetryConfig: RetryConfig{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	agent, err := New(cfg)
	require.NoError(t, err)
	return &testEnv{agent: agent, sessions: store, model: model, service: svc}
}

func finalStep(text string) func(*ModelRequest) (*ModelResult, error) {
	return func(*ModelRequest) (*ModelResult, error) {
		return &ModelResult{Text: text}, nil
	}
}

func toolStep(calls ...ToolCall) func(*ModelRequest) (*ModelResult, error) {
	return func(*ModelRequest) (*ModelResult, error) {
		return &ModelResult{ToolCalls: calls}, nil
	}
}

func TestExecute_DirectAnswer(t *testing.T) {
	model := &fakeModel{steps: []func(*ModelRequest) (*ModelResult, error){
		finalStep("Hello! How can I help you shop today?"),
	}}
	env := newTestEnv(t, model, orderService(), nil)

	resp, err := env.agent.Execute(context.Background(), "", "hi")
	require.NoError(t, err)

	assert.Equal(t, "Hello! How can I help you shop today?", resp.Reply)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, 1, resp.Turns)
	assert.Empty(t, resp.ToolCalls)
	assert.False(t, resp.Truncated)

	turns, err := env.sessions.History(resp.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "hi", turns[0].UserMessage)
}

func TestExecute_ToolLoop(t *testing.T) {
	model := &fakeModel{steps: []func(*ModelRequest) (*ModelResult, error){
		toolStep(ToolCall{Ref: "c1", Name: "get_order_status", Args: map[string]any{"order_id": "A-100"}}),
		func(req *ModelRequest) (*ModelResult, error) {
			// The transcript must contain the tool response before the
			// final step.
			last := req.Messages[len(req.Messages)-1]
			if last.Content[0].ToolResponse == nil {
				return nil, fmt.Errorf("expected tool response message, got %+v", last)
			}
			return &ModelResult{Text: "Your order A-100 has shipped."}, nil
		},
	}}
	env := newTestEnv(t, model, orderService(), nil)

	resp, err := env.agent.Execute(context.Background(), "sess-1", "where is order A-100?")
	require.NoError(t, err)

	assert.Equal(t, "Your order A-100 has shipped.", resp.Reply)
	assert.Equal(t, 2, resp.Turns)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "get_order_status", resp.ToolCalls[0].Tool)
	assert.Contains(t, resp.ToolCalls[0].Result, "shipped")
	assert.Empty(t, resp.ToolCalls[0].Error)

	turns, err := env.sessions.History(resp.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Len(t, turns[0].ToolCalls, 1)
}

func TestExecute_UnknownToolFedBackToModel(t *testing.T) {
	model := &fakeModel{steps: []func(*ModelRequest) (*ModelResult, error){
		toolStep(ToolCall{Ref: "c1", Name: "no_such_tool"}),
		func(req *ModelRequest) (*ModelResult, error) {
			last := req.Messages[len(req.Messages)-1]
			tr := last.Content[0].ToolResponse
			if tr == nil {
				return nil, fmt.Errorf("expected tool response message")
			}
			payload, ok := tr.Output.(map[string]any)
			if !ok || payload["error"] == nil {
				return nil, fmt.Errorf("expected error payload, got %v", tr.Output)
			}
			return &ModelResult{Text: "I can't look that up right now."}, nil
		},
	}}
	env := newTestEnv(t, model, orderService(), nil)

	resp, err := env.agent.Execute(context.Background(), "", "do something odd")
	require.NoError(t, err)

	assert.Equal(t, "I can't look that up right now.", resp.Reply)
	require.Len(t, resp.ToolCalls, 1)
	assert.Contains(t, resp.ToolCalls[0].Error, "unknown tool")
}

func TestExecute_HistoryTruncatedToMaxTurns(t *testing.T) {
	model := &fakeModel{steps: []func(*ModelRequest) (*ModelResult, error){
		func(req *ModelRequest) (*ModelResult, error) {
			// system + 2 messages per kept turn + current user input.
			if got, want := len(req.Messages), 1+2*2+1; got != want {
				return nil, fmt.Errorf("got %d messages, want %d", got, want)
			}
			for _, msg := range req.Messages {
				for _, part := range msg.Content {
					if strings.Contains(part.Text, "old question 0") {
						return nil, fmt.Errorf("transcript includes a turn beyond the history cap")
					}
				}
			}
			return &ModelResult{Text: "still here"}, nil
		},
	}}
	env := newTestEnv(t, model, orderService(), func(cfg *Config) {
		cfg.MaxHistoryTurns = 2
	})

	sess, _ := env.sessions.CreateOrGet("long")
	for i := range 4 {
		require.NoError(t, env.sessions.AppendTurn(sess.ID, session.Turn{
			UserMessage:      fmt.Sprintf("old question %d", i),
			AssistantMessage: fmt.Sprintf("old answer %d", i),
		}))
	}

	resp, err := env.agent.Execute(context.Background(), "long", "latest question")
	require.NoError(t, err)
	assert.Equal(t, "still here", resp.Reply)

	// The store still holds the full history; only the transcript is capped.
	turns, err := env.sessions.History("long", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 5)
}

func TestExecute_ToolCallBudgetTruncates(t *testing.T) {
	model := &fakeModel{steps: []func(*ModelRequest) (*ModelResult, error){
		toolStep(
			ToolCall{Ref: "c1", Name: "get_order_status", Args: map[string]any{"order_id": "A-1"}},
			ToolCall{Ref: "c2", Name: "get_order_status", Args: map[string]any{"order_id": "A-2"}},
		),
	}}
	env := newTestEnv(t, model, orderService(), func(cfg *Config) {
		cfg.MaxToolCalls = 1
	})

	resp, err := env.agent.Execute(context.Background(), "", "check two orders")
	require.NoError(t, err)

	assert.True(t, resp.Truncated)
	assert.Equal(t, maxTurnsMessage, resp.Reply)
	assert.Empty(t, resp.ToolCalls, "no calls should be dispatched once the budget would be exceeded")
	assert.Equal(t, 1, env.model.callCount())
}

func TestExecute_MaxTurnsTruncates(t *testing.T) {
	// The model keeps asking for tools on every step.
	var steps []func(*ModelRequest) (*ModelResult, error)
	for range 3 {
		steps = append(steps, toolStep(ToolCall{Ref: "c", Name: "get_order_status", Args: map[string]any{"order_id": "A-1"}}))
	}
	model := &fakeModel{steps: steps}
	env := newTestEnv(t, model, orderService(), func(cfg *Config) {
		cfg.MaxTurns = 3
	})

	resp, err := env.agent.Execute(context.Background(), "", "loop forever")
	require.NoError(t, err)

	assert.True(t, resp.Truncated)
	assert.Equal(t, 3, resp.Turns)
	assert.Equal(t, maxTurnsMessage, resp.Reply)
	assert.Len(t, resp.ToolCalls, 3)
}

func TestExecute_EmptyResponseFallback(t *testing.T) {
	model := &fakeModel{steps: []func(*ModelRequest) (*ModelResult, error){
		finalStep("   "),
	}}
	env := newTestEnv(t, model, orderService(), nil)

	resp, err := env.agent.Execute(context.Background(), "", "hi")
	require.NoError(t, err)
	assert.Equal(t, fallbackResponseMessage, resp.Reply)
}

func TestExecute_HistoryCarriedIntoTranscript(t *testing.T) {
	model := &fakeModel{steps: []func(*ModelRequest) (*ModelResult, error){
		finalStep("first answer"),
		func(req *ModelRequest) (*ModelResult, error) {
			var sawFirst bool
			for _, msg := range req.Messages {
				for _, part := range msg.Content {
					if strings.Contains(part.Text, "first answer") {
						sawFirst = true
					}
				}
			}
			if !sawFirst {
				return nil, fmt.Errorf("prior turn missing from transcript")
			}
			return &ModelResult{Text: "second answer"}, nil
		},
	}}
	env := newTestEnv(t, model, orderService(), nil)

	first, err := env.agent.Execute(context.Background(), "", "question one")
	require.NoError(t, err)

	second, err := env.agent.Execute(context.Background(), first.SessionID, "question two")
	require.NoError(t, err)
	assert.Equal(t, "second answer", second.Reply)
	assert.Equal(t, first.SessionID, second.SessionID)

	turns, err := env.sessions.History(first.SessionID, 0)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestExecute_ConcurrentSameSessionSerialized(t *testing.T) {
	var inFlight, maxInFlight int
	var mu sync.Mutex

	slowStep := func(*ModelRequest) (*ModelResult, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return &ModelResult{Text: "done"}, nil
	}

	model := &fakeModel{steps: []func(*ModelRequest) (*ModelResult, error){slowStep, slowStep, slowStep}}
	env := newTestEnv(t, model, orderService(), nil)
	env.sessions.CreateOrGet("shared")

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.agent.Execute(context.Background(), "shared", "hello")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "same-session turns must not overlap")

	turns, err := env.sessions.History("shared", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 3)
}

func TestExecute_QueuedRequestSeesPriorTurn(t *testing.T) {
	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})

	model := &fakeModel{steps: []func(*ModelRequest) (*ModelResult, error){
		func(*ModelRequest) (*ModelResult, error) {
			close(firstStarted)
			<-releaseFirst
			return &ModelResult{Text: "answer one"}, nil
		},
		func(req *ModelRequest) (*ModelResult, error) {
			var sawPrior bool
			for _, msg := range req.Messages {
				for _, part := range msg.Content {
					if strings.Contains(part.Text, "answer one") {
						sawPrior = true
					}
				}
			}
			if !sawPrior {
				return nil, fmt.Errorf("queued turn is missing the previous turn's history")
			}
			return &ModelResult{Text: "answer two"}, nil
		},
	}}
	env := newTestEnv(t, model, orderService(), nil)
	env.sessions.CreateOrGet("shared")

	firstDone := make(chan error, 1)
	go func() {
		_, err := env.agent.Execute(context.Background(), "shared", "question one")
		firstDone <- err
	}()
	<-firstStarted

	// The second request snapshots the session and queues on the turn lock
	// while the first is still mid-generation.
	secondDone := make(chan error, 1)
	var second *Response
	go func() {
		resp, err := env.agent.Execute(context.Background(), "shared", "question two")
		second = resp
		secondDone <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(releaseFirst)

	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)
	assert.Equal(t, "answer two", second.Reply)
}

func TestExecuteStream_EventOrdering(t *testing.T) {
	model := &fakeModel{
		steps: []func(*ModelRequest) (*ModelResult, error){
			toolStep(ToolCall{Ref: "c1", Name: "get_order_status", Args: map[string]any{"order_id": "A-100"}}),
			finalStep("Your order has shipped."),
		},
		streamText: map[int][]string{
			1: {"Your order ", "has shipped."},
		},
	}
	env := newTestEnv(t, model, orderService(), nil)

	ctx := context.Background()
	emitter := NewEmitter(ctx, 16)

	var events []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range emitter.Events() {
			events = append(events, ev)
		}
	}()

	resp, err := env.agent.ExecuteStream(ctx, "", "where is my order?", emitter)
	require.NoError(t, err)
	emitter.Done(resp)
	<-done

	var kinds []EventType
	for _, ev := range events {
		kinds = append(kinds, ev.Type)
	}
	assert.Equal(t, []EventType{EventToolStart, EventToolEnd, EventDelta, EventDelta, EventDone}, kinds)

	last := events[len(events)-1]
	require.NotNil(t, last.Response)
	assert.Equal(t, "Your order has shipped.", last.Response.Reply)
	assert.Len(t, last.Response.ToolCalls, 1)
}

func TestExecute_ModelFailureSurfaced(t *testing.T) {
	model := &fakeModel{steps: []func(*ModelRequest) (*ModelResult, error){
		func(*ModelRequest) (*ModelResult, error) {
			return nil, fmt.Errorf("invalid api key")
		},
	}}
	env := newTestEnv(t, model, orderService(), nil)

	_, err := env.agent.Execute(context.Background(), "", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")

	// A failed run records nothing.
	assert.Equal(t, 1, env.sessions.ActiveCount())
}
