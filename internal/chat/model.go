package chat

import (
	"context"

	"github.com/firebase/genkit/go/ai"

	"github.com/ecomassist/chat/internal/tools"
)

// ToolCall is a tool invocation requested by the model in one generation
// step. Ref correlates the request with its response message.
type ToolCall struct {
	Ref  string
	Name string
	Args map[string]any
}

// ModelRequest carries everything the model needs for one step of the
// agent loop: the full message transcript so far and the tools it may
// request.
type ModelRequest struct {
	Messages []*ai.Message
	Tools    []tools.Definition
}

// ModelResult is the model's output for one step. A non-empty ToolCalls
// means the loop must dispatch tools and call the model again; an empty one
// means Text is the final answer.
type ModelResult struct {
	Text      string
	ToolCalls []ToolCall
}

// StreamFunc receives incremental text as the model produces it.
// Returning an error aborts the generation.
type StreamFunc func(ctx context.Context, text string) error

// ModelClient performs one generation step. *GenkitClient is the production
// implementation; tests swap in a scripted fake.
type ModelClient interface {
	Generate(ctx context.Context, req *ModelRequest, stream StreamFunc) (*ModelResult, error)
}
