package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	googleschema "github.com/google/jsonschema-go/jsonschema"

	"github.com/ecomassist/chat/internal/log"
	"github.com/ecomassist/chat/internal/tools"
)

// GenkitClient implements ModelClient on top of Genkit.
//
// Discovered tools are registered with Genkit as declarations only: the loop
// runs with ReturnToolRequests so Genkit hands tool requests back instead of
// executing them, and dispatch stays in the Agent where budgets, retry, and
// event emission live.
type GenkitClient struct {
	g         *genkit.Genkit
	modelName string
	logger    log.Logger

	mu sync.Mutex // guards tool definition against concurrent requests
}

// NewGenkitClient creates a model client for the provider-qualified model
// name (e.g. "googleai/gemini-2.5-flash").
func NewGenkitClient(g *genkit.Genkit, modelName string, logger log.Logger) *GenkitClient {
	return &GenkitClient{g: g, modelName: modelName, logger: logger}
}

// Generate performs one generation step.
func (c *GenkitClient) Generate(ctx context.Context, req *ModelRequest, stream StreamFunc) (*ModelResult, error) {
	refs := make([]ai.ToolRef, 0, len(req.Tools))
	for _, def := range req.Tools {
		tool, err := c.ensureTool(def)
		if err != nil {
			return nil, fmt.Errorf("declaring tool %s: %w", def.Name, err)
		}
		refs = append(refs, tool)
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(c.modelName),
		ai.WithMessages(req.Messages...),
		ai.WithTools(refs...),
		ai.WithReturnToolRequests(true),
	}
	if stream != nil {
		opts = append(opts, ai.WithStreaming(func(cbCtx context.Context, chunk *ai.ModelResponseChunk) error {
			text := chunk.Text()
			if text == "" {
				return nil
			}
			return stream(cbCtx, text)
		}))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	result := &ModelResult{Text: resp.Text()}
	for _, tr := range resp.ToolRequests() {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			Ref:  tr.Ref,
			Name: tr.Name,
			Args: toArgsMap(tr.Input),
		})
	}
	return result, nil
}

// ensureTool registers the tool declaration with Genkit if it is not already
// known. The handler never runs under ReturnToolRequests; it exists only to
// satisfy the definition API.
//
// Genkit definitions are append-only, so a tool whose schema changes between
// discovery refreshes keeps its first declaration until restart. The invoker
// validates against the current schema regardless.
func (c *GenkitClient) ensureTool(def tools.Definition) (ai.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tool := genkit.LookupTool(c.g, def.Name); tool != nil {
		return tool, nil
	}

	schema, err := toSchemaMap(def.Schema)
	if err != nil {
		return nil, err
	}

	name := def.Name
	tool := genkit.DefineToolWithInputSchema(c.g, name, def.Description, schema,
		func(_ *ai.ToolContext, _ any) (any, error) {
			return nil, fmt.Errorf("tool %s is dispatched by the agent loop, not by genkit", name)
		})

	c.logger.Debug("declared tool", "tool", name, "service", def.Service)
	return tool, nil
}

// toSchemaMap converts the discovery schema into the raw JSON Schema map
// Genkit's definition API expects. A JSON round trip is the lossless
// conversion.
func toSchemaMap(schema *googleschema.Schema) (map[string]any, error) {
	if schema == nil {
		return map[string]any{"type": "object"}, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encoding schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	return out, nil
}

// toArgsMap normalizes a tool request input into the argument map the
// invoker expects.
func toArgsMap(input any) map[string]any {
	if input == nil {
		return nil
	}
	if m, ok := input.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
