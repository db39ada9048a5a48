package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ecomassist/chat/internal/log"
)

// mcpSession is the subset of *mcp.ClientSession the package uses.
// Narrowed for testability.
type mcpSession interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// dialFunc establishes an MCP session. Overridable in tests.
type dialFunc func(ctx context.Context, endpoint string) (mcpSession, error)

func dialStreamable(ctx context.Context, endpoint string) (mcpSession, error) {
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "ecomassist-chat",
		Version: "1.0.0",
	}, nil)
	return client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: endpoint}, nil)
}

// ServiceClient is a connection to one collaborating MCP service. It lazily
// establishes the session and reconnects after failures.
//
// Thread Safety: safe for concurrent use.
type ServiceClient struct {
	name     string
	endpoint string
	logger   log.Logger
	dial     dialFunc

	mu      sync.Mutex
	session mcpSession
}

// NewServiceClient creates a client for the named service. No connection is
// made until the first discovery or invocation.
func NewServiceClient(name, endpoint string, logger log.Logger) *ServiceClient {
	return &ServiceClient{
		name:     name,
		endpoint: endpoint,
		logger:   logger.With("service", name),
		dial:     dialStreamable,
	}
}

// Name returns the service identifier used in registry attribution.
func (c *ServiceClient) Name() string { return c.name }

// Endpoint returns the MCP endpoint URL.
func (c *ServiceClient) Endpoint() string { return c.endpoint }

// connect returns the live session, dialing if necessary.
func (c *ServiceClient) connect(ctx context.Context) (mcpSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return c.session, nil
	}

	session, err := c.dial(ctx, c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.endpoint, err)
	}
	c.logger.Info("mcp session established", "endpoint", c.endpoint)
	c.session = session
	return session, nil
}

// dropSession discards the cached session so the next call redials.
func (c *ServiceClient) dropSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}
}

// Discover lists every tool the service publishes, following pagination
// cursors until exhausted. Failures return a *DiscoveryError.
func (c *ServiceClient) Discover(ctx context.Context) ([]Definition, error) {
	session, err := c.connect(ctx)
	if err != nil {
		return nil, &DiscoveryError{Service: c.name, Endpoint: c.endpoint, Err: err}
	}

	var defs []Definition
	cursor := ""
	for {
		result, err := session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			c.dropSession()
			return nil, &DiscoveryError{Service: c.name, Endpoint: c.endpoint, Err: err}
		}

		for _, tool := range result.Tools {
			schema, err := toolSchema(tool.InputSchema)
			if err != nil {
				return nil, &DiscoveryError{Service: c.name, Endpoint: c.endpoint,
					Err: fmt.Errorf("tool %s: %w", tool.Name, err)}
			}
			defs = append(defs, Definition{
				Name:        tool.Name,
				Description: tool.Description,
				Service:     c.name,
				Schema:      schema,
			})
		}

		if result.NextCursor == "" {
			return defs, nil
		}
		cursor = result.NextCursor
	}
}

// toolSchema normalizes the SDK's untyped input schema into the concrete
// schema type the invoker validates against. Conforming servers already
// produce *jsonschema.Schema; anything else round-trips through JSON.
func toolSchema(input any) (*jsonschema.Schema, error) {
	switch s := input.(type) {
	case nil:
		return nil, nil
	case *jsonschema.Schema:
		return s, nil
	default:
		data, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("encoding input schema: %w", err)
		}
		var out jsonschema.Schema
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decoding input schema: %w", err)
		}
		return &out, nil
	}
}

// Call invokes the named tool on the service with the given arguments.
func (c *ServiceClient) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	session, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		c.dropSession()
		return nil, err
	}
	return result, nil
}

// Close tears down the session if one is open.
func (c *ServiceClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}
