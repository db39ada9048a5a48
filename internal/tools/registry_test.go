package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ecomassist/chat/internal/log"
)

// fakeService implements Service for registry and invoker tests.
type fakeService struct {
	name        string
	endpoint    string
	defs        []Definition
	discoverErr error

	callFn    func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	callCount int
}

func (f *fakeService) Name() string     { return f.name }
func (f *fakeService) Endpoint() string { return f.endpoint }

func (f *fakeService) Discover(ctx context.Context) ([]Definition, error) {
	if f.discoverErr != nil {
		return nil, &DiscoveryError{Service: f.name, Endpoint: f.endpoint, Err: f.discoverErr}
	}
	return f.defs, nil
}

func (f *fakeService) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.callCount++
	if f.callFn != nil {
		return f.callFn(ctx, name, args)
	}
	return textResult("ok"), nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func def(name, service string) Definition {
	return Definition{
		Name:        name,
		Description: name + " description",
		Service:     service,
		Schema:      &jsonschema.Schema{Type: "object"},
	}
}

func TestRegistry_RefreshUnion(t *testing.T) {
	orders := &fakeService{name: "order", endpoint: "http://order:8002/mcp",
		defs: []Definition{def("get_order_status", "order"), def("cancel_order", "order")}}
	products := &fakeService{name: "product", endpoint: "http://product:8003/mcp",
		defs: []Definition{def("search_products", "product")}}

	reg := NewRegistry([]Service{orders, products}, log.NewNop())
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if got := reg.Count(); got != 3 {
		t.Errorf("Count = %d, want 3", got)
	}

	d, err := reg.Resolve("search_products")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Service != "product" {
		t.Errorf("Service = %q, want product", d.Service)
	}

	all := reg.All()
	if len(all) != 3 || all[0].Name != "cancel_order" {
		t.Errorf("All() not sorted by name: %v", names(all))
	}
}

func names(defs []Definition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	reg := NewRegistry(nil, log.NewNop())

	_, err := reg.Resolve("nope")
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Resolve = %v, want ErrUnknownTool", err)
	}
}

func TestRegistry_CollisionRejectsRefresh(t *testing.T) {
	a := &fakeService{name: "order", endpoint: "http://a/mcp",
		defs: []Definition{def("lookup", "order")}}
	b := &fakeService{name: "product", endpoint: "http://b/mcp",
		defs: []Definition{def("lookup", "product")}}

	reg := NewRegistry([]Service{a, b}, log.NewNop())
	err := reg.Refresh(context.Background())
	if !errors.Is(err, ErrToolCollision) {
		t.Fatalf("Refresh = %v, want ErrToolCollision", err)
	}

	// The rejected refresh must not have applied anything.
	if got := reg.Count(); got != 0 {
		t.Errorf("Count after rejected refresh = %d, want 0", got)
	}
}

func TestRegistry_FailedServiceKeepsPreviousTools(t *testing.T) {
	orders := &fakeService{name: "order", endpoint: "http://order/mcp",
		defs: []Definition{def("get_order_status", "order")}}
	products := &fakeService{name: "product", endpoint: "http://product/mcp",
		defs: []Definition{def("search_products", "product")}}

	reg := NewRegistry([]Service{orders, products}, log.NewNop())
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}

	products.discoverErr = fmt.Errorf("connection refused")
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}

	// Product tools survive the outage; status reflects it.
	if _, err := reg.Resolve("search_products"); err != nil {
		t.Errorf("Resolve after outage = %v, want nil", err)
	}
	status := reg.Status()["product"]
	if status.Healthy {
		t.Error("product status should be unhealthy")
	}
	if status.ToolCount != 1 {
		t.Errorf("product ToolCount = %d, want 1", status.ToolCount)
	}
	if reg.Healthy() {
		t.Error("Healthy() should be false with one service down")
	}
}

func TestRegistry_StatusBeforeRefresh(t *testing.T) {
	orders := &fakeService{name: "order", endpoint: "http://order/mcp"}
	reg := NewRegistry([]Service{orders}, log.NewNop())

	status := reg.Status()["order"]
	if status.Healthy {
		t.Error("service should not report healthy before any discovery")
	}
	if status.Endpoint != "http://order/mcp" {
		t.Errorf("Endpoint = %q", status.Endpoint)
	}
}
