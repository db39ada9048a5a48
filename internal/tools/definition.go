// Package tools provides MCP tool discovery, the unified tool registry, and
// the retrying tool invoker used by the agent loop.
//
// Tools are not defined in this service. They are discovered at runtime from
// collaborating MCP services (order, product) and invoked remotely; this
// package owns the catalog and the invocation policy (validation, timeout,
// retry), nothing domain-specific.
package tools

import (
	"github.com/google/jsonschema-go/jsonschema"
)

// Definition describes a single discovered tool.
//
// Schema is the tool's input schema exactly as published by the owning
// service; the invoker validates arguments against it before any network
// call, and the model layer converts it for function-calling declarations.
type Definition struct {
	Name        string
	Description string
	Service     string
	Schema      *jsonschema.Schema
}
