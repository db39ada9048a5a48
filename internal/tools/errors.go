package tools

import (
	"errors"
	"fmt"
)

// Sentinel errors for tool operations, checked with errors.Is().
var (
	// ErrUnknownTool indicates the requested tool is not in the registry.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments indicates the arguments failed schema validation.
	// Validation happens before any network call; an invocation that fails
	// this way made zero attempts.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrToolCollision indicates two services published a tool with the
	// same name. The refresh that detects a collision is rejected wholesale.
	ErrToolCollision = errors.New("duplicate tool name")
)

// DiscoveryError reports a failed discovery attempt against one service.
type DiscoveryError struct {
	Service  string
	Endpoint string
	Err      error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovering tools from %s (%s): %v", e.Service, e.Endpoint, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// ExecutionError reports a tool invocation that failed after all attempts.
// Attempts counts actual calls made, so a validation failure carries zero.
type ExecutionError struct {
	Tool     string
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed after %d attempt(s): %v", e.Tool, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
