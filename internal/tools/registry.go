package tools

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ecomassist/chat/internal/log"
)

// Service is a source of tools the registry can discover from and route
// invocations to. *ServiceClient is the production implementation.
type Service interface {
	Name() string
	Endpoint() string
	Discover(ctx context.Context) ([]Definition, error)
	Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// ServiceStatus describes one service's discovery health for /health.
type ServiceStatus struct {
	Endpoint    string    `json:"endpoint"`
	Healthy     bool      `json:"healthy"`
	ToolCount   int       `json:"tool_count"`
	Error       string    `json:"error,omitempty"`
	LastRefresh time.Time `json:"last_refresh,omitzero"`
}

// Registry is the unified catalog of tools discovered from all services.
//
// Refresh replaces per-service tool sets as an atomic snapshot swap: readers
// always see either the previous complete catalog or the new one, never a
// mix. A service whose discovery fails keeps its last known tools, so a
// transient outage does not strip the model of capabilities mid-run.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	services []Service
	logger   log.Logger

	mu        sync.RWMutex
	byName    map[string]Definition
	byService map[string][]Definition
	callers   map[string]Service
	statuses  map[string]ServiceStatus
}

// NewRegistry creates a registry over the given services. The catalog is
// empty until the first Refresh.
func NewRegistry(services []Service, logger log.Logger) *Registry {
	r := &Registry{
		services:  services,
		logger:    logger,
		byName:    make(map[string]Definition),
		byService: make(map[string][]Definition),
		callers:   make(map[string]Service),
		statuses:  make(map[string]ServiceStatus),
	}
	for _, svc := range services {
		r.callers[svc.Name()] = svc
		r.statuses[svc.Name()] = ServiceStatus{Endpoint: svc.Endpoint()}
	}
	return r
}

// Refresh re-discovers tools from every service and swaps in the new
// catalog. Per-service failures are recorded in Status and leave that
// service's previous tools in place. A cross-service name collision rejects
// the entire refresh and returns ErrToolCollision.
func (r *Registry) Refresh(ctx context.Context) error {
	type outcome struct {
		service string
		defs    []Definition
		err     error
	}

	outcomes := make([]outcome, 0, len(r.services))
	for _, svc := range r.services {
		defs, err := svc.Discover(ctx)
		outcomes = append(outcomes, outcome{service: svc.Name(), defs: defs, err: err})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	nextByService := make(map[string][]Definition, len(r.services))
	nextStatuses := make(map[string]ServiceStatus, len(r.services))

	for _, o := range outcomes {
		status := ServiceStatus{Endpoint: r.callers[o.service].Endpoint()}
		if o.err != nil {
			prev := r.byService[o.service]
			nextByService[o.service] = prev
			status.Healthy = false
			status.Error = o.err.Error()
			status.ToolCount = len(prev)
			status.LastRefresh = r.statuses[o.service].LastRefresh
			r.logger.Warn("tool discovery failed, keeping previous tools",
				"service", o.service, "previous_tools", len(prev), "error", o.err)
		} else {
			nextByService[o.service] = o.defs
			status.Healthy = true
			status.ToolCount = len(o.defs)
			status.LastRefresh = now
		}
		nextStatuses[o.service] = status
	}

	nextByName := make(map[string]Definition)
	for service, defs := range nextByService {
		for _, def := range defs {
			if existing, ok := nextByName[def.Name]; ok {
				return fmt.Errorf("%w: %q published by both %s and %s",
					ErrToolCollision, def.Name, existing.Service, service)
			}
			nextByName[def.Name] = def
		}
	}

	r.byName = nextByName
	r.byService = nextByService
	r.statuses = nextStatuses

	r.logger.Info("tool registry refreshed", "tools", len(nextByName))
	return nil
}

// Resolve returns the definition for name, or ErrUnknownTool.
func (r *Registry) Resolve(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byName[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return def, nil
}

// callerFor returns the service that owns the definition.
func (r *Registry) callerFor(def Definition) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.callers[def.Service]
	if !ok {
		return nil, fmt.Errorf("%w: no service %q for tool %q", ErrUnknownTool, def.Service, def.Name)
	}
	return svc, nil
}

// All returns every tool in the catalog, sorted by name for stable prompt
// and declaration ordering.
func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.byName))
	for _, def := range r.byName {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Count returns the total number of tools in the catalog.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Status returns per-service discovery health.
func (r *Registry) Status() map[string]ServiceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.statuses)
}

// Healthy reports whether every service completed its last discovery.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, status := range r.statuses {
		if !status.Healthy {
			return false
		}
	}
	return true
}
