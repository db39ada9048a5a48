// Package app assembles the chat service: configuration, logging, tracing,
// the Genkit model client, tool discovery, the session store, and the agent.
// Entry points call Setup once and Close on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"

	"github.com/ecomassist/chat/internal/chat"
	"github.com/ecomassist/chat/internal/config"
	"github.com/ecomassist/chat/internal/log"
	"github.com/ecomassist/chat/internal/observability"
	"github.com/ecomassist/chat/internal/session"
	"github.com/ecomassist/chat/internal/tools"
)

const (
	// initialDiscoveryTimeout bounds the first tool discovery pass at
	// startup. Failures are non-fatal; the rediscovery loop keeps trying.
	initialDiscoveryTimeout = 15 * time.Second

	// sweepInterval is how often the session store reclaims expired
	// sessions. Expiry itself is enforced on access, so this only bounds
	// memory held by abandoned sessions.
	sweepInterval = time.Minute

	// otelShutdownTimeout bounds the trace flush during shutdown.
	otelShutdownTimeout = 5 * time.Second
)

// App is the assembled service.
type App struct {
	Config   *config.Config
	Logger   log.Logger
	Genkit   *genkit.Genkit
	Sessions *session.Store
	Registry *tools.Registry
	Invoker  *tools.Invoker
	Agent    *chat.Agent

	services     []*tools.ServiceClient
	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

// Setup creates and initializes the application. Call Close to release
// everything it started.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}
	if logger == nil {
		logger = log.NewNop()
	}

	a := &App{Config: cfg, Logger: logger}

	// On error, release everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint: cfg.OTLPEndpoint,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	a.otelShutdown = shutdown

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	a.services = provideServiceClients(cfg, logger)
	a.Registry = tools.NewRegistry(serviceList(a.services), logger)

	// Initial discovery. The service starts degraded rather than failing
	// when a collaborating service is down; the rediscovery loop recovers.
	discoverCtx, discoverCancel := context.WithTimeout(ctx, initialDiscoveryTimeout)
	if err := a.Registry.Refresh(discoverCtx); err != nil {
		logger.Warn("initial tool discovery incomplete", "error", err)
	}
	discoverCancel()

	storeOpts := []session.Option{session.WithLogger(logger)}
	if cfg.SessionStorePath != "" {
		storeOpts = append(storeOpts, session.WithSnapshotPath(cfg.SessionStorePath))
	}
	a.Sessions = session.NewStore(cfg.SessionTTL(), storeOpts...)

	invokerCfg := tools.DefaultInvokerConfig()
	invokerCfg.Timeout = cfg.ToolTimeout()
	invokerCfg.MaxRetries = cfg.ToolMaxRetries
	a.Invoker = tools.NewInvoker(a.Registry, invokerCfg, logger)

	model := chat.NewGenkitClient(g, cfg.FullModelName(), logger)
	agent, err := chat.New(chat.Config{
		Model:              model,
		Sessions:           a.Sessions,
		Registry:           a.Registry,
		Invoker:            a.Invoker,
		Logger:             logger,
		MaxTurns:           cfg.MaxTurns,
		MaxToolCalls:       cfg.MaxToolCalls,
		MaxHistoryTurns:    cfg.MaxHistoryTurns,
		MaxConcurrentTools: cfg.MaxConcurrentTools,
		IncludeStrategies:  cfg.IncludeStrategies,
	})
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	a.Agent = agent

	// Background maintenance runs on its own context so it survives request
	// cancellation but stops on Close.
	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.Sessions.StartSweeper(bgCtx, sweepInterval)
	go a.rediscoveryLoop(bgCtx)

	return a, nil
}

// rediscoveryLoop retries tool discovery while any collaborating service is
// unhealthy, so a service that was down at startup contributes its tools as
// soon as it comes back.
func (a *App) rediscoveryLoop(ctx context.Context) {
	interval := a.Config.DiscoveryRetryInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.Registry.Healthy() {
				continue
			}
			refreshCtx, cancel := context.WithTimeout(ctx, interval)
			if err := a.Registry.Refresh(refreshCtx); err != nil {
				a.Logger.Warn("tool rediscovery failed", "error", err)
			}
			cancel()
		}
	}
}

// Close releases all resources: background loops, the session store (with a
// final snapshot flush), MCP connections, and the trace exporter.
func (a *App) Close() error {
	var errs []error

	if a.cancel != nil {
		a.cancel()
	}

	if a.Sessions != nil {
		if err := a.Sessions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing session store: %w", err))
		}
	}

	for _, svc := range a.services {
		if err := svc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s service client: %w", svc.Name(), err))
		}
	}

	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
		if err := a.otelShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down tracer: %w", err))
		}
		cancel()
	}

	return errors.Join(errs...)
}

// provideGenkit initializes Genkit with the configured model provider.
// GoogleAI and OpenAI read their API keys from the environment; Ollama needs
// explicit model registration against its server address.
func provideGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, error) {
	var g *genkit.Genkit

	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)

	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}

	default: // googleai
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with googleai provider")
		}
	}

	logger.Info("initialized genkit", "provider", cfg.Provider, "model", cfg.FullModelName())
	return g, nil
}

// provideServiceClients creates MCP clients for the collaborating services.
func provideServiceClients(cfg *config.Config, logger log.Logger) []*tools.ServiceClient {
	return []*tools.ServiceClient{
		tools.NewServiceClient("order", cfg.OrderServiceURL, logger),
		tools.NewServiceClient("product", cfg.ProductServiceURL, logger),
	}
}

func serviceList(clients []*tools.ServiceClient) []tools.Service {
	services := make([]tools.Service, len(clients))
	for i, c := range clients {
		services[i] = c
	}
	return services
}
