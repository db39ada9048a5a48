// Package config provides service configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (config.yaml in the working directory or /etc/ecomassist)
//  3. Default values (sensible defaults for local development)
//
// Main configuration categories:
//   - Agent: model provider/name and the orchestration budgets (turns, tool calls)
//   - Tools: per-call timeout, retries, concurrency bound, discovery endpoints
//   - Session: time-to-live and optional on-disk persistence path
//   - Server: listen port, CORS origins, log level/format
//
// Error handling uses sentinel errors checked with errors.Is(); a config that
// fails Validate() aborts startup (fail-fast, the only fatal error class).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidPort indicates the listen port is out of range.
	ErrInvalidPort = errors.New("invalid port")

	// ErrInvalidModelName indicates the model name is empty or malformed.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidProvider indicates the model provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidServiceURL indicates a collaborating service URL is malformed.
	ErrInvalidServiceURL = errors.New("invalid service URL")

	// ErrInvalidSessionTTL indicates the session time-to-live is out of range.
	ErrInvalidSessionTTL = errors.New("invalid session TTL")

	// ErrInvalidToolTimeout indicates the per-tool-call timeout is out of range.
	ErrInvalidToolTimeout = errors.New("invalid tool timeout")

	// ErrInvalidToolRetries indicates the tool retry count is out of range.
	ErrInvalidToolRetries = errors.New("invalid tool retries")

	// ErrInvalidConcurrency indicates the max-concurrent-tools bound is out of range.
	ErrInvalidConcurrency = errors.New("invalid tool concurrency")

	// ErrInvalidBudget indicates a run budget (max turns / max tool calls) is out of range.
	ErrInvalidBudget = errors.New("invalid run budget")

	// ErrInvalidDiscoveryInterval indicates the discovery retry interval is out of range.
	ErrInvalidDiscoveryInterval = errors.New("invalid discovery retry interval")
)

// Model provider identifiers used in Config.Provider.
const (
	ProviderGoogleAI = "googleai"
	ProviderOpenAI   = "openai"
	ProviderOllama   = "ollama"
)

// Bounds enforced by Validate. Budgets exist to cap the cost of a model that
// loops on tool calls, so the ceilings are deliberately small.
const (
	MaxAllowedTurns     = 100
	MaxAllowedToolCalls = 1000
	MaxAllowedParallel  = 64
)

// Config stores the chat service configuration.
type Config struct {
	// Server settings
	Port      int    `mapstructure:"port" json:"port"`
	LogLevel  string `mapstructure:"log_level" json:"log_level"`
	LogJSON   bool   `mapstructure:"log_json" json:"log_json"`
	DebugMode bool   `mapstructure:"debug" json:"debug"`

	// CORS settings
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
	TrustProxy     bool     `mapstructure:"trust_proxy" json:"trust_proxy"`

	// Session settings
	SessionTTLMinutes int    `mapstructure:"session_ttl_minutes" json:"session_ttl_minutes"`
	SessionStorePath  string `mapstructure:"session_store_path" json:"session_store_path"`

	// Collaborating tool services (MCP discovery + invocation endpoints)
	OrderServiceURL   string `mapstructure:"order_mcp_url" json:"order_mcp_url"`
	ProductServiceURL string `mapstructure:"product_mcp_url" json:"product_mcp_url"`

	// Discovery behavior
	DiscoveryRetrySeconds int `mapstructure:"discovery_retry_seconds" json:"discovery_retry_seconds"`

	// Agent/model settings
	Provider   string `mapstructure:"provider" json:"provider"`
	ModelName  string `mapstructure:"model_name" json:"model_name"`
	OllamaHost string `mapstructure:"ollama_host" json:"ollama_host"`

	// Tool invocation settings
	ToolTimeoutSeconds int `mapstructure:"tool_timeout_seconds" json:"tool_timeout_seconds"`
	ToolMaxRetries     int `mapstructure:"tool_max_retries" json:"tool_max_retries"`
	MaxConcurrentTools int `mapstructure:"max_concurrent_tools" json:"max_concurrent_tools"`

	// Run budgets (per orchestration run, see DESIGN.md for the per-run decision)
	MaxTurns     int `mapstructure:"max_turns" json:"max_turns"`
	MaxToolCalls int `mapstructure:"max_tool_calls" json:"max_tool_calls"`

	// MaxHistoryTurns caps how many prior turns the transcript carries.
	MaxHistoryTurns int `mapstructure:"max_history_turns" json:"max_history_turns"`

	// Prompt settings
	IncludeStrategies bool `mapstructure:"include_strategies" json:"include_strategies"`

	// Observability (OTLP trace export; empty endpoint disables tracing)
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ecomassist")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover everything.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
// The defaults match the docker-compose development topology.
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8001)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	v.SetDefault("allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("trust_proxy", false)

	v.SetDefault("session_ttl_minutes", 60)
	v.SetDefault("session_store_path", "")

	v.SetDefault("order_mcp_url", "http://order-service:8002/mcp")
	v.SetDefault("product_mcp_url", "http://product-service:8003/mcp")
	v.SetDefault("discovery_retry_seconds", 30)

	v.SetDefault("provider", ProviderGoogleAI)
	v.SetDefault("model_name", "gemini-2.5-flash")
	v.SetDefault("ollama_host", "http://localhost:11434")

	v.SetDefault("tool_timeout_seconds", 30)
	v.SetDefault("tool_max_retries", 3)
	v.SetDefault("max_concurrent_tools", 5)

	v.SetDefault("max_turns", 10)
	v.SetDefault("max_tool_calls", 20)
	v.SetDefault("max_history_turns", 20)

	v.SetDefault("include_strategies", false)
	v.SetDefault("otlp_endpoint", "")
}

// bindEnvVariables binds environment variables explicitly.
// The names match the deployment environment of the wider system, so the Go
// service is a drop-in behind the same compose files.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a failure here is a bug.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("port", "PORT")
	mustBind("log_level", "LOG_LEVEL")
	mustBind("debug", "DEBUG")

	mustBind("session_ttl_minutes", "CHAT_SESSION_TTL")
	mustBind("session_store_path", "CHAT_SESSION_STORE_PATH")

	mustBind("order_mcp_url", "ORDER_MCP_URL")
	mustBind("product_mcp_url", "PRODUCT_MCP_URL")

	mustBind("provider", "AGENT_PROVIDER")
	mustBind("model_name", "AGENT_MODEL")
	mustBind("ollama_host", "OLLAMA_HOST")

	mustBind("tool_timeout_seconds", "AGENT_TOOL_TIMEOUTS")
	mustBind("tool_max_retries", "AGENT_TOOL_RETRIES")
	mustBind("max_concurrent_tools", "AGENT_MAX_CONCURRENT_TOOLS")
	mustBind("max_turns", "AGENT_MAX_TURNS")
	mustBind("max_tool_calls", "AGENT_MAX_TOOL_CALLS")
	mustBind("max_history_turns", "AGENT_MAX_HISTORY_TURNS")

	mustBind("allowed_origins", "CHAT_ALLOWED_ORIGINS")
	mustBind("trust_proxy", "CHAT_TRUST_PROXY")
	mustBind("include_strategies", "CHAT_INCLUDE_STRATEGIES")

	mustBind("otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	// NOTE: GEMINI_API_KEY / OPENAI_API_KEY are read directly by the Genkit
	// provider plugins, not via Viper. Validate() checks presence based on
	// the selected provider.
}

// SessionTTL returns the session time-to-live as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// ToolTimeout returns the per-tool-call timeout as a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// DiscoveryRetryInterval returns how long to wait between discovery attempts
// for a collaborating service that is currently unreachable.
func (c *Config) DiscoveryRetryInterval() time.Duration {
	return time.Duration(c.DiscoveryRetrySeconds) * time.Second
}

// FullModelName returns the provider-qualified model name for Genkit.
// Examples: "googleai/gemini-2.5-flash", "ollama/llama3.3", "openai/gpt-4o".
// If ModelName already contains a "/", it is returned as-is.
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	switch c.Provider {
	case ProviderOllama:
		return ProviderOllama + "/" + c.ModelName
	case ProviderOpenAI:
		return ProviderOpenAI + "/" + c.ModelName
	default:
		return ProviderGoogleAI + "/" + c.ModelName
	}
}
