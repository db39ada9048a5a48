package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPort, c.Port)
	}

	if !slices.Contains([]string{ProviderGoogleAI, ProviderOpenAI, ProviderOllama}, c.Provider) {
		return fmt.Errorf("%w: %q (supported: googleai, openai, ollama)", ErrInvalidProvider, c.Provider)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	// API key presence depends on the selected provider. Ollama runs locally
	// and needs no key.
	switch c.Provider {
	case ProviderGoogleAI:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required for provider googleai",
				ErrInvalidProvider)
		}
	case ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY environment variable is required for provider openai",
				ErrInvalidProvider)
		}
	}

	for _, endpoint := range []struct {
		name  string
		value string
	}{
		{"order_mcp_url", c.OrderServiceURL},
		{"product_mcp_url", c.ProductServiceURL},
	} {
		if endpoint.value == "" {
			return fmt.Errorf("%w: %s cannot be empty", ErrInvalidServiceURL, endpoint.name)
		}
		u, err := url.Parse(endpoint.value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %s must be an absolute http(s) URL, got %q",
				ErrInvalidServiceURL, endpoint.name, endpoint.value)
		}
	}

	if c.SessionTTLMinutes < 1 {
		return fmt.Errorf("%w: session_ttl_minutes must be at least 1, got %d",
			ErrInvalidSessionTTL, c.SessionTTLMinutes)
	}

	if c.ToolTimeoutSeconds < 1 {
		return fmt.Errorf("%w: tool_timeout_seconds must be at least 1, got %d",
			ErrInvalidToolTimeout, c.ToolTimeoutSeconds)
	}

	if c.ToolMaxRetries < 0 || c.ToolMaxRetries > 10 {
		return fmt.Errorf("%w: tool_max_retries must be between 0 and 10, got %d",
			ErrInvalidToolRetries, c.ToolMaxRetries)
	}

	if c.MaxConcurrentTools < 1 || c.MaxConcurrentTools > MaxAllowedParallel {
		return fmt.Errorf("%w: max_concurrent_tools must be between 1 and %d, got %d",
			ErrInvalidConcurrency, MaxAllowedParallel, c.MaxConcurrentTools)
	}

	if c.MaxTurns < 1 || c.MaxTurns > MaxAllowedTurns {
		return fmt.Errorf("%w: max_turns must be between 1 and %d, got %d",
			ErrInvalidBudget, MaxAllowedTurns, c.MaxTurns)
	}

	if c.MaxToolCalls < 1 || c.MaxToolCalls > MaxAllowedToolCalls {
		return fmt.Errorf("%w: max_tool_calls must be between 1 and %d, got %d",
			ErrInvalidBudget, MaxAllowedToolCalls, c.MaxToolCalls)
	}

	if c.MaxHistoryTurns < 1 {
		return fmt.Errorf("%w: max_history_turns must be at least 1, got %d",
			ErrInvalidBudget, c.MaxHistoryTurns)
	}

	if c.DiscoveryRetrySeconds < 1 {
		return fmt.Errorf("%w: discovery_retry_seconds must be at least 1, got %d",
			ErrInvalidDiscoveryInterval, c.DiscoveryRetrySeconds)
	}

	return nil
}
