package config

import (
	"errors"
	"testing"
)

// validConfig returns a configuration that passes Validate.
func validConfig() *Config {
	return &Config{
		Port:                  8001,
		LogLevel:              "info",
		SessionTTLMinutes:     60,
		OrderServiceURL:       "http://order-service:8002/mcp",
		ProductServiceURL:     "http://product-service:8003/mcp",
		DiscoveryRetrySeconds: 30,
		Provider:              ProviderOllama, // no API key needed
		ModelName:             "llama3.3",
		ToolTimeoutSeconds:    30,
		ToolMaxRetries:        3,
		MaxConcurrentTools:    5,
		MaxTurns:              10,
		MaxToolCalls:          20,
		MaxHistoryTurns:       20,
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidate_NilConfig(t *testing.T) {
	var cfg *Config
	if err := cfg.Validate(); !errors.Is(err, ErrConfigNil) {
		t.Errorf("Validate() = %v, want ErrConfigNil", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"port zero", func(c *Config) { c.Port = 0 }, ErrInvalidPort},
		{"port too large", func(c *Config) { c.Port = 70000 }, ErrInvalidPort},
		{"unknown provider", func(c *Config) { c.Provider = "anthropic" }, ErrInvalidProvider},
		{"empty model", func(c *Config) { c.ModelName = "" }, ErrInvalidModelName},
		{"empty order url", func(c *Config) { c.OrderServiceURL = "" }, ErrInvalidServiceURL},
		{"relative product url", func(c *Config) { c.ProductServiceURL = "product-service/mcp" }, ErrInvalidServiceURL},
		{"ftp scheme", func(c *Config) { c.OrderServiceURL = "ftp://order/mcp" }, ErrInvalidServiceURL},
		{"zero ttl", func(c *Config) { c.SessionTTLMinutes = 0 }, ErrInvalidSessionTTL},
		{"zero tool timeout", func(c *Config) { c.ToolTimeoutSeconds = 0 }, ErrInvalidToolTimeout},
		{"negative retries", func(c *Config) { c.ToolMaxRetries = -1 }, ErrInvalidToolRetries},
		{"excessive retries", func(c *Config) { c.ToolMaxRetries = 11 }, ErrInvalidToolRetries},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentTools = 0 }, ErrInvalidConcurrency},
		{"excessive concurrency", func(c *Config) { c.MaxConcurrentTools = 100 }, ErrInvalidConcurrency},
		{"zero turns", func(c *Config) { c.MaxTurns = 0 }, ErrInvalidBudget},
		{"excessive turns", func(c *Config) { c.MaxTurns = 500 }, ErrInvalidBudget},
		{"zero tool calls", func(c *Config) { c.MaxToolCalls = 0 }, ErrInvalidBudget},
		{"zero history turns", func(c *Config) { c.MaxHistoryTurns = 0 }, ErrInvalidBudget},
		{"zero discovery retry", func(c *Config) { c.DiscoveryRetrySeconds = 0 }, ErrInvalidDiscoveryInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFullModelName(t *testing.T) {
	tests := []struct {
		provider string
		model    string
		want     string
	}{
		{ProviderGoogleAI, "gemini-2.5-flash", "googleai/gemini-2.5-flash"},
		{ProviderOpenAI, "gpt-4o-mini", "openai/gpt-4o-mini"},
		{ProviderOllama, "llama3.3", "ollama/llama3.3"},
		{ProviderGoogleAI, "ollama/llama3.3", "ollama/llama3.3"}, // already qualified
	}

	for _, tt := range tests {
		c := &Config{Provider: tt.provider, ModelName: tt.model}
		if got := c.FullModelName(); got != tt.want {
			t.Errorf("FullModelName(%s, %s) = %q, want %q", tt.provider, tt.model, got, tt.want)
		}
	}
}

func TestDurationAccessors(t *testing.T) {
	c := validConfig()

	if got := c.SessionTTL().Minutes(); got != 60 {
		t.Errorf("SessionTTL() = %v minutes, want 60", got)
	}
	if got := c.ToolTimeout().Seconds(); got != 30 {
		t.Errorf("ToolTimeout() = %v seconds, want 30", got)
	}
	if got := c.DiscoveryRetryInterval().Seconds(); got != 30 {
		t.Errorf("DiscoveryRetryInterval() = %v seconds, want 30", got)
	}
}
