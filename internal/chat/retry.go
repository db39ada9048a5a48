package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RetryConfig configures the retry behavior for model calls.
type RetryConfig struct {
	MaxRetries      int           // Maximum number of retry attempts
	InitialInterval time.Duration // Initial backoff interval
	MaxInterval     time.Duration // Maximum backoff interval
}

// DefaultRetryConfig returns sensible defaults for model provider calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryablePatterns groups error substrings by category.
// Matched case-insensitively against err.Error().
//
// NOTE: String matching because provider SDKs do not expose typed errors
// for transient failures. Re-evaluate if that changes.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},      // rate limiting
	{"500", "502", "503", "504", "unavailable"},  // transient server errors
	{"connection reset", "timeout", "temporary"}, // network errors
}

// retryableError reports whether err is transient and should trigger a retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, pattern := range group {
			if strings.Contains(errStr, pattern) {
				return true
			}
		}
	}
	return false
}

// generateWithRetry executes one model step with circuit breaker, rate
// limiting, and exponential backoff retry.
//
// A step that already streamed text to the client is never retried: the
// deltas are out the door, and a second attempt would duplicate them.
func (a *Agent) generateWithRetry(ctx context.Context, req *ModelRequest, stream StreamFunc) (*ModelResult, error) {
	if err := a.circuitBreaker.Allow(); err != nil {
		a.logger.Warn("circuit breaker rejecting request",
			"state", a.circuitBreaker.State().String())
		return nil, fmt.Errorf("model unavailable: %w", err)
	}

	var streamed bool
	var wrapped StreamFunc
	if stream != nil {
		wrapped = func(cbCtx context.Context, text string) error {
			streamed = true
			return stream(cbCtx, text)
		}
	}

	var lastErr error
	delay := a.retryConfig.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= a.retryConfig.MaxRetries; attempt++ {
		// Rate limit each attempt, retries included.
		if a.rateLimiter != nil {
			if err := a.rateLimiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		result, err := a.model.Generate(ctx, req, wrapped)
		if err == nil {
			a.circuitBreaker.Success()
			a.logger.Debug("model step completed",
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return result, nil
		}

		lastErr = err

		if !retryableError(err) || streamed {
			a.circuitBreaker.Failure()
			return nil, fmt.Errorf("model step: %w", err)
		}

		if attempt == a.retryConfig.MaxRetries {
			break
		}

		a.logger.Debug("retrying model step",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, a.retryConfig.MaxInterval)
		}
	}

	a.circuitBreaker.Failure()
	return nil, fmt.Errorf("model step after %d retries (elapsed: %v): %w",
		a.retryConfig.MaxRetries, time.Since(start), lastErr)
}
