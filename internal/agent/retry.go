package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RetryConfig configures retry behavior for model calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for LLM API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// generateWithRetry invokes the model, retrying transient failures with
// exponential backoff. Non-retryable errors and context cancellation return
// immediately.
func (o *Orchestrator) generateWithRetry(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	interval := o.retry.InitialInterval
	var lastErr error

	for attempt := 0; attempt <= o.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			o.logger.Debug("retrying model call",
				"attempt", attempt, "backoff", interval, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(interval):
			}
			interval *= 2
			if interval > o.retry.MaxInterval {
				interval = o.retry.MaxInterval
			}
		}

		resp, err := o.model.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryableError(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("model call failed after %d retries: %w", o.retry.MaxRetries, lastErr)
}

// retryableError reports whether an error should trigger a retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()

	// Rate limit errors.
	if containsAny(errStr, "rate limit", "quota exceeded", "429") {
		return true
	}
	// Transient server errors.
	if containsAny(errStr, "500", "502", "503", "504", "unavailable") {
		return true
	}
	// Network errors.
	if containsAny(errStr, "connection reset", "timeout", "temporary") {
		return true
	}
	return false
}

// containsAny checks if s contains any of the substrings (case-insensitive).
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
