package summarize

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// retryGenerator retries a Generator with exponential backoff.
type retryGenerator struct {
	next     Generator
	attempts int
	backoff  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps gen so each call is attempted up to attempts times, waiting
// backoff, 2*backoff, 4*backoff... between tries. ErrUnauthorized is returned
// immediately.
func WithRetry(gen Generator, attempts int, backoff time.Duration) Generator {
	if attempts <= 1 {
		return gen
	}
	return &retryGenerator{next: gen, attempts: attempts, backoff: backoff, sleep: sleepContext}
}

func (r *retryGenerator) Generate(ctx context.Context, system, prompt string, maxTokens int32) (string, error) {
	var lastErr error
	wait := r.backoff
	for attempt := 1; attempt <= r.attempts; attempt++ {
		text, err := r.next.Generate(ctx, system, prompt, maxTokens)
		if err == nil {
			return text, nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return "", err
		}
		lastErr = err
		if attempt == r.attempts {
			break
		}
		if err := r.sleep(ctx, wait); err != nil {
			return "", err
		}
		wait *= 2
	}
	return "", fmt.Errorf("after %d attempts: %w", r.attempts, lastErr)
}
