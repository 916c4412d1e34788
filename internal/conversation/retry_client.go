package conversation

import (
	"context"
	"log/slog"
	"time"
)

// RetryLLMClient retries transient completion failures with doubling
// backoff before giving up. It wraps whatever client chain sits below
// it, usually a FallbackLLMClient.
type RetryLLMClient struct {
	inner       LLMClient
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewRetryLLMClient(inner LLMClient, maxAttempts int, baseDelay time.Duration, logger *slog.Logger) *RetryLLMClient {
	if inner == nil {
		panic("conversation: inner LLM client cannot be nil")
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryLLMClient{
		inner:       inner,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		logger:      logger,
		sleep:       sleepContext,
	}
}

func (c *RetryLLMClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	var lastErr error
	delay := c.baseDelay
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == c.maxAttempts {
			break
		}
		c.logger.Warn("completion attempt failed, retrying",
			"attempt", attempt,
			"delay", delay.String(),
			"error", err.Error(),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return LLMResponse{}, err
		}
		delay *= 2
	}
	return LLMResponse{}, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
