package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kalambet/querysmith/internal/metrics"
)

// retryableStatus reports whether an HTTP status is worth retrying. A zero
// status means the request never got a response.
func retryableStatus(code int) bool {
	return code == 0 || code == 429 || code >= 500
}

func (c *Client) complete(ctx context.Context, req Request) (string, error) {
	var out string
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		text, err := c.provider.Complete(callCtx, req)
		if err == nil {
			out = text
			metrics.LLMCalls.WithLabelValues(c.provider.Name(), "ok").Inc()
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var pe *ProviderError
		if errors.As(err, &pe) && pe.Retryable {
			metrics.LLMCalls.WithLabelValues(c.provider.Name(), "retry").Inc()
			return err
		}
		metrics.LLMCalls.WithLabelValues(c.provider.Name(), "error").Inc()
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("llm: retrying", "provider", c.provider.Name(), "wait", wait, "error", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return "", err
	}
	return out, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 8 * time.Second
	b.MaxElapsedTime = 0
	return b
}
