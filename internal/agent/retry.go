package agent

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// RetryConfig bounds the transient-error retry loop around API calls.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int `mapstructure:"max_attempts"`
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

// DefaultRetryConfig returns the stock retry bounds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 1 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// isTransient reports whether an API error is worth retrying. Rate limits,
// overload responses, and server errors are transient; everything else,
// including context cancellation, is not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	// Errors that never reached the API (connection resets, EOF) are
	// returned unwrapped by the SDK transport. Treat them as transient.
	return true
}

// withRetry runs fn until it succeeds, fails permanently, or attempts are
// exhausted. Backoff doubles between attempts up to cfg.MaxBackoff and
// respects ctx cancellation while sleeping.
func withRetry(ctx context.Context, cfg RetryConfig, label string, fn func() error) error {
	cfg = cfg.normalized()

	backoff := cfg.InitialBackoff
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		log.Printf("[retry] %s: attempt %d/%d failed, retrying in %s: %v",
			label, attempt, cfg.MaxAttempts, backoff, err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	log.Printf("[retry] %s: giving up after %d attempts: %v", label, cfg.MaxAttempts, err)
	return err
}
