package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrBuildRequest marks a request that could not be constructed. It is never retried.
var ErrBuildRequest = errors.New("build request")

// CheckURL reports whether raw is an absolute http or https URL with a host.
// The transport rejects anything else on every attempt.
func CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q: missing host", raw)
	}
	return nil
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var DefaultRetry = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   1 * time.Second,
	MaxDelay:    10 * time.Second,
}

func (c RetryConfig) policy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.BaseDelay
	bo.MaxInterval = c.MaxDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.MaxAttempts-1)), ctx)
}

// Do executes an HTTP request with exponential backoff retry.
// The buildReq function is called on each attempt to produce a fresh request
// (required because request bodies are consumed on each attempt).
// Transport errors and 5xx responses are retried; any other response is returned as is.
func Do(ctx context.Context, client *http.Client, cfg RetryConfig, buildReq func() (*http.Request, error)) (*http.Response, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetry.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetry.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}

	attempt := 0
	op := func() (*http.Response, error) {
		attempt++
		req, err := buildReq()
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: %w", ErrBuildRequest, err))
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
		}
		return resp, nil
	}
	notify := func(err error, delay time.Duration) {
		zap.L().Warn("request attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	resp, err := backoff.RetryNotifyWithData(op, cfg.policy(ctx), notify)
	if err != nil {
		if errors.Is(err, ErrBuildRequest) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("request cancelled after %d attempts: %w", attempt, errors.Join(ctxErr, err))
		}
		return nil, fmt.Errorf("all %d attempts failed, last error: %w", attempt, err)
	}
	return resp, nil
}
