package drive

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds attempts against the provider. Delay doubles after
// each failed attempt starting from BaseDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetry matches the provider quota guidance.
var DefaultRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}

// Backoff returns the delay to sleep after the given 1-based attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// FetchAll pages through every grant on a resource. Transient errors are
// retried per policy before surfacing; the page token is preserved across
// retries so no page is fetched twice.
func FetchAll(ctx context.Context, svc Service, resourceID string, policy RetryPolicy) ([]Grant, error) {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetry
	}
	var (
		all   []Grant
		token string
	)
	for {
		page, next, err := fetchPage(ctx, svc, resourceID, token, policy)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		token = next
	}
}

func fetchPage(ctx context.Context, svc Service, resourceID, token string, policy RetryPolicy) ([]Grant, string, error) {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		page, next, err := svc.ListGrants(ctx, resourceID, token)
		if err == nil {
			return page, next, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, "", err
		}
		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(policy.Backoff(attempt)):
		}
	}
	return nil, "", fmt.Errorf("list grants on %s: %w", resourceID, lastErr)
}
