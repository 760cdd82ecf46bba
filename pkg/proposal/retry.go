package proposal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds attempts against the proposal service.
type RetryPolicy struct {
	Attempts    uint
	Initial     time.Duration
	MaxInterval time.Duration
}

// DefaultRetry makes 3 attempts with exponential waits starting at 1s, capped at 8s.
var DefaultRetry = RetryPolicy{Attempts: 3, Initial: time.Second, MaxInterval: 8 * time.Second}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}

// StatusError is returned for non-2xx answers from the service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("proposal service returned status %d: %s", e.Code, e.Body)
}

// retryable reports whether a status code is worth another attempt.
func retryable(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// do runs op under the policy. Client errors other than 408/429 stop early.
func do[T any](ctx context.Context, p RetryPolicy, notify func(error, time.Duration), op func() (T, error)) (T, error) {
	wrapped := func() (T, error) {
		v, err := op()
		var se *StatusError
		if errors.As(err, &se) && !retryable(se.Code) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.Attempts),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	return backoff.Retry(ctx, wrapped, opts...)
}
