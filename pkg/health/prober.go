// Package health polls a deployed service until it answers or retries run out.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/entrhq/steward/pkg/logging"
)

// ErrUnhealthy is returned when every probe attempt failed.
var ErrUnhealthy = errors.New("health check failed")

const (
	DefaultRetries = 10
	DefaultTimeout = 5 * time.Second
	DefaultDelay   = 2 * time.Second
)

// Prober polls URL with a fixed delay between attempts. Any status below 500
// counts as healthy; network errors count as a failed attempt.
type Prober struct {
	URL     string
	Retries int
	Timeout time.Duration
	Delay   time.Duration

	Client *http.Client
	Log    *logging.Logger
}

// Check blocks until the service is healthy, retries are exhausted or ctx is
// done. An empty URL is always healthy.
func (p *Prober) Check(ctx context.Context) error {
	if p.URL == "" {
		return nil
	}

	retries := p.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	delay := p.Delay
	if delay < 0 {
		delay = 0
	}
	client := p.Client
	if client == nil {
		client = &http.Client{}
	}
	log := p.Log
	if log == nil {
		log = logging.Discard()
	}

	var last string
	for attempt := 1; attempt <= retries; attempt++ {
		status, err := p.probe(ctx, client, timeout)
		switch {
		case err != nil:
			last = err.Error()
		case status < 500:
			log.Debugf("health probe %d/%d: status %d", attempt, retries, status)
			return nil
		default:
			last = fmt.Sprintf("status %d", status)
		}
		log.Debugf("health probe %d/%d failed: %s", attempt, retries, last)

		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v (last: %s)", ErrUnhealthy, ctx.Err(), last)
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w after %d attempts (last: %s)", ErrUnhealthy, retries, last)
}

func (p *Prober) probe(ctx context.Context, client *http.Client, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
