package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProber_EmptyURLIsHealthy(t *testing.T) {
	assert.NoError(t, (&Prober{}).Check(context.Background()))
}

func TestProber_StatusClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		healthy bool
	}{
		{"ok", http.StatusOK, true},
		{"redirect", http.StatusFound, true},
		{"not found still counts as up", http.StatusNotFound, true},
		{"server error", http.StatusInternalServerError, false},
		{"bad gateway", http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := &Prober{URL: srv.URL, Retries: 3, Delay: time.Millisecond,
				Client: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}}
			err := p.Check(context.Background())
			if tt.healthy {
				assert.NoError(t, err)
				assert.Equal(t, int32(1), calls.Load())
				return
			}
			assert.True(t, errors.Is(err, ErrUnhealthy))
			assert.Equal(t, int32(3), calls.Load())
		})
	}
}

func TestProber_RecoversWithinRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &Prober{URL: srv.URL, Retries: 10, Delay: time.Millisecond}
	assert.NoError(t, p.Check(context.Background()))
	assert.Equal(t, int32(4), calls.Load())
}

func TestProber_NetworkErrorsCountAsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := &Prober{URL: url, Retries: 2, Delay: time.Millisecond, Timeout: 100 * time.Millisecond}
	err := p.Check(context.Background())
	assert.True(t, errors.Is(err, ErrUnhealthy))
}

func TestProber_TimeoutPerAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	p := &Prober{URL: srv.URL, Retries: 2, Delay: time.Millisecond, Timeout: 20 * time.Millisecond}
	start := time.Now()
	err := p.Check(context.Background())
	assert.True(t, errors.Is(err, ErrUnhealthy))
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestProber_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &Prober{URL: srv.URL, Retries: 5, Delay: time.Hour}
	err := p.Check(ctx)
	assert.True(t, errors.Is(err, ErrUnhealthy))
}
