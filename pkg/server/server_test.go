package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/steward/pkg/proposals"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeOrchestrator struct {
	mu         sync.Mutex
	nudges     []string
	prompts    []string
	applied    []string
	proposeErr error
	release    chan struct{}
}

func (f *fakeOrchestrator) Nudge(ctx context.Context, prompt string) error {
	f.wait(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nudges = append(f.nudges, prompt)
	return nil
}

func (f *fakeOrchestrator) Propose(_ context.Context, prompt string) (*proposals.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.proposeErr != nil {
		return nil, f.proposeErr
	}
	f.prompts = append(f.prompts, prompt)
	return &proposals.Summary{ID: "prop-1", Title: "t", Summary: "s", Files: []string{"a.go"}}, nil
}

func (f *fakeOrchestrator) ApplyProposal(ctx context.Context, id string) error {
	f.wait(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, id)
	return errors.New("ignored by the server")
}

func (f *fakeOrchestrator) wait(ctx context.Context) {
	if f.release == nil {
		return
	}
	select {
	case <-f.release:
	case <-ctx.Done():
	}
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func TestTriggers(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		want     map[string]any
	}{
		{name: "nudge accepted", path: "/nudge", body: `{"prompt":"  add retries "}`, wantCode: 202, want: map[string]any{"status": "accepted"}},
		{name: "nudge blank prompt", path: "/nudge", body: `{"prompt":"   "}`, wantCode: 400, want: map[string]any{"error": "prompt required"}},
		{name: "nudge empty body", path: "/nudge", body: ``, wantCode: 400, want: map[string]any{"error": "prompt required"}},
		{name: "nudge invalid json", path: "/nudge", body: `{prompt:`, wantCode: 400, want: map[string]any{"error": "invalid json"}},
		{name: "nudge wrong type", path: "/nudge", body: `{"prompt":42}`, wantCode: 400, want: map[string]any{"error": "invalid json"}},
		{name: "propose", path: "/propose", body: `{"prompt":"speed"}`, wantCode: 200, want: map[string]any{"id": "prop-1", "title": "t", "summary": "s", "files": []any{"a.go"}}},
		{name: "propose missing prompt", path: "/propose", body: `{}`, wantCode: 400, want: map[string]any{"error": "prompt required"}},
		{name: "apply accepted", path: "/apply", body: `{"id":" prop-1 "}`, wantCode: 202, want: map[string]any{"status": "accepted", "id": "prop-1"}},
		{name: "apply missing id", path: "/apply", body: `{"prompt":"x"}`, wantCode: 400, want: map[string]any{"error": "id required"}},
		{name: "unknown path", path: "/deploy", body: `{}`, wantCode: 404, want: map[string]any{"error": "not found"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := &fakeOrchestrator{}
			s := New(orch, Options{})

			code, body := do(t, s.Handler(), http.MethodPost, tt.path, tt.body)
			s.Wait()

			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.want, body)
		})
	}
}

func TestNudgeRunsTrimmedPrompt(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := New(orch, Options{})

	code, _ := do(t, s.Handler(), http.MethodPost, "/nudge", `{"prompt":"  add retries "}`)
	require.Equal(t, http.StatusAccepted, code)
	s.Wait()

	assert.Equal(t, []string{"add retries"}, orch.nudges)
}

func TestApplyFailureIsOnlyLogged(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := New(orch, Options{})

	code, _ := do(t, s.Handler(), http.MethodPost, "/apply", `{"id":"prop-1"}`)
	s.Wait()

	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, []string{"prop-1"}, orch.applied)
}

func TestProposeError(t *testing.T) {
	orch := &fakeOrchestrator{proposeErr: errors.New("disk full")}
	s := New(orch, Options{})

	code, body := do(t, s.Handler(), http.MethodPost, "/propose", `{"prompt":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "disk full", body["error"])
}

func TestSecret(t *testing.T) {
	orch := &fakeOrchestrator{}
	s := New(orch, Options{Secret: "s3cret"})

	code, body := do(t, s.Handler(), http.MethodPost, "/nudge", `{"prompt":"x"}`)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", body["error"])

	code, _ = do(t, s.Handler(), http.MethodPost, "/nudge", `{"prompt":"x"}`, TokenHeader, "wrong")
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = do(t, s.Handler(), http.MethodPost, "/nudge", `{"prompt":"x"}`, TokenHeader, "s3cret")
	assert.Equal(t, http.StatusAccepted, code)

	code, _ = do(t, s.Handler(), http.MethodPost, "/nope", `{}`)
	assert.Equal(t, http.StatusNotFound, code, "unknown paths are 404 before auth")

	code, _ = do(t, s.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code, "health is not behind the secret")
	s.Wait()
}

func TestRateLimit(t *testing.T) {
	s := New(&fakeOrchestrator{}, Options{RatePerMinute: 1, Burst: 2})

	for i := 0; i < 2; i++ {
		code, _ := do(t, s.Handler(), http.MethodPost, "/propose", `{"prompt":"x"}`)
		assert.Equal(t, http.StatusOK, code)
	}
	code, body := do(t, s.Handler(), http.MethodPost, "/propose", `{"prompt":"x"}`)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate limited", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := New(&fakeOrchestrator{}, Options{})
	do(t, s.Handler(), http.MethodPost, "/propose", `{"prompt":"x"}`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "steward_trigger_requests_total")
}

func TestShutdownWaitsForCycles(t *testing.T) {
	orch := &fakeOrchestrator{release: make(chan struct{})}
	s := New(orch, Options{})

	code, _ := do(t, s.Handler(), http.MethodPost, "/nudge", `{"prompt":"slow"}`)
	require.Equal(t, http.StatusAccepted, code)

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(context.Background()) }()

	select {
	case <-done:
		t.Fatal("shutdown returned while a cycle was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(orch.release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
	assert.Equal(t, []string{"slow"}, orch.nudges)
}

func TestShutdownDeadlineCancelsCycles(t *testing.T) {
	orch := &fakeOrchestrator{release: make(chan struct{})}
	s := New(orch, Options{})
	do(t, s.Handler(), http.MethodPost, "/nudge", `{"prompt":"stuck"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.Wait()
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(&fakeOrchestrator{}, Options{MaxConns: 2})
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.ErrorIs(t, <-errc, http.ErrServerClosed)
}
