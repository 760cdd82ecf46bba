// Package server exposes the HTTP trigger surface: POST /nudge, /propose and
// /apply, plus /healthz and Prometheus /metrics.
//
// Nudge and apply run asynchronously on a context detached from the request;
// Shutdown waits for them. Propose is synchronous because the caller needs the
// stored proposal id.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/entrhq/steward/pkg/logging"
	"github.com/entrhq/steward/pkg/proposals"
)

// TokenHeader carries the shared secret.
const TokenHeader = "X-Codex-Token"

// Orchestrator is the part of the cycle orchestrator the server triggers.
type Orchestrator interface {
	Nudge(ctx context.Context, prompt string) error
	Propose(ctx context.Context, prompt string) (*proposals.Summary, error)
	ApplyProposal(ctx context.Context, id string) error
}

// Options configures a Server. Zero values disable the secret check, the
// rate limit and the connection cap.
type Options struct {
	Addr          string
	Secret        string
	RatePerMinute int
	Burst         int
	MaxConns      int
	Log           *logging.Logger
}

// Server is the trigger surface.
type Server struct {
	opts    Options
	orch    Orchestrator
	log     *logging.Logger
	engine  *gin.Engine
	limiter *rate.Limiter
	http    *http.Server

	bg     context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

// New builds the router.
func New(orch Orchestrator, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}
	bg, cancel := context.WithCancel(context.Background())

	s := &Server{
		opts:   opts,
		orch:   orch,
		log:    log.With("server"),
		bg:     bg,
		cancel: cancel,
	}
	if opts.RatePerMinute > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), burst)
	}
	s.engine = s.routes()
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe listens on Options.Addr. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, capped at Options.MaxConns.
func (s *Server) Serve(ln net.Listener) error {
	if s.opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConns)
	}
	s.log.Infof("Trigger server listening on %s", ln.Addr())
	return s.http.Serve(ln)
}

// Shutdown stops accepting requests and waits for running cycles. When ctx
// expires first, the cycles' context is cancelled and ctx.Err is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return err
	case <-ctx.Done():
		s.cancel()
		return errors.Join(err, ctx.Err())
	}
}

// Wait blocks until every launched cycle has returned.
func (s *Server) Wait() {
	s.tasks.Wait()
}

// launch runs fn on the server's background context.
func (s *Server) launch(name string, fn func(ctx context.Context) error) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Errorf("%s panicked: %v", name, r)
			}
		}()
		if err := fn(s.bg); err != nil {
			s.log.Errorf("%s failed: %v", name, err)
		}
	}()
}
