// Package gateway serves executions over HTTP: a streaming endpoint that
// frames events as text events with sequential ids, resumable from the
// last seen id, plus cancel, status and websocket endpoints.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"harness/internal/agent"
	"harness/internal/api"
	"harness/internal/cancel"
	"harness/internal/config"
	"harness/internal/conversation"
	"harness/internal/history"
	"harness/internal/metrics"
)

const (
	defaultRetention = 10 * time.Minute
	keepAlive        = 15 * time.Second
)

var errUnknownAgent = errors.New("unknown agent")

type Server struct {
	runner   agent.Runner
	factory  *agent.LoopFactory
	store    *history.Store
	cfg      config.GatewayConfig
	limiter  *rate.Limiter
	retain   time.Duration
	mux      *http.ServeMux
	handler  http.Handler
	wg       sync.WaitGroup
	mu       sync.Mutex
	execs    map[string]*execution
	shutdown bool
}

type Option func(*Server)

// WithStore persists executions and session turns.
func WithStore(store *history.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithProfiles lets requests pick an agent profile by agent_id.
func WithProfiles(f *agent.LoopFactory) Option {
	return func(s *Server) { s.factory = f }
}

// WithRetention sets how long finished executions stay resumable.
func WithRetention(d time.Duration) Option {
	return func(s *Server) { s.retain = d }
}

func NewServer(runner agent.Runner, cfg config.GatewayConfig, opts ...Option) *Server {
	s := &Server{
		runner: runner,
		cfg:    cfg,
		retain: defaultRetention,
		mux:    http.NewServeMux(),
		execs:  make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.Burst, 1))
	}
	s.routes()
	s.handler = metrics.Middleware(s.authenticate(s.mux))
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/execute/stream", s.handleExecuteStream)
	s.mux.HandleFunc("GET /v1/executions/{id}", s.handleGetExecution)
	s.mux.HandleFunc("GET /v1/executions/{id}/stream", s.handleResumeStream)
	s.mux.HandleFunc("POST /v1/executions/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /v1/ws", s.handleWS)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then cancels running
// executions and shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 30 * time.Second}

	errc := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down gateway", "addr", addr)
	s.Close()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close cancels every running execution and waits for them to finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.shutdown = true
	for _, x := range s.execs {
		x.tok.Cancel("server shutting down")
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.cfg.Token == "" {
		return next
	}
	want := []byte(s.cfg.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow applies the execution rate limit. On refusal it writes a 429 with
// Retry-After.
func (s *Server) allow(w http.ResponseWriter) bool {
	if s.limiter == nil {
		return true
	}
	res := s.limiter.Reserve()
	if d := res.Delay(); d > 0 {
		res.Cancel()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (s *Server) runnerFor(agentID string) (agent.Runner, error) {
	if agentID == "" {
		return s.runner, nil
	}
	if s.factory == nil {
		return nil, fmt.Errorf("%w: %s", errUnknownAgent, agentID)
	}
	loop, err := s.factory.Build(agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errUnknownAgent, agentID)
	}
	return loop, nil
}

// start launches an execution detached from the request that created it.
// decorate may attach values to the execution context.
func (s *Server) start(ctx context.Context, req api.ExecuteRequest, decorate func(context.Context, *execution) context.Context) (*execution, error) {
	runner, err := s.runnerFor(req.AgentID)
	if err != nil {
		return nil, err
	}

	prior := s.loadHistory(ctx, req.SessionID)

	id := "exec_" + uuid.NewString()
	tok := cancel.New(context.Background())
	x := newExecution(id, req.SessionID, req.Message, tok, s.cfg.ReplayBuffer)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		tok.Cancel("server shutting down")
		return nil, errors.New("server shutting down")
	}
	s.execs[id] = x
	s.wg.Add(1)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.StartExecution(ctx, id, req.SessionID, req.Message); err != nil {
			slog.Error("journal execution start", "execution_id", id, "error", err)
		}
	}

	runCtx := tok.Context()
	if decorate != nil {
		runCtx = decorate(runCtx, x)
	}

	go func() {
		defer s.wg.Done()
		defer tok.Cancel("execution finished")

		res, err := runner.Run(runCtx, agent.Input{
			Prompt:      req.Message,
			SessionID:   req.SessionID,
			ExecutionID: id,
			History:     prior,
		}, x.append)
		if err != nil {
			slog.Warn("execution failed", "execution_id", id, "error", err)
		}
		if res == nil {
			res = &agent.Result{Outcome: agent.OutcomeFailed, Error: fmt.Sprint(err)}
		}
		s.persist(x, res)
		x.finish(res)
		s.expire(id)
	}()

	slog.Info("execution started", "execution_id", id, "session_id", req.SessionID, "agent_id", req.AgentID)
	return x, nil
}

func (s *Server) loadHistory(ctx context.Context, sessionID string) []conversation.Turn {
	if s.store == nil || sessionID == "" {
		return nil
	}
	if err := s.store.EnsureSession(ctx, sessionID, "http"); err != nil {
		slog.Error("ensure session", "session_id", sessionID, "error", err)
		return nil
	}
	turns, err := s.store.LoadTurns(ctx, sessionID)
	if err != nil {
		slog.Error("load session turns", "session_id", sessionID, "error", err)
		return nil
	}
	return turns
}

func (s *Server) persist(x *execution, res *agent.Result) {
	if s.store == nil {
		return
	}
	ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()

	if err := s.store.FinishExecution(ctx, x.id, history.Outcome{
		Status:       string(res.Outcome),
		Iterations:   res.Iterations,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		Error:        res.Error,
	}); err != nil {
		slog.Error("journal execution end", "execution_id", x.id, "error", err)
	}
	if x.sessionID == "" || res.Outcome == agent.OutcomeCancelled || res.Outcome == agent.OutcomeFailed {
		return
	}
	if err := s.store.SaveTurns(ctx, x.sessionID, x.id, res.Turns); err != nil {
		slog.Error("save session turns", "execution_id", x.id, "error", err)
	}
}

func (s *Server) expire(id string) {
	time.AfterFunc(s.retain, func() {
		s.mu.Lock()
		delete(s.execs, id)
		s.mu.Unlock()
	})
}

func (s *Server) lookup(id string) (*execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	x, ok := s.execs[id]
	return x, ok
}
