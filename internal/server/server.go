// Package server exposes sessions and script compilation over HTTP.
//
// Routes:
//
//	POST /v1/sessions                  create a session
//	GET  /v1/sessions/{id}             read a session
//	POST /v1/sessions/{id}/messages    append a message
//	POST /v1/sessions/{id}/script      compile from the session's clips (SSE)
//	POST /v1/script                    compile from the request body (SSE)
//	GET  /v1/script/ws                 compile over a WebSocket
//	GET  /healthz, /readyz, /metrics
//
// Every /v1 request holds a gate request slot; compilations additionally hold
// a stream slot. When a slot cannot be had in time the server answers 503
// with Retry-After before anything else is written.
package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"

	"github.com/MrWong99/podscript/internal/compiler"
	"github.com/MrWong99/podscript/internal/config"
	"github.com/MrWong99/podscript/internal/gate"
	"github.com/MrWong99/podscript/internal/health"
	"github.com/MrWong99/podscript/internal/observe"
	"github.com/MrWong99/podscript/internal/session"
	"github.com/MrWong99/podscript/internal/upstream"
	"github.com/MrWong99/podscript/pkg/provider/llm"
	"github.com/MrWong99/podscript/pkg/script"
)

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	sessions session.Store
	compiler *compiler.Compiler
	llm      llm.Provider
	gate     *gate.Gate
	metrics  *observe.Metrics
	checkers []health.Checker
	promHTTP http.Handler

	mu     sync.RWMutex
	script config.ScriptConfig
}

// Option configures a [Server].
type Option func(*Server)

// WithLLM sets the model used for compilations that do not carry their own
// transcript. Without it such requests are answered with 503.
func WithLLM(p llm.Provider) Option {
	return func(s *Server) { s.llm = p }
}

// WithGate bounds concurrent requests. It should be the same gate the
// compiler uses for stream slots.
func WithGate(g *gate.Gate) Option {
	return func(s *Server) { s.gate = g }
}

// WithMetrics sets the metric instruments used by the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithScript sets the initial prompt settings.
func WithScript(cfg config.ScriptConfig) Option {
	return func(s *Server) { s.script = cfg }
}

// WithCheckers adds readiness checks to /readyz.
func WithCheckers(c ...health.Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, c...) }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.promHTTP = h }
}

// New creates a Server over a session store and a compiler.
func New(sessions session.Store, comp *compiler.Compiler, opts ...Option) *Server {
	s := &Server{sessions: sessions, compiler: comp}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.checkers = append([]health.Checker{{Name: "sessions", Check: sessions.Ping}}, s.checkers...)
	return s
}

// SetScript replaces the prompt settings used by compilations started from
// now on.
func (s *Server) SetScript(cfg config.ScriptConfig) {
	s.mu.Lock()
	s.script = cfg
	s.mu.Unlock()
}

func (s *Server) scriptConfig() config.ScriptConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.script
}

// Handler returns the root handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/sessions", s.createSession)
	api.HandleFunc("GET /v1/sessions/{id}", s.getSession)
	api.HandleFunc("POST /v1/sessions/{id}/messages", s.appendMessage)
	api.HandleFunc("POST /v1/sessions/{id}/script", s.compileSession)
	api.HandleFunc("POST /v1/script", s.compileBody)
	api.HandleFunc("GET /v1/script/ws", s.compileWebSocket)

	mux := http.NewServeMux()
	mux.Handle("/v1/", s.limit(api))
	health.New(s.checkers...).Register(mux)
	if s.promHTTP != nil {
		mux.Handle("GET /metrics", s.promHTTP)
	}
	return observe.Middleware(s.metrics)(mux)
}

// limit holds a gate request slot for the duration of each request.
func (s *Server) limit(next http.Handler) http.Handler {
	if s.gate == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		release, err := s.gate.AcquireRequest(r.Context())
		if err != nil {
			if errors.Is(err, gate.ErrAcquireTimeout) {
				s.busy(w)
			}
			return
		}
		defer release()
		next.ServeHTTP(w, r)
	})
}

// busy answers 503 with a Retry-After of the gate's acquire timeout.
func (s *Server) busy(w http.ResponseWriter) {
	retry := 1
	if s.gate != nil {
		if secs := int(math.Ceil(s.gate.Config().AcquireTimeout.Seconds())); secs > retry {
			retry = secs
		}
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusServiceUnavailable, "server busy, retry later")
}

// errNoLLM is returned by source when a compilation needs a model and none
// is configured.
var errNoLLM = errors.New("no llm provider configured")

// source picks the upstream for req: its own transcript, or a completion
// from the configured model over clips.
func (s *Server) source(req compileRequest, clips []script.Clip) (upstream.Source, error) {
	if req.Transcript != "" {
		return upstream.SliceSource{req.Transcript}, nil
	}
	if s.llm == nil {
		return nil, errNoLLM
	}
	sc := s.scriptConfig()
	prompt := upstream.PromptConfig{
		SystemPrompt: sc.SystemPrompt,
		Instruction:  sc.Instruction,
		Temperature:  sc.Temperature,
		MaxTokens:    sc.MaxTokens,
	}
	if req.Instruction != "" {
		prompt.Instruction = req.Instruction
	}
	llmReq, err := upstream.BuildRequest(prompt, clips)
	if err != nil {
		return nil, err
	}
	return upstream.LLMSource{Provider: s.llm, Request: llmReq, IdleTimeout: sc.IdleTimeout}, nil
}

// logCompile records the outcome of a compilation served over HTTP.
func logCompile(ctx context.Context, route string, clips int, sum compiler.Summary, err error) {
	log := observe.Logger(ctx).With("route", route, "clips", clips, "outcome", sum.Outcome, "records", sum.Records)
	switch {
	case err != nil && sum.Outcome == compiler.OutcomeRejected:
		log.Warn("compilation rejected", "err", err)
	case err != nil:
		log.Info("compilation aborted", "err", err)
	case sum.Err != nil:
		log.Warn("compilation ended by upstream failure", "err", sum.Err)
	default:
		log.Info("compilation completed", "malformed", sum.Extract.Malformed)
	}
}
