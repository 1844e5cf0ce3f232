package api

import (
	"log/slog"
	"net/http"

	"github.com/clearsign-labs/txgate/pkg/driver"
	"github.com/clearsign-labs/txgate/pkg/engine"
)

// Server exposes the engine over HTTP. It owns routing and request parsing;
// all semantics live in the engine.
type Server struct {
	engine  *engine.Engine
	drivers *driver.Registry
	chain   string
	network string
	logger  *slog.Logger
	limiter *IPRateLimiter
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Engine  *engine.Engine
	Drivers *driver.Registry
	Chain   string
	Network string
	Logger  *slog.Logger
	// RequestsPerSecond/Burst configure the per-IP limiter. Zero disables it.
	RequestsPerSecond int
	Burst             int
}

// NewServer builds a Server from cfg.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		engine:  cfg.Engine,
		drivers: cfg.Drivers,
		chain:   cfg.Chain,
		network: cfg.Network,
		logger:  cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.RequestsPerSecond * 2
		}
		s.limiter = NewIPRateLimiter(cfg.RequestsPerSecond, burst)
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /plan/compile", s.handleCompile)
	mux.HandleFunc("POST /actions/prepare", s.handlePrepare)
	mux.HandleFunc("POST /actions/execute", s.handleExecute)
	mux.HandleFunc("GET /artifacts/{preparedId}", s.handleArtifact)
	mux.HandleFunc("GET /traces/{traceId}", s.handleTrace)
	mux.HandleFunc("GET /capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return RequestID(s.logger, h)
}
