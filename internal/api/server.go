package api

import (
	"context"
	"net/http"

	"github.com/omtx-labs/gpu-orchestrator/internal/config"
	"github.com/omtx-labs/gpu-orchestrator/internal/ratelimit"
	"go.uber.org/zap"
)

// Server is the Submission API's HTTP listener.
type Server struct {
	cfg     *config.Config
	log     *zap.Logger
	handler *Handler
	limiter ratelimit.Limiter
	httpSrv *http.Server
}

// NewServer builds a Server over an already-wired Handler.
func NewServer(cfg *config.Config, handler *Handler, limiter ratelimit.Limiter, log *zap.Logger) *Server {
	return &Server{cfg: cfg, log: log, handler: handler, limiter: limiter}
}

// Start applies the middleware chain and blocks serving HTTP until the
// listener fails or Shutdown closes it.
func (s *Server) Start() error {
	var chain http.Handler = NewRouter(s.handler, s.limiter)
	chain = RecoveryMiddleware(s.log)(chain)
	chain = DeadlineMiddleware(s.cfg.API.RequestDeadline)(chain)
	chain = RequestIDMiddleware()(chain)

	s.httpSrv = &http.Server{
		Addr:         s.cfg.API.ListenAddr,
		Handler:      chain,
		ReadTimeout:  s.cfg.API.ReadTimeout,
		WriteTimeout: s.cfg.API.WriteTimeout,
	}

	s.log.Info("starting submission api server", zap.String("addr", s.cfg.API.ListenAddr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
