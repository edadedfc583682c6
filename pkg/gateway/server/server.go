package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vango-go/intake-live/pkg/gateway/archive"
	"github.com/vango-go/intake-live/pkg/gateway/config"
	"github.com/vango-go/intake-live/pkg/gateway/handlers"
	"github.com/vango-go/intake-live/pkg/gateway/lifecycle"
	"github.com/vango-go/intake-live/pkg/gateway/live/engine"
	"github.com/vango-go/intake-live/pkg/gateway/live/sessions"
	"github.com/vango-go/intake-live/pkg/gateway/mw"
	"github.com/vango-go/intake-live/pkg/intake/extraction"
	"github.com/vango-go/intake-live/pkg/intake/prioritize"
)

// Options carries the collaborators the gateway cannot build from config
// alone. Nil Connector or Processor disables the matching endpoint.
type Options struct {
	Connector engine.Connector
	Processor handlers.AudioProcessor
	Archive   archive.Store
	Blueprint *extraction.Blueprint
	Weights   *prioritize.Weights
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	router chi.Router

	lifecycle *lifecycle.Lifecycle
	registry  *sessions.Registry
	connector engine.Connector
	processor handlers.AudioProcessor
	archive   archive.Store
	blueprint *extraction.Blueprint
	weights   prioritize.Weights

	liveCtx    context.Context
	liveCancel context.CancelFunc
}

func New(cfg config.Config, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	bp := opts.Blueprint
	if bp == nil {
		bp = extraction.DefaultBlueprint()
	}
	store := opts.Archive
	if store == nil {
		store = archive.Nop{}
	}
	weights := prioritize.DefaultWeights()
	if opts.Weights != nil {
		weights = *opts.Weights
	}

	liveCtx, liveCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		router:     chi.NewRouter(),
		lifecycle:  lifecycle.New(),
		registry:   sessions.NewRegistry(),
		connector:  opts.Connector,
		processor:  opts.Processor,
		archive:    store,
		blueprint:  bp,
		weights:    weights,
		liveCtx:    liveCtx,
		liveCancel: liveCancel,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.NotFound(handlers.NotFoundHandler{}.ServeHTTP)
	r.MethodNotAllowed(handlers.MethodNotAllowedHandler{}.ServeHTTP)

	r.Method(http.MethodGet, "/health-check", handlers.HealthCheckHandler{})
	r.Method(http.MethodGet, "/healthz", handlers.HealthHandler{})
	r.Method(http.MethodGet, "/readyz", handlers.ReadyHandler{
		Lifecycle: s.lifecycle,
		Registry:  s.registry,
		Archive:   s.archive,
	})

	r.Route("/api/intake", func(r chi.Router) {
		r.Handle("/live", handlers.LiveHandler{
			Config:      s.cfg,
			Logger:      s.logger,
			Lifecycle:   s.lifecycle,
			Registry:    s.registry,
			Connector:   s.connector,
			Archive:     s.archive,
			Blueprint:   s.blueprint,
			Weights:     s.weights,
			BaseContext: s.liveCtx,
		})
		r.Handle("/recording", handlers.RecordingHandler{
			Processor:      s.processor,
			MaxUploadBytes: s.cfg.MaxUploadBytes,
			Logger:         s.logger,
		})
		r.Method(http.MethodGet, "/sessions/{id}", handlers.SessionHandler{
			Registry: s.registry,
			Archive:  s.archive,
		})
		r.Method(http.MethodGet, "/blueprint", handlers.BlueprintHandler{Blueprint: s.blueprint})
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	if s.cfg.Tracing {
		h = otelhttp.NewHandler(h, "intake-live",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
	return h
}

// SetDraining flips readiness and refuses new live sessions.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// StopLiveSessions asks every running session to end gracefully.
func (s *Server) StopLiveSessions() int {
	n := s.registry.CancelAll()
	if n > 0 {
		s.logger.Info("stopping live sessions", "count", n)
	}
	return n
}

// WaitLiveSessions reports whether every session ended before ctx did.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.registry.Wait(ctx)
}

// CancelLiveSessions force-closes whatever is still running.
func (s *Server) CancelLiveSessions() {
	remaining := s.registry.Count()
	s.liveCancel()
	if remaining > 0 {
		s.logger.Warn("canceled live sessions after grace period", "count", remaining)
	}
}

func (s *Server) Registry() *sessions.Registry { return s.registry }

// Close releases the archive.
func (s *Server) Close() error {
	s.liveCancel()
	return s.archive.Close()
}
