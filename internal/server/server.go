package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/skydeck-app/skydeck/internal/config"
	"github.com/skydeck-app/skydeck/internal/events"
	"github.com/skydeck-app/skydeck/internal/middleware"
	"github.com/skydeck-app/skydeck/internal/pluginhost"
	"github.com/skydeck-app/skydeck/internal/server/handlers"
)

// Server hosts the Skydeck HTTP API on top of the plugin host.
type Server struct {
	cfg          *config.Config
	logger       hclog.Logger
	loader       *pluginhost.Loader
	store        *pluginhost.Store
	icons        *pluginhost.IconManager
	probe        pluginhost.SystemProbe
	eventBus     events.EventBus
	promRegistry *prometheus.Registry

	events *handlers.EventsHandler
	httpd  *http.Server
}

// Options carries the collaborators the server exposes over HTTP.
type Options struct {
	Config       *config.Config
	Logger       hclog.Logger
	Loader       *pluginhost.Loader
	Store        *pluginhost.Store
	Icons        *pluginhost.IconManager
	Probe        pluginhost.SystemProbe
	EventBus     events.EventBus
	PromRegistry *prometheus.Registry
}

// New creates the HTTP server. It does not start listening; call Start.
func New(opts Options) *Server {
	return &Server{
		cfg:          opts.Config,
		logger:       opts.Logger.Named("server"),
		loader:       opts.Loader,
		store:        opts.Store,
		icons:        opts.Icons,
		probe:        opts.Probe,
		eventBus:     opts.EventBus,
		promRegistry: opts.PromRegistry,
	}
}

// Router builds the configured gin engine.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Logging.Level != "debug" && s.cfg.Logging.Level != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(s.logger))

	if s.cfg.Server.EnableCORS {
		r.Use(middleware.CORS())
	}

	if len(s.cfg.Server.TrustedProxies) > 0 {
		r.SetTrustedProxies(s.cfg.Server.TrustedProxies)
	}

	s.setupRoutes(r)
	return r
}

// Start begins serving and blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	s.httpd = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.logger.Info("http server listening", "addr", addr)
	if err := s.httpd.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops the listener, draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpd == nil {
		return nil
	}
	s.logger.Info("shutting down http server")
	return s.httpd.Shutdown(ctx)
}
