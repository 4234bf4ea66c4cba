package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mohammad-safakhou/webpilot/config"
	"github.com/mohammad-safakhou/webpilot/internal/agent/core"
	"github.com/mohammad-safakhou/webpilot/internal/agent/cua"
	"github.com/mohammad-safakhou/webpilot/internal/events"
	"github.com/mohammad-safakhou/webpilot/internal/memory"
	"github.com/mohammad-safakhou/webpilot/internal/telemetry"
)

// Server wires the shared dependencies behind the HTTP and WebSocket
// surfaces. Each session gets its own event bus and run loop; the store,
// provider, correlator and metrics are shared.
type Server struct {
	cfg        *config.Config
	store      memory.Store
	provider   core.Provider
	correlator *events.Correlator
	metrics    *telemetry.Metrics
	logger     *log.Logger
}

func New(cfg *config.Config) (*Server, error) {
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not configured")
	}
	if err := cfg.Storage.Redis.Validate(); err != nil {
		return nil, err
	}

	store, err := memory.NewRedisStore(context.Background(),
		cfg.Storage.Redis.Addr(), cfg.Storage.Redis.Password,
		cfg.Storage.Redis.DB, cfg.Storage.Redis.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("connecting session store: %w", err)
	}

	return &Server{
		cfg:        cfg,
		store:      store,
		provider:   core.NewOpenAIProvider(cfg.LLM),
		correlator: events.NewCorrelator(cfg.Agent.QueueTTL),
		metrics:    telemetry.New(),
		logger:     log.New(log.Writer(), "[SERVER] ", log.LstdFlags),
	}, nil
}

// newRuntime builds the per-session agent stack: one bus carrying that
// session's events and one run loop publishing on it.
func (s *Server) newRuntime() (*events.Bus, *core.Loop) {
	bus := events.NewBus()
	bus.SubscribeAll(func(ctx context.Context, ev events.Event) error {
		s.metrics.EventsPublished.WithLabelValues(ev.Type).Inc()
		return nil
	})
	turns := cua.New(s.cfg, s.provider, bus, s.correlator, s.metrics)
	loop := core.NewLoop(s.cfg, s.provider, s.store, bus, turns, s.metrics)
	return bus, loop
}

// Register mounts all routes on the echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/ws/:session_id", s.handleWS)

	api := e.Group("/api")
	api.POST("/chat", s.handleChat)
	api.GET("/conversation/:session_id", s.handleConversation)
}

// Run starts the HTTP server and blocks until it exits.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	srv, err := New(cfg)
	if err != nil {
		return err
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(srv.metrics.Handler()))
	srv.Register(e)

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8000"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
