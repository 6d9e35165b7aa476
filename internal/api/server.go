// Package api exposes the service over HTTP with echo. Every route under
// /api/v1 requires a bearer token.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/rendis/runway/internal/auth"
	"github.com/rendis/runway/internal/service"
	"github.com/rendis/runway/internal/streaming"
)

// Config controls the HTTP listener.
type Config struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Deps wires a Server.
type Deps struct {
	Service   *service.Service
	Publisher *streaming.Publisher
	Verifier  *auth.Verifier
	Logger    zerolog.Logger
}

// Server is the HTTP front end.
type Server struct {
	svc    *service.Service
	pub    *streaming.Publisher
	logger zerolog.Logger
	echo   *echo.Echo
}

func New(d Deps) *Server {
	s := &Server{
		svc:    d.Service,
		pub:    d.Publisher,
		logger: d.Logger.With().Str("component", "api").Logger(),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("runway"))
	e.Use(requestLogger(s.logger))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	v1 := e.Group("/api/v1", auth.Middleware(d.Verifier))

	v1.POST("/workflows", s.createTemplate)
	v1.GET("/workflows", s.listTemplates)
	v1.POST("/workflows/validate", s.validateTemplate)
	v1.GET("/workflows/:id", s.getTemplate)
	v1.PATCH("/workflows/:id", s.updateTemplate)
	v1.POST("/workflows/:id/deactivate", s.deactivateTemplate)
	v1.POST("/workflows/:id/execute", s.execute)
	v1.GET("/workflows/:id/diagram", s.templateDiagram)

	v1.GET("/executions", s.listExecutions)
	v1.GET("/executions/:id", s.getExecution)
	v1.GET("/executions/:id/steps", s.listSteps)
	v1.POST("/executions/:id/cancel", s.cancel)
	v1.GET("/executions/:id/stream", s.stream)
	v1.GET("/executions/:id/diagram", s.executionDiagram)

	v1.GET("/queues/:name/stats", s.queueStats)

	v1.POST("/schedules", s.createSchedule)
	v1.GET("/schedules", s.listSchedules)
	v1.POST("/schedules/:id/enable", s.enableSchedule)
	v1.POST("/schedules/:id/disable", s.disableSchedule)
	v1.DELETE("/schedules/:id", s.deleteSchedule)

	s.echo = e
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves on cfg.Addr until ctx is done, then shuts down gracefully.
// Open streams are closed by the shutdown.
func (s *Server) Run(ctx context.Context, cfg Config) error {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.echo,
		ReadHeaderTimeout: cfg.ReadTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", cfg.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown incomplete, closing")
		return srv.Close()
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}
