// Package server exposes the service over HTTP: the persistent WebSocket
// endpoint for clients, the internal publish endpoint for the alert engine,
// and health/metrics routes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/epiwatch/alertstream/internal/app"
	"github.com/epiwatch/alertstream/internal/broadcast"
	"github.com/epiwatch/alertstream/internal/config"
	"github.com/epiwatch/alertstream/internal/domain"
	"github.com/epiwatch/alertstream/internal/ratelimit"
	"github.com/epiwatch/alertstream/internal/registry"
)

// HealthChecker pings an external collaborator for the readiness probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server wires the HTTP surface to the broadcasting subsystem.
type Server struct {
	echo      *echo.Echo
	config    *config.Config
	registry  *registry.Registry
	index     *registry.SubscriptionIndex
	engine    *broadcast.Engine
	scheduler *app.Scheduler
	limiter   *ratelimit.Limiter
	auth      domain.AuthService
	offline   domain.OfflineQueue
	clock     clockwork.Clock
	checks    map[string]HealthChecker
	startTime time.Time
}

// NewServer creates the server. checks may be nil or partial; only the
// collaborators actually configured get probed for readiness.
func NewServer(
	cfg *config.Config,
	reg *registry.Registry,
	index *registry.SubscriptionIndex,
	engine *broadcast.Engine,
	scheduler *app.Scheduler,
	limiter *ratelimit.Limiter,
	authSvc domain.AuthService,
	offline domain.OfflineQueue,
	clock clockwork.Clock,
	checks map[string]HealthChecker,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		config:    cfg,
		registry:  reg,
		index:     index,
		engine:    engine,
		scheduler: scheduler,
		limiter:   limiter,
		auth:      authSvc,
		offline:   offline,
		clock:     clock,
		checks:    checks,
		startTime: clock.Now(),
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())

	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.GET("/ws", s.handleWebSocket, newHandshakeRateLimiter(s.config.HandshakesPerSecond, s.config.HandshakeBurst))

	s.echo.POST("/internal/alerts", s.handlePublishAlert)
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.Info("Request", attrs...)
			return nil
		},
	})
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

// Shutdown stops accepting requests and closes all live connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.CloseAll("server shutting down")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() *echo.Echo {
	return s.echo
}
