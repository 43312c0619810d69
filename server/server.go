// Package server exposes the gateway's HTTP surface: webhook ingest under
// /hooks, health, and Prometheus metrics.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lithammer/shortuuid/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hrygo/clawgate/gateway"
	"github.com/hrygo/clawgate/internal/config"
	"github.com/hrygo/clawgate/session"
)

// Server is the gateway HTTP front.
type Server struct {
	echo       *echo.Echo
	cfgFn      func() *config.Config
	coord      *gateway.Coordinator
	sessions   *session.Manager
	heartbeats *gateway.HeartbeatScheduler
	transforms *TransformRegistry
	started    time.Time
}

// New assembles the HTTP server and its routes.
func New(cfgFn func() *config.Config, coord *gateway.Coordinator, sessions *session.Manager,
	heartbeats *gateway.HeartbeatScheduler, transforms *TransformRegistry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: shortuuid.New,
	}))

	s := &Server{
		echo:       e,
		cfgFn:      cfgFn,
		coord:      coord,
		sessions:   sessions,
		heartbeats: heartbeats,
		transforms: transforms,
		started:    time.Now(),
	}

	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	hooks := e.Group("/hooks", s.requireToken, s.limitBody)
	hooks.POST("/wake", s.handleWake)
	hooks.POST("/agent", s.handleAgent)
	hooks.POST("/:name", s.handleMapping)

	return s
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Mount exposes an extra handler, e.g. the webchat WebSocket endpoint.
func (s *Server) Mount(path string, h http.Handler) {
	s.echo.GET(path, echo.WrapHandler(h))
}

// Start serves until the listener fails. Blocks.
func (s *Server) Start(addr string) error {
	slog.Info("HTTP server listening", "addr", addr)
	err := s.echo.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// StartUnix serves on a unix socket instead of a TCP address. Blocks.
func (s *Server) StartUnix(path string) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.echo.Listener = ln
	slog.Info("HTTP server listening", "socket", path)
	err = s.echo.Start("")
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"sessions":   s.sessions.Count(),
		"heartbeats": s.heartbeats.LastTicks(),
	})
}
