// Package server exposes the operational HTTP surface: health, Prometheus
// metrics and corpus statistics. The agent-facing protocol is not served
// here.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CIRWEL/discovery-graph/internal/lifecycle"
	"github.com/CIRWEL/discovery-graph/internal/store"
)

// Server wires the ops endpoints over one storage backend.
type Server struct {
	echo      *echo.Echo
	store     store.Store
	lifecycle *lifecycle.Manager
	logger    *log.Logger
}

// New builds the server. lc may be nil; the cleanup endpoint then reports
// the feature as unavailable.
func New(st store.Store, lc *lifecycle.Manager, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	s := &Server{store: st, lifecycle: lc, logger: logger}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
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
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", s.healthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/stats", s.stats)
	e.POST("/cleanup", s.cleanup)

	s.echo = e
	return s
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start blocks serving until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Printf("listening on %s", addr)
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) healthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) stats(c echo.Context) error {
	stats, err := s.store.Stats(c.Request().Context())
	if err != nil {
		return fmt.Errorf("collect stats: %w", err)
	}
	return c.JSON(http.StatusOK, stats)
}

// cleanup triggers one lifecycle pass. ?dry_run=true previews without
// writing.
func (s *Server) cleanup(c echo.Context) error {
	if s.lifecycle == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "lifecycle manager not configured")
	}
	dryRun := c.QueryParam("dry_run") == "true"
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Minute)
	defer cancel()
	summary, err := s.lifecycle.RunCleanup(ctx, dryRun)
	if err != nil {
		return fmt.Errorf("cleanup run: %w", err)
	}
	return c.JSON(http.StatusOK, summary)
}
