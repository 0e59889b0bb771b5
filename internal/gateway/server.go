// Package gateway is the HTTP surface over the engine (spec §6 "Engine API
// consumed by the gateway collaborator"). It mirrors the teacher's echo
// wiring — global recover/logger/CORS/request-id middleware, unauthenticated
// /health and /metrics, and an API-key-guarded /api/v1 group for everything
// else.
package gateway

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/sandboxengine/engine/internal/engine"
	enginemetrics "github.com/sandboxengine/engine/internal/metrics"
)

// Server holds the HTTP gateway's dependencies.
type Server struct {
	echo   *echo.Echo
	engine *engine.Engine
	apiKey string
}

// NewServer builds the HTTP gateway in front of eng. apiKey may be empty to
// disable authentication (local/dev use only).
func NewServer(eng *engine.Engine, apiKey string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, engine: eng, apiKey: apiKey}

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())

	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(enginemetrics.Handler()))

	api := e.Group("/api/v1")
	if apiKey != "" {
		api.Use(s.apiKeyMiddleware)
	}

	api.POST("/execute", s.execute)
	api.GET("/stream_execute", s.streamExecute)

	api.POST("/snapshots", s.createSnapshot)
	api.POST("/snapshots/:hash/restore", s.restoreSnapshot)
	api.GET("/snapshots", s.listSnapshots)
	api.GET("/snapshots/:hash", s.getSnapshot)
	api.DELETE("/snapshots/:hash", s.deleteSnapshot)

	api.POST("/branches", s.createBranch)
	api.GET("/branches", s.listBranches)
	api.POST("/branches/merge", s.mergeBranches)

	api.POST("/prewarm", s.prewarm)
	api.POST("/sessions/:id/stop", s.stopSession)
	api.POST("/sessions/:id/heartbeat", s.heartbeatSession)
	api.POST("/sessions/:id/extend", s.extendSession)
	api.GET("/metrics", s.engineMetrics)

	return s
}

func (s *Server) apiKeyMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Header.Get("Authorization") != "Bearer "+s.apiKey {
			return c.JSON(http.StatusUnauthorized, errBody("invalid or missing API key"))
		}
		return next(c)
	}
}

// Start serves the gateway on addr. It blocks until the listener closes.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the underlying HTTP server.
func (s *Server) Shutdown(c *http.Request) error {
	return s.echo.Shutdown(c.Context())
}

func errBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func (s *Server) health(c echo.Context) error {
	h := s.engine.Health(c.Request().Context())
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, h)
}
