package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"duochat/internal/auth"
	"duochat/internal/chat"
	"duochat/internal/orchestrator"
)

type Deps struct {
	Hub   *orchestrator.Hub
	Store *chat.Store
	// Signer nil leaves the /v1 API unmounted; health and metrics stay.
	Signer *auth.Signer
	// Health reports whether backing services are reachable.
	Health       func(ctx context.Context) error
	HealthPath   string
	MetricsPath  string
	PingInterval time.Duration
	Logger       zerolog.Logger
}

func NewRouter(d Deps) *gin.Engine {
	logger := d.Logger.With().Str("component", "http").Logger()
	if d.HealthPath == "" {
		d.HealthPath = "/healthz"
	}
	if d.MetricsPath == "" {
		d.MetricsPath = "/metrics"
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(Recovery(logger))
	r.Use(RequestID())
	r.Use(RequestLogger(logger))

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET(d.HealthPath, func(c *gin.Context) {
		if d.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := d.Health(ctx); err != nil {
				c.String(http.StatusServiceUnavailable, "unhealthy: %v", err)
				return
			}
		}
		c.String(http.StatusOK, "ok")
	})
	r.GET(d.MetricsPath, gin.WrapH(promhttp.Handler()))

	if d.Signer == nil {
		return r
	}

	h := newHandler(d)
	v1 := r.Group("/v1")
	v1.Use(AuthRequired(d.Signer))

	v1.POST("/sessions", h.CreateSession)
	v1.GET("/sessions", h.ListSessions)
	v1.POST("/sessions/:id/load", h.LoadSession)
	v1.GET("/sessions/:id/turns", h.ListTurns)

	v1.POST("/messages", h.SendMessage)
	v1.POST("/preferred", h.MarkPreferred)
	v1.POST("/turns", h.PersistTurn)

	v1.POST("/loop", h.StartLoop)
	v1.DELETE("/loop", h.StopLoop)

	v1.GET("/state", h.State)
	v1.GET("/state/stream", h.StreamState)
	return r
}
