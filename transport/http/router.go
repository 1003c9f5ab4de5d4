package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/attendance/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions carries the optional parts of the router
type RouterOptions struct {
	Logger *slog.Logger

	// Gatherer serves /metrics when set
	Gatherer prometheus.Gatherer

	// AllowedOrigins may open the token stream cross-origin
	AllowedOrigins []string
}

// SetupRouter sets up the Gin router
func SetupRouter(svc *service.AttendanceService, opts RouterOptions) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(opts.Logger))

	handlers := NewAttendanceHandlers(svc, opts.Logger, opts.AllowedOrigins)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	// Issuer routes
	sessions := router.Group("/sessions")
	sessions.Use(IssuerMiddleware())
	{
		sessions.POST("", handlers.CreateSession)
		sessions.POST("/:id/start", handlers.StartSession)
		sessions.POST("/:id/stop", handlers.StopSession)
		sessions.POST("/:id/activate", handlers.ForceActivate)
		sessions.GET("/:id/status", handlers.Status)
		sessions.GET("/:id/token", handlers.CurrentToken)
		sessions.GET("/:id/attendance", handlers.ListAttendance)
		sessions.GET("/:id/stream", handlers.Stream)
	}

	// Scanner routes
	router.POST("/scan", ParticipantMiddleware(), handlers.Scan)

	return router
}
