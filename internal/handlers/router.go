package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mossy-p/mesh-signaling/internal/middleware"
)

// RouterConfig wires the handlers into one gin engine.
type RouterConfig struct {
	AllowedOrigins []string
	JWTSecret      string
	Rooms          *RoomHandler
	Signaling      *SignalingHandler
	// Metrics is served at /metrics when set.
	Metrics http.Handler
	Logger  zerolog.Logger
}

// NewRouter builds the relay server's HTTP surface.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(cfg.Logger))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		apiGroup.POST("/rooms", middleware.JWTAuth(cfg.JWTSecret), cfg.Rooms.Create)
		apiGroup.GET("/rooms/:roomId", cfg.Rooms.Get)
		apiGroup.GET("/rooms/:roomId/presence", cfg.Rooms.Presence)
		apiGroup.DELETE("/rooms/:roomId", middleware.JWTAuth(cfg.JWTSecret), cfg.Rooms.Delete)
	}

	// Relay endpoint; rooms are joined with join-room events on the socket.
	router.GET("/ws/signal", cfg.Signaling.Handle)

	return router
}

// RequestLogger logs one line per request.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = logger.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
