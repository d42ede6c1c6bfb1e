package handlers

import (
	"net/http"

	"github.com/RaghavKatta/webcam-guess-game-online/config"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/logger"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/metrics"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/middleware"
	"github.com/gin-gonic/gin"
)

// NewRouter wires every route of the rendezvous server
func NewRouter(cfg *config.Config, store RoomStore, hub *Hub, m *metrics.Metrics, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.LoggerWithWriter(log.Module("http").Writer()), gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(middleware.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": hub.Rooms()})
	})

	if cfg.MetricsEnabled && m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))
		apiGroup.GET("/rooms/:roomId", GetRoom(store, log))
		apiGroup.DELETE("/rooms/:roomId", middleware.JWTAuth(cfg.JWTSecret), DeleteRoom(store, hub, log))
	}

	wsAuth := middleware.OptionalJWTAuth(cfg.JWTSecret)
	if cfg.RequireAuth {
		wsAuth = middleware.JWTAuth(cfg.JWTSecret)
	}
	wsGroup := router.Group("/ws", wsAuth)
	{
		wsGroup.GET("/signal", hub.HandleSignaling)
	}

	return router
}
