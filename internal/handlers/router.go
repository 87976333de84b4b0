package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-call/config"
	"github.com/mossy-p/webrtc-call/internal/middleware"
	"github.com/mossy-p/webrtc-call/internal/redis"
)

// NewRouter wires the relay's HTTP and websocket endpoints.
func NewRouter(cfg *config.Config, store *redis.Store, hub *Hub, log *logrus.Entry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(log.WithField("component", "http")))

	// Global CORS middleware (runs before routing)
	router.Use(middleware.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(cfg.JWTSecret)
	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		apiGroup.POST("/rooms", auth, CreateRoom(store, log))
		apiGroup.GET("/rooms/:roomId", GetRoom(store))
		apiGroup.DELETE("/rooms/:roomId", auth, DeleteRoom(store, hub, log))

		apiGroup.POST("/v1/video-chat/findmatch", auth, FindMatch(store, hub, log))
	}

	// Signaling: join/leave, offer/answer/candidate and chat for any room.
	router.GET("/ws", hub.HandleSignaling)

	return router
}
