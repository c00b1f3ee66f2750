package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/celerix-dev/celerix-beacon/internal/app"
	"github.com/celerix-dev/celerix-beacon/internal/realtime"
)

// NewRouter wires every route onto a gin engine.
func NewRouter(e *app.Engine, log *slog.Logger) *gin.Engine {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "api")
	h := &Handler{
		Engine: e,
		WS:     &realtime.WSServer{Hub: e.Hub, Ack: e.Ack, Log: log},
		Log:    log,
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLog(log), cors())

	r.GET("/healthz", h.Healthz)
	gatherer := e.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	apiGroup := r.Group("/api", RequireUser())
	{
		apiGroup.PUT("/users/me", h.PutMe)
		apiGroup.GET("/users/:id", h.GetUser)
		apiGroup.GET("/settings", h.GetSettings)
		apiGroup.PUT("/settings", h.PutSettings)

		apiGroup.POST("/status", h.SetStatus)
		apiGroup.GET("/status", h.GetStatus)
		apiGroup.GET("/status/history", h.GetHistory)
		apiGroup.GET("/status/:user", h.GetFriendStatus)

		apiGroup.GET("/friends", h.GetFriends)
		apiGroup.POST("/friends/requests", h.RequestFriend)
		apiGroup.POST("/friends/requests/:id/accept", h.AcceptFriend)
		apiGroup.POST("/friends/requests/:id/deny", h.DenyFriend)
		apiGroup.DELETE("/friends/:id", h.RemoveFriend)

		apiGroup.GET("/notifications", h.ListNotifications)
		apiGroup.POST("/notifications/read-all", h.MarkAllRead)
		apiGroup.POST("/notifications/:id/read", h.MarkRead)
		apiGroup.POST("/notifications/:id/delivered", h.MarkDelivered)

		apiGroup.POST("/messages", h.SendMessage)
		apiGroup.GET("/messages/templates", h.Templates)
		apiGroup.GET("/messages/:user", h.Conversation)
		apiGroup.POST("/messages/:user/:id/read", h.MarkMessageRead)

		apiGroup.GET("/escalations/:user", h.GetEscalation)
		apiGroup.POST("/escalations/:user/ack", h.AckEscalation)

		apiGroup.GET("/realtime", h.Realtime)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func requestLog(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, "+UserHeader)
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
