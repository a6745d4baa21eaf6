package server

import (
	"github.com/gin-gonic/gin"
	"vlm-chat-server/internal/auth"
	"vlm-chat-server/internal/chat"
	"vlm-chat-server/internal/handler"
	"vlm-chat-server/internal/metrics"
	"vlm-chat-server/internal/middleware"
	"vlm-chat-server/internal/queue"
	"vlm-chat-server/internal/store"
)

type Deps struct {
	Store      store.Store
	Chat       *chat.Service
	Dispatcher handler.Dispatcher
	// Broker is nil in direct delivery mode.
	Broker  queue.Broker
	Metrics *metrics.Metrics
	// TokenConfig gates /api/v1 when its secret is set.
	TokenConfig auth.TokenConfig
	// RateLimiter throttles chat submissions per client when set.
	RateLimiter *middleware.RateLimiter
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(deps.Metrics.Middleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	r.GET("/metrics", deps.Metrics.Handler())

	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = &handler.DirectDispatcher{Chat: deps.Chat}
	}

	api := r.Group("/api/v1")
	if deps.TokenConfig.Secret != "" {
		api.Use(middleware.RequireAuth(deps.TokenConfig))
	}

	sessionHandler := &handler.SessionHandler{Store: deps.Store, Chat: deps.Chat}
	api.POST("/sessions", sessionHandler.Create)
	api.GET("/sessions", sessionHandler.List)
	api.GET("/sessions/:id", sessionHandler.Get)
	api.PATCH("/sessions/:id", sessionHandler.Update)
	api.DELETE("/sessions/:id", sessionHandler.Delete)
	api.GET("/sessions/:id/history", sessionHandler.History)
	api.DELETE("/sessions/:id/history", sessionHandler.ClearHistory)
	api.POST("/sessions/:id/truncate", sessionHandler.Truncate)
	api.PATCH("/sessions/:id/messages/:message_id", sessionHandler.UpdateMessage)

	chatHandler := &handler.ChatHandler{Dispatcher: dispatcher}
	limited := func(h gin.HandlerFunc) []gin.HandlerFunc {
		if deps.RateLimiter == nil {
			return []gin.HandlerFunc{h}
		}
		return []gin.HandlerFunc{middleware.RateLimitMiddleware(deps.RateLimiter), h}
	}
	api.POST("/chat/stream", limited(chatHandler.Stream)...)
	api.POST("/chat/:request_id/cancel", chatHandler.Cancel)

	taskHandler := &handler.TaskHandler{Broker: deps.Broker}
	api.GET("/tasks/:id", taskHandler.Get)
	api.GET("/queue/dead-letters", taskHandler.DeadLetters)

	wsHandler := &handler.WebSocketHandler{Dispatcher: dispatcher}
	api.GET("/ws", limited(wsHandler.Serve)...)

	return r
}
