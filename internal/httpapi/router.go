package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/aleks-frontend/ai-hero/internal/common"
	"github.com/aleks-frontend/ai-hero/internal/config"
	"github.com/aleks-frontend/ai-hero/internal/httpapi/handlers"
	"github.com/aleks-frontend/ai-hero/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, cfg config.Config, log *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID())
	r.Use(middleware.Metrics())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authLimit := middleware.RateLimit(rate.Limit(5), 10)
	r.POST("/users", authLimit, h.CreateUser)
	r.POST("/login", authLimit, h.Login)

	authed := r.Group("/")
	authed.Use(middleware.AuthRequired(cfg.JWTSecret))
	{
		authed.GET("/me", h.Me)
		authed.POST("/api/chat", h.ChatTurn)
		authed.GET("/api/request-count", h.RequestCount)
		authed.GET("/api/chats", h.ListChats)
		authed.GET("/api/chats/:chat_id", h.GetChat)
	}

	return r
}
