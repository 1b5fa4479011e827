package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/aleks-frontend/ai-hero/internal/chat"
	"github.com/aleks-frontend/ai-hero/internal/config"
	"github.com/aleks-frontend/ai-hero/internal/httpapi/middleware"
	"github.com/aleks-frontend/ai-hero/internal/quota"
)

type Handler struct {
	DB     *gorm.DB
	Cfg    config.Config
	Log    *logrus.Logger
	Store  *chat.Store
	Ledger *quota.Ledger
	Orch   *chat.Orchestrator
}

func NewHandler(db *gorm.DB, cfg config.Config, log *logrus.Logger, store *chat.Store, ledger *quota.Ledger, orch *chat.Orchestrator) *Handler {
	return &Handler{
		DB:     db,
		Cfg:    cfg,
		Log:    log,
		Store:  store,
		Ledger: ledger,
		Orch:   orch,
	}
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(200, gin.H{"message": "pong"})
}
