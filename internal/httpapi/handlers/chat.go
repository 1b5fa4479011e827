package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/aleks-frontend/ai-hero/internal/chat"
	"github.com/aleks-frontend/ai-hero/internal/common"
)

type wireMessage struct {
	ID    string        `json:"id"`
	Role  string        `json:"role" binding:"required"`
	Parts chat.PartList `json:"parts" binding:"required"`
}

type chatTurnReq struct {
	ChatID   string        `json:"chatId"`
	Language string        `json:"language"`
	Messages []wireMessage `json:"messages" binding:"required"`
}

func validRole(role string) bool {
	switch role {
	case "user", "assistant", "system":
		return true
	}
	return false
}

// ChatTurn is the gateway for one streamed chat turn: admission, chat id
// assignment, an immediate checkpoint of the inbound messages, then an SSE
// drain of the orchestrator's event channel.
func (h *Handler) ChatTurn(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	adm, err := h.Ledger.CheckAdmission(c.Request.Context(), uid)
	if err != nil {
		// without quota status the request fails closed
		h.Log.WithError(err).WithField("user_id", uid).Error("admission check failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if !adm.Allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": "Rate limit exceeded",
			"message": fmt.Sprintf(
				"You have exceeded the daily limit of %d requests. You have made %d requests today.",
				adm.Limit, adm.CurrentCount,
			),
			"currentCount": adm.CurrentCount,
			"limit":        adm.Limit,
		})
		return
	}

	var req chatTurnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if len(req.Messages) == 0 {
		common.Fail(c, http.StatusBadRequest, 10002, "messages required")
		return
	}
	for _, m := range req.Messages {
		if !validRole(m.Role) {
			common.Fail(c, http.StatusBadRequest, 10003, "invalid message role")
			return
		}
	}

	chatID := req.ChatID
	newChat := chatID == ""
	if newChat {
		chatID = uuid.NewString()
	}

	history := make([]chat.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		id := m.ID
		if id == "" {
			if gen, err := common.NewULID(); err == nil {
				id = gen
			}
		}
		history = append(history, chat.Message{
			MessageID: id,
			Role:      m.Role,
			Parts:     m.Parts,
		})
	}

	title := chat.TitleFromMessages(history)

	// checkpoint the inbound messages before streaming begins so a broken
	// stream still leaves the user's question durably recorded
	if err := h.Store.UpsertChat(c.Request.Context(), chat.UpsertChatParams{
		UserID:   uid,
		ChatID:   chatID,
		Title:    title,
		Messages: history,
	}); err != nil {
		if errors.Is(err, chat.ErrChatOwnership) {
			// hide existence
			common.Fail(c, http.StatusNotFound, 40404, "chat not found")
			return
		}
		h.Log.WithError(err).WithFields(map[string]any{
			"chat_id": chatID,
			"user_id": uid,
		}).Error("initial transcript checkpoint failed")
		common.Fail(c, http.StatusInternalServerError, 50002, "internal error")
		return
	}

	// counted only once the turn is actually admitted and checkpointed;
	// a ledger write error must not block the turn
	if !adm.IsAdmin {
		if err := h.Ledger.RecordRequest(c.Request.Context(), uid, "/api/chat"); err != nil {
			h.Log.WithError(err).WithField("user_id", uid).Warn("recording request event failed")
		}
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"streaming unsupported\"}\n\n")
		return
	}

	writeEvent := func(name string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"encoding failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", name, b)
		flusher.Flush()
	}

	// hard wall clock for the whole turn
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.Cfg.RequestTimeout)
	defer cancel()

	events := h.Orch.StreamTurn(ctx, chat.Turn{
		UserID:   uid,
		ChatID:   chatID,
		NewChat:  newChat,
		Title:    title,
		Language: req.Language,
		History:  history,
	})

	// heartbeat keeps idle proxies from dropping the stream
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			name := string(ev.Type)
			if ev.Type == chat.EventNewChat {
				name = "data"
			}
			writeEvent(name, ev)
			if ev.Type == chat.EventDone || ev.Type == chat.EventError {
				return
			}

		case <-ticker.C:
			writeEvent("ping", chat.Event{Type: chat.EventPing, TS: time.Now().Unix()})

		case <-ctx.Done():
			return
		}
	}
}

// RequestCount reports today's usage for the authenticated caller.
func (h *Handler) RequestCount(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	adm, err := h.Ledger.CheckAdmission(c.Request.Context(), uid)
	if err != nil {
		h.Log.WithError(err).WithField("user_id", uid).Error("admission check failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.OK(c, gin.H{
		"currentCount": adm.CurrentCount,
		"limit":        adm.Limit,
		"isAdmin":      adm.IsAdmin,
	})
}

func (h *Handler) ListChats(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chats, err := h.Store.ListChats(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to list chats")
		return
	}

	common.OK(c, gin.H{"chats": chats})
}

func (h *Handler) GetChat(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chatID := c.Param("chat_id")
	if chatID == "" {
		common.Fail(c, http.StatusBadRequest, 10004, "chat_id required")
		return
	}

	ch, err := h.Store.GetChat(c.Request.Context(), chatID, uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40404, "chat not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to load chat")
		return
	}

	common.OK(c, gin.H{"chat": ch})
}
