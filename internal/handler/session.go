package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/chat"
	"vlm-chat-server/internal/model"
	"vlm-chat-server/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type SessionHandler struct {
	Store store.Store
	Chat  *chat.Service
}

type sessionBody struct {
	Metadata map[string]string `json:"metadata"`
}

type truncateBody struct {
	MessageID string `json:"message_id"`
}

func (h *SessionHandler) Create(c *gin.Context) {
	var body sessionBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, apperr.CodeInvalidJSON, "Invalid request")
			return
		}
	}

	sess, err := h.Store.CreateSession(c.Request.Context(), body.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.Store.ListSessions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// Get returns the session and extends its TTL.
func (h *SessionHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if err := h.Store.Touch(ctx, sessionID); err != nil {
		respondError(c, err)
		return
	}
	sess, err := h.Store.GetSession(ctx, sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *SessionHandler) Update(c *gin.Context) {
	var body sessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, apperr.CodeInvalidJSON, "Invalid request")
		return
	}
	if len(body.Metadata) == 0 {
		badRequest(c, "", "metadata is required")
		return
	}

	sess, err := h.Store.UpdateSessionMetadata(c.Request.Context(), c.Param("id"), body.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *SessionHandler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if _, err := h.Store.GetSession(ctx, sessionID); err != nil {
		respondError(c, err)
		return
	}
	if err := h.Store.Delete(ctx, sessionID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *SessionHandler) History(c *gin.Context) {
	offset, ok := queryInt(c, "offset", 0)
	if !ok || offset < 0 {
		badRequest(c, "", "Invalid offset")
		return
	}
	limit, ok := queryInt(c, "limit", defaultHistoryLimit)
	if !ok || limit <= 0 {
		badRequest(c, "", "Invalid limit")
		return
	}
	limit = min(limit, maxHistoryLimit)

	msgs, total, err := h.Store.Read(c.Request.Context(), c.Param("id"), offset, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"total":    total,
		"offset":   offset,
		"limit":    limit,
	})
}

func (h *SessionHandler) ClearHistory(c *gin.Context) {
	removed, err := h.Chat.ClearHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed, "message_count": 0})
}

func (h *SessionHandler) Truncate(c *gin.Context) {
	var body truncateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, apperr.CodeInvalidJSON, "Invalid request")
		return
	}
	if body.MessageID == "" {
		badRequest(c, "", "message_id is required")
		return
	}

	removed, count, err := h.Chat.Truncate(c.Request.Context(), c.Param("id"), body.MessageID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed, "message_count": count})
}

func (h *SessionHandler) UpdateMessage(c *gin.Context) {
	var patch model.MessagePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, apperr.CodeInvalidJSON, "Invalid request")
		return
	}
	if patch.Empty() {
		badRequest(c, "", "nothing to update")
		return
	}

	msg, err := h.Store.UpdateMessage(c.Request.Context(), c.Param("id"), c.Param("message_id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	return v, err == nil
}
