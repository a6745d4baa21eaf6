package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/logging"
	"vlm-chat-server/internal/model"
	"vlm-chat-server/internal/protocol"
)

type ChatHandler struct {
	Dispatcher Dispatcher
}

type chatBody struct {
	SessionID      string   `json:"session_id"`
	Message        string   `json:"message"`
	Images         []string `json:"images"`
	RegenerateFrom string   `json:"regenerate_from"`
	RequestID      string   `json:"request_id"`
	MaxTokens      int      `json:"max_tokens"`
}

func (b chatBody) request() (model.GenerationRequest, error) {
	rid := strings.TrimSpace(b.RequestID)
	if rid == "" {
		rid = model.NewID()
	} else if len(rid) > 128 {
		return model.GenerationRequest{}, apperr.Validation("", "request_id is too long")
	}
	return model.GenerationRequest{
		RequestID:      rid,
		SessionID:      strings.TrimSpace(b.SessionID),
		Message:        b.Message,
		Images:         b.Images,
		RegenerateFrom: b.RegenerateFrom,
		MaxTokens:      b.MaxTokens,
	}, nil
}

// Stream answers with text/event-stream. Every event is one SSE frame whose
// name is the event type and whose data is the JSON envelope.
func (h *ChatHandler) Stream(c *gin.Context) {
	var body chatBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, apperr.CodeInvalidJSON, "Invalid request")
		return
	}
	req, err := body.request()
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	sink := protocol.SinkFunc(func(requestID string, ev protocol.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := protocol.Marshal(requestID, ev)
		if err != nil {
			return err
		}
		c.SSEvent(string(ev.Type()), string(data))
		c.Writer.Flush()
		return nil
	})

	err = h.Dispatcher.Dispatch(ctx, req, sink)
	if err != nil && !errors.Is(err, apperr.ErrCancelled) && apperr.HTTPStatus(err) >= 500 && ctx.Err() == nil {
		logging.FromContext(ctx).Warn("chat stream ended with error", slog.String("request_id", req.RequestID), slog.Any("error", err))
	}
}

func (h *ChatHandler) Cancel(c *gin.Context) {
	requestID := c.Param("request_id")
	if requestID == "" {
		badRequest(c, "", "request_id is required")
		return
	}
	if err := h.Dispatcher.Cancel(c.Request.Context(), requestID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"request_id": requestID, "status": "cancelling"})
}
