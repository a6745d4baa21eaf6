package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/model"
	"vlm-chat-server/internal/queue"
)

// TaskHandler reports queue task state. Broker is nil in direct delivery
// mode, where no task ever exists.
type TaskHandler struct {
	Broker queue.Broker
}

func (h *TaskHandler) Get(c *gin.Context) {
	taskID := c.Param("id")
	if h.Broker == nil {
		respondError(c, apperr.TaskNotFound(taskID))
		return
	}
	task, err := h.Broker.Status(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (h *TaskHandler) DeadLetters(c *gin.Context) {
	if h.Broker == nil {
		c.JSON(http.StatusOK, gin.H{"tasks": []model.QueueTask{}})
		return
	}
	tasks, err := h.Broker.DeadLetters(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if tasks == nil {
		tasks = []model.QueueTask{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}
