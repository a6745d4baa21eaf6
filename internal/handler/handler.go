// Package handler holds the gin handlers for the session API, the SSE chat
// stream, the websocket control channel and queue task lookups.
package handler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"
	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/chat"
	"vlm-chat-server/internal/hub"
	"vlm-chat-server/internal/logging"
	"vlm-chat-server/internal/model"
	"vlm-chat-server/internal/protocol"
	"vlm-chat-server/internal/queue"
)

func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		logging.FromContext(c.Request.Context()).Error("request failed", slog.Any("error", err))
	}
	c.JSON(status, gin.H{"error": apperr.MessageOf(err), "code": apperr.CodeOf(err)})
}

func badRequest(c *gin.Context, code, msg string) {
	respondError(c, apperr.Validation(code, msg))
}

// Dispatcher runs a generation and delivers its whole event sequence,
// including a lone error for a rejected request, to sink. It returns when
// the terminal event was delivered or ctx ended.
type Dispatcher interface {
	Dispatch(ctx context.Context, req model.GenerationRequest, sink protocol.Sink) error
	Cancel(ctx context.Context, requestID string) error
}

// DirectDispatcher generates in the calling goroutine.
type DirectDispatcher struct {
	Chat *chat.Service
}

func (d *DirectDispatcher) Dispatch(ctx context.Context, req model.GenerationRequest, sink protocol.Sink) error {
	return d.Chat.Generate(ctx, req, sink)
}

func (d *DirectDispatcher) Cancel(_ context.Context, requestID string) error {
	d.Chat.Cancels().Cancel(requestID)
	return nil
}

// QueueDispatcher submits to the queue and relays the worker's events from
// the hub. Leaving early does not stop the task.
type QueueDispatcher struct {
	Producer *queue.Producer
	Hub      *hub.Hub
	// Buffer bounds how far the caller may fall behind the worker.
	Buffer int
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, req model.GenerationRequest, sink protocol.Sink) error {
	buffer := d.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	events, unsubscribe := d.Hub.Channel(req.RequestID, buffer)
	defer unsubscribe()

	if _, err := d.Producer.Submit(ctx, req); err != nil {
		// A failed enqueue has already published start and error locally.
		if !relayBuffered(events, sink) {
			_ = protocol.NewEncoder(req.RequestID, sink).Fail(apperr.CodeOf(err), apperr.MessageOf(err))
		}
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-events:
			if !ok {
				return fmt.Errorf("event relay for %s fell behind", req.RequestID)
			}
			rid, ev, err := protocol.Unmarshal(data)
			if err != nil {
				logging.FromContext(ctx).Warn("dropping undecodable event", slog.Any("error", err))
				continue
			}
			if err := sink.Send(rid, ev); err != nil {
				return err
			}
			if protocol.IsTerminal(ev) {
				return nil
			}
		}
	}
}

func (d *QueueDispatcher) Cancel(ctx context.Context, requestID string) error {
	return d.Producer.Cancel(ctx, requestID)
}

// relayBuffered forwards events already waiting on ch and reports whether a
// terminal event was among them.
func relayBuffered(ch <-chan []byte, sink protocol.Sink) bool {
	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return false
			}
			rid, ev, err := protocol.Unmarshal(data)
			if err != nil {
				continue
			}
			if sink.Send(rid, ev) != nil {
				return true
			}
			if protocol.IsTerminal(ev) {
				return true
			}
		default:
			return false
		}
	}
}
