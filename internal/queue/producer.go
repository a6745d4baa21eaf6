package queue

import (
	"context"
	"fmt"
	"time"

	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/hub"
	"vlm-chat-server/internal/model"
	"vlm-chat-server/internal/protocol"
)

// Validator rejects a request before it is queued.
type Validator interface {
	Validate(ctx context.Context, req model.GenerationRequest) error
}

type Producer struct {
	broker    Broker
	bus       hub.Publisher
	validator Validator
	now       func() time.Time
}

func NewProducer(broker Broker, bus hub.Publisher, validator Validator) *Producer {
	return &Producer{broker: broker, bus: bus, validator: validator, now: time.Now}
}

// Submit records the task, publishes start for its request id and enqueues
// it. Subscribe to the request id before calling Submit to see every event.
func (p *Producer) Submit(ctx context.Context, req model.GenerationRequest) (string, error) {
	if req.RequestID == "" {
		req.RequestID = model.NewID()
	}
	if p.validator != nil {
		if err := p.validator.Validate(ctx, req); err != nil {
			return "", err
		}
	}

	enc := protocol.NewEncoder(req.RequestID, protocol.JSONSink(func(b []byte) error {
		return p.bus.Publish(ctx, req.RequestID, b)
	}))
	if err := enc.Start(); err != nil {
		return "", fmt.Errorf("publish start: %w", err)
	}

	task := model.QueueTask{
		ID:         req.RequestID,
		SessionID:  req.SessionID,
		RequestID:  req.RequestID,
		Payload:    req,
		Status:     model.TaskPending,
		EnqueuedAt: p.now().UnixMilli(),
	}
	id, err := p.broker.Enqueue(ctx, task)
	if err != nil {
		_ = enc.Fail(apperr.CodeInternal, "failed to queue request")
		return "", err
	}
	return id, nil
}

// Cancel asks every process on the bus to stop requestID.
func (p *Producer) Cancel(ctx context.Context, requestID string) error {
	return p.bus.Publish(ctx, hub.CancelTopic, []byte(requestID))
}

// RelayCancels applies every request id published on the cancel topic to
// cancel, which is normally chat.Cancels.Cancel.
func RelayCancels(h *hub.Hub, cancel func(requestID string) bool) *hub.Subscription {
	return h.Subscribe(hub.CancelTopic, hub.WriterFunc(func(msg []byte) error {
		cancel(string(msg))
		return nil
	}))
}
