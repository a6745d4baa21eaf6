// Package store keeps sessions and their ordered message history.
//
// All backends share the same guarantees: Append refreshes the TTL in the same
// step that adds the message, Append ignores a message id it already holds,
// and TruncateFrom removes the suffix and updates message_count as one step.
package store

import (
	"context"
	"strings"
	"time"

	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/model"
)

type Store interface {
	CreateSession(ctx context.Context, metadata map[string]string) (model.Session, error)
	GetSession(ctx context.Context, sessionID string) (model.Session, error)
	ListSessions(ctx context.Context) ([]model.Session, error)
	UpdateSessionMetadata(ctx context.Context, sessionID string, patch map[string]string) (model.Session, error)

	Append(ctx context.Context, sessionID string, msg model.Message) (int, error)
	Read(ctx context.Context, sessionID string, offset, limit int) ([]model.Message, int, error)
	TruncateFrom(ctx context.Context, sessionID, messageID string) (int, error)
	Touch(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
	UpdateMessage(ctx context.Context, sessionID, messageID string, patch model.MessagePatch) (model.Message, error)

	Close() error
}

type Options struct {
	TTL         time.Duration
	MaxMessages int
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.MaxMessages < 0 {
		o.MaxMessages = 0
	}
	return o
}

func prepareMessage(sessionID string, msg model.Message) (model.Message, error) {
	if msg.ID == "" {
		return model.Message{}, apperr.Validation("", "message id is required")
	}
	if msg.Role != model.RoleUser && msg.Role != model.RoleAssistant {
		return model.Message{}, apperr.Validation("", "invalid message role "+string(msg.Role))
	}
	msg.SessionID = sessionID
	if msg.CreatedAt == 0 {
		msg.CreatedAt = model.NowMillis()
	}
	return msg, nil
}

func applyMetadata(dst map[string]string, patch map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(patch))
	}
	for k, v := range patch {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if v == "" {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
	return dst
}

// window returns the [start, end) slice bounds for offset/limit over total
// items. A non-positive limit means everything from offset.
func window(total, offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return offset, end
}
