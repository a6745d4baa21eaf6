package hub

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

var (
	errClosed         = errors.New("hub: subscriber closed")
	errSlowSubscriber = errors.New("hub: subscriber buffer full")
)

// RedisRelay shares a Hub between processes over Redis pub/sub. Publish goes
// to Redis only; Run delivers everything received on the pattern into the
// local hub, including this process's own messages.
type RedisRelay struct {
	client redis.UniversalClient
	hub    *Hub
	prefix string
}

func NewRedisRelay(client redis.UniversalClient, h *Hub, prefix string) *RedisRelay {
	if prefix == "" {
		prefix = "vlm:"
	}
	return &RedisRelay{client: client, hub: h, prefix: prefix + "events:"}
}

func (r *RedisRelay) Publish(ctx context.Context, topic string, message []byte) error {
	return r.client.Publish(ctx, r.prefix+topic, message).Err()
}

// Run relays until ctx ends. The subscription is confirmed before ready is
// closed, so messages published after that are not missed.
func (r *RedisRelay) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			topic := strings.TrimPrefix(msg.Channel, r.prefix)
			if topic == msg.Channel {
				slog.Warn("hub: message on unexpected channel", slog.String("channel", msg.Channel))
				continue
			}
			r.hub.Broadcast(topic, []byte(msg.Payload))
		}
	}
}
