// Package hub fans encoded stream events out to the connections waiting on a
// request. Topics are request ids, plus CancelTopic for cancel requests.
package hub

import (
	"context"
	"sync"
)

// CancelTopic carries request ids whose generation should stop.
const CancelTopic = "cancel"

type Writer interface {
	Write(message []byte) error
	Close() error
}

// WriterFunc adapts a function to a Writer with a no-op Close.
type WriterFunc func(message []byte) error

func (f WriterFunc) Write(message []byte) error { return f(message) }
func (f WriterFunc) Close() error               { return nil }

// Publisher delivers a message to every subscriber of topic, in any process
// sharing the same bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, message []byte) error
}

type Subscription struct {
	Topic  string
	Writer Writer
}

type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

func New() *Hub {
	return &Hub{topics: make(map[string]map[*Subscription]struct{})}
}

func (h *Hub) Subscribe(topic string, w Writer) *Subscription {
	sub := &Subscription{Topic: topic, Writer: w}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Subscription]struct{})
	}
	h.topics[topic][sub] = struct{}{}
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.topics[sub.Topic]
	if set == nil {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.topics, sub.Topic)
	}
}

// Publish delivers locally. Subscribers whose writer fails are closed and
// dropped.
func (h *Hub) Publish(_ context.Context, topic string, message []byte) error {
	h.Broadcast(topic, message)
	return nil
}

func (h *Hub) Broadcast(topic string, message []byte) {
	h.mu.RLock()
	set := h.topics[topic]
	subs := make([]*Subscription, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	var failed []*Subscription
	for _, s := range subs {
		if err := s.Writer.Write(message); err != nil {
			failed = append(failed, s)
		}
	}
	for _, s := range failed {
		_ = s.Writer.Close()
		h.Unsubscribe(s)
	}
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Channel subscribes to topic and returns a buffered channel of messages. A
// subscriber that falls behind by more than buffer messages is dropped and
// its channel closed. The returned func unsubscribes.
func (h *Hub) Channel(topic string, buffer int) (<-chan []byte, func()) {
	w := &chanWriter{ch: make(chan []byte, buffer)}
	sub := h.Subscribe(topic, w)
	return w.ch, func() {
		h.Unsubscribe(sub)
		_ = w.Close()
	}
}

type chanWriter struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func (w *chanWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errClosed
	}
	select {
	case w.ch <- message:
		return nil
	default:
		return errSlowSubscriber
	}
}

func (w *chanWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	return nil
}
