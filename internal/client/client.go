// Package client is the consumer side of the chat stream. A Client owns the
// local message list of one session and folds the server's event sequence
// into it, over either the SSE or the websocket transport.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/model"
	"vlm-chat-server/internal/protocol"
)

var (
	ErrRequestInFlight = errors.New("client: a request is already in flight")
	errNoTerminal      = errors.New("client: stream ended without a terminal event")

	// ErrCancelled accompanies the partial message returned for a cancelled
	// generation.
	ErrCancelled = apperr.ErrCancelled
)

type State int

const (
	Idle State = iota
	AwaitingResponse
	StreamingThought
	StreamingContent
	Finalizing
	Cancelling
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingResponse:
		return "awaiting_response"
	case StreamingThought:
		return "streaming_thought"
	case StreamingContent:
		return "streaming_content"
	case Finalizing:
		return "finalizing"
	case Cancelling:
		return "cancelling"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StreamState is the in-progress view of the active generation. It is reset
// whenever a generation ends.
type StreamState struct {
	RequestID      string
	CurrentThought string
	CurrentContent string
	IsStreaming    bool
	IsCancelling   bool
	Progress       *protocol.Progress
	Images         []model.SearchResult
}

// Transport moves one generation between client and server. Stream delivers
// the events of req to fn in order and returns once a terminal event was
// delivered.
type Transport interface {
	Stream(ctx context.Context, req model.GenerationRequest, fn func(protocol.Event) error) error
	Cancel(ctx context.Context, requestID string) error
	Truncate(ctx context.Context, sessionID, messageID string) error
	History(ctx context.Context, sessionID string) ([]model.Message, error)
}

type Options struct {
	MaxTokens int
	Now       func() time.Time
}

type Client struct {
	transport Transport
	sessionID string
	opts      Options

	inFlight atomic.Bool

	mu        sync.Mutex
	state     State
	stream    StreamState
	messages  []model.Message
	lastErr   error
	observers []func(State, StreamState)
}

func New(transport Transport, sessionID string, opts Options) *Client {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{transport: transport, sessionID: sessionID, opts: opts}
}

func (c *Client) SessionID() string { return c.sessionID }

// OnChange registers fn to run after every state or stream change. fn runs
// on the goroutine that applied the change and must not call back into the
// client's mutating methods.
func (c *Client) OnChange(fn func(State, StreamState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Stream() StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamCopyLocked()
}

func (c *Client) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Message(nil), c.messages...)
}

func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Load replaces the local list with the server's history.
func (c *Client) Load(ctx context.Context) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrRequestInFlight
	}
	defer c.inFlight.Store(false)

	msgs, err := c.transport.History(ctx, c.sessionID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.messages = msgs
	c.mu.Unlock()
	return nil
}

// Send submits a user turn and blocks until the generation ends. It returns
// the materialized assistant message; a cancelled generation returns its
// partial message together with ErrCancelled.
func (c *Client) Send(ctx context.Context, text string, images []string) (model.Message, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return model.Message{}, ErrRequestInFlight
	}
	defer c.inFlight.Store(false)
	return c.send(ctx, text, images)
}

// Edit truncates the conversation at messageID on the server and locally,
// then sends text as a new turn.
func (c *Client) Edit(ctx context.Context, messageID, text string) (model.Message, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return model.Message{}, ErrRequestInFlight
	}
	defer c.inFlight.Store(false)

	if _, ok := c.indexOf(messageID); !ok {
		return model.Message{}, apperr.MessageNotFound(messageID)
	}
	if err := c.transport.Truncate(ctx, c.sessionID, messageID); err != nil {
		return model.Message{}, c.surface(err)
	}
	c.cutFrom(messageID)
	return c.send(ctx, text, nil)
}

// Regenerate drops the assistant message messageID and everything after it
// and asks the server to answer the preceding user turn again.
func (c *Client) Regenerate(ctx context.Context, messageID string) (model.Message, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return model.Message{}, ErrRequestInFlight
	}
	defer c.inFlight.Store(false)

	i, ok := c.indexOf(messageID)
	if !ok {
		return model.Message{}, apperr.MessageNotFound(messageID)
	}
	if c.Messages()[i].Role != model.RoleAssistant {
		return model.Message{}, apperr.Validation("", "only assistant messages can be regenerated")
	}
	c.cutFrom(messageID)

	return c.generate(ctx, model.GenerationRequest{
		RequestID:      model.NewID(),
		SessionID:      c.sessionID,
		RegenerateFrom: messageID,
		MaxTokens:      c.opts.MaxTokens,
	})
}

// Cancel asks the server to stop the active generation. The generation still
// ends through the normal cancelled event. Without an active generation it
// does nothing.
func (c *Client) Cancel(ctx context.Context) error {
	c.mu.Lock()
	rid := c.stream.RequestID
	if rid == "" || c.state == Idle || c.state == Finalizing {
		c.mu.Unlock()
		return nil
	}
	c.state = Cancelling
	c.stream.IsCancelling = true
	c.notifyLocked()
	c.mu.Unlock()

	return c.transport.Cancel(ctx, rid)
}

func (c *Client) send(ctx context.Context, text string, images []string) (model.Message, error) {
	rid := model.NewID()
	user := model.Message{
		ID:        model.UserMessageID(rid),
		SessionID: c.sessionID,
		RequestID: rid,
		Role:      model.RoleUser,
		Content:   text,
		Attachments: lo.Map(images, func(url string, _ int) model.Attachment {
			return model.Attachment{Type: "image", URL: url}
		}),
		CreatedAt: c.opts.Now().UnixMilli(),
	}
	c.mu.Lock()
	c.messages = append(c.messages, user)
	c.mu.Unlock()

	return c.generate(ctx, model.GenerationRequest{
		RequestID: rid,
		SessionID: c.sessionID,
		Message:   text,
		Images:    images,
		MaxTokens: c.opts.MaxTokens,
	})
}

func (c *Client) generate(ctx context.Context, req model.GenerationRequest) (model.Message, error) {
	c.mu.Lock()
	c.state = AwaitingResponse
	c.stream = StreamState{RequestID: req.RequestID, IsStreaming: true}
	c.lastErr = nil
	c.notifyLocked()
	c.mu.Unlock()

	r := &reconciler{client: c, requestID: req.RequestID}
	err := c.transport.Stream(ctx, req, func(ev protocol.Event) error {
		protocol.Dispatch(ev, r)
		return nil
	})
	switch {
	case r.terminal && r.err != nil:
		return model.Message{}, c.surface(r.err)
	case r.terminal && r.cancelled:
		return r.message, ErrCancelled
	case r.terminal:
		return r.message, nil
	case err == nil:
		err = errNoTerminal
	}
	return model.Message{}, c.surface(err)
}

// surface records err, passes through Error and resets to Idle. Output not
// yet materialized is discarded.
func (c *Client) surface(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	c.state = Error
	c.notifyLocked()
	c.state = Idle
	c.stream = StreamState{}
	c.notifyLocked()
	return err
}

func (c *Client) indexOf(messageID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, i, ok := lo.FindIndexOf(c.messages, func(m model.Message) bool { return m.ID == messageID })
	return i, ok
}

func (c *Client) cutFrom(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, i, ok := lo.FindIndexOf(c.messages, func(m model.Message) bool { return m.ID == messageID }); ok {
		c.messages = c.messages[:i:i]
	}
}

// update applies fn to the locked state and notifies observers.
func (c *Client) update(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
	c.notifyLocked()
}

func (c *Client) streamCopyLocked() StreamState {
	s := c.stream
	s.Images = append([]model.SearchResult(nil), c.stream.Images...)
	if c.stream.Progress != nil {
		p := *c.stream.Progress
		s.Progress = &p
	}
	return s
}

func (c *Client) notifyLocked() {
	if len(c.observers) == 0 {
		return
	}
	state, stream := c.state, c.streamCopyLocked()
	for _, fn := range c.observers {
		fn(state, stream)
	}
}

// reconciler folds one request's events into the client.
type reconciler struct {
	client    *Client
	requestID string

	terminal  bool
	cancelled bool
	message   model.Message
	err       error
}

func (r *reconciler) OnStart(protocol.Start) {}

func (r *reconciler) OnThoughtStart(protocol.ThoughtStart) {
	r.client.update(func() {
		if r.client.state != Cancelling {
			r.client.state = StreamingThought
		}
	})
}

func (r *reconciler) OnThoughtDelta(e protocol.ThoughtDelta) {
	r.client.update(func() { r.client.stream.CurrentThought += e.Thought })
}

func (r *reconciler) OnThoughtEnd(protocol.ThoughtEnd) {}

func (r *reconciler) OnContentStart(protocol.ContentStart) {
	r.client.update(func() {
		if r.client.state != Cancelling {
			r.client.state = StreamingContent
		}
	})
}

func (r *reconciler) OnContentDelta(e protocol.ContentDelta) {
	r.client.update(func() { r.client.stream.CurrentContent += e.Content })
}

func (r *reconciler) OnContentEnd(protocol.ContentEnd) {}

func (r *reconciler) OnImages(e protocol.Images) {
	r.client.update(func() { r.client.stream.Images = append(r.client.stream.Images, e.Images...) })
}

func (r *reconciler) OnProgress(e protocol.Progress) {
	r.client.update(func() { r.client.stream.Progress = &e })
}

func (r *reconciler) OnDone(protocol.Done) {
	r.terminal = true
	r.finalize(true)
}

func (r *reconciler) OnCancelled(e protocol.Cancelled) {
	r.terminal = true
	r.cancelled = true
	r.client.update(func() {
		// The cancelled payload is authoritative for what the server kept.
		if e.PartialContent != "" || e.PartialThought != "" {
			r.client.stream.CurrentContent = e.PartialContent
			r.client.stream.CurrentThought = e.PartialThought
		}
	})
	r.finalize(false)
}

func (r *reconciler) OnError(e protocol.Error) {
	r.terminal = true
	r.err = apperr.FromCode(e.Code, e.Message)
}

// finalize materializes the accumulated stream into one assistant message
// and returns to Idle. An empty cancelled stream materializes nothing.
func (r *reconciler) finalize(always bool) {
	c := r.client
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = Finalizing
	c.notifyLocked()

	s := c.stream
	if always || s.CurrentContent != "" || s.CurrentThought != "" {
		r.message = model.Message{
			ID:            model.AssistantMessageID(r.requestID),
			SessionID:     c.sessionID,
			RequestID:     r.requestID,
			Role:          model.RoleAssistant,
			Content:       s.CurrentContent,
			Thought:       s.CurrentThought,
			SearchResults: s.Images,
			CreatedAt:     c.opts.Now().UnixMilli(),
		}
		if !lo.ContainsBy(c.messages, func(m model.Message) bool { return m.ID == r.message.ID }) {
			c.messages = append(c.messages, r.message)
		}
	}

	c.state = Idle
	c.stream = StreamState{}
	c.notifyLocked()
}
