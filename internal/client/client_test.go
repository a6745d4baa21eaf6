package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/model"
	"vlm-chat-server/internal/protocol"
)

// scriptedTransport replays a fixed event list per Stream call. A nil event
// in a script blocks until Cancel is called, then delivers the rest.
type scriptedTransport struct {
	mu        sync.Mutex
	scripts   [][]protocol.Event
	streamErr error
	requests  []model.GenerationRequest
	truncated []string
	cancelled []string
	history   []model.Message
	cancelCh  chan struct{}
	started   chan struct{}
}

func newScripted(scripts ...[]protocol.Event) *scriptedTransport {
	return &scriptedTransport{scripts: scripts, cancelCh: make(chan struct{}), started: make(chan struct{}, 8)}
}

func (s *scriptedTransport) Stream(ctx context.Context, req model.GenerationRequest, fn func(protocol.Event) error) error {
	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, req)
	var script []protocol.Event
	if n < len(s.scripts) {
		script = s.scripts[n]
	}
	s.mu.Unlock()
	s.started <- struct{}{}

	for _, ev := range script {
		if ev == nil {
			select {
			case <-s.cancelCh:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return s.streamErr
}

func (s *scriptedTransport) Cancel(_ context.Context, requestID string) error {
	s.mu.Lock()
	s.cancelled = append(s.cancelled, requestID)
	s.mu.Unlock()
	close(s.cancelCh)
	return nil
}

func (s *scriptedTransport) Truncate(_ context.Context, _ string, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncated = append(s.truncated, messageID)
	return nil
}

func (s *scriptedTransport) History(context.Context, string) ([]model.Message, error) {
	return s.history, nil
}

func (s *scriptedTransport) lastRequest() model.GenerationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func reply(thought, content string) []protocol.Event {
	events := []protocol.Event{protocol.Start{}}
	if thought != "" {
		events = append(events, protocol.ThoughtStart{}, protocol.ThoughtDelta{Thought: thought}, protocol.ThoughtEnd{})
	}
	events = append(events,
		protocol.ContentStart{},
		protocol.ContentDelta{Content: content},
		protocol.ContentEnd{},
		protocol.Done{TokensGenerated: 2},
	)
	return events
}

func TestSendMaterializesAssistantMessage(t *testing.T) {
	tr := newScripted(reply("pondering", "a cat"))
	c := New(tr, "s1", Options{})

	var states []State
	c.OnChange(func(s State, _ StreamState) { states = append(states, s) })

	msg, err := c.Send(context.Background(), "what is this?", []string{"http://img/1.png"})
	require.NoError(t, err)

	req := tr.lastRequest()
	assert.Equal(t, model.AssistantMessageID(req.RequestID), msg.ID)
	assert.Equal(t, "a cat", msg.Content)
	assert.Equal(t, "pondering", msg.Thought)

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.UserMessageID(req.RequestID), msgs[0].ID)
	assert.Equal(t, []model.Attachment{{Type: "image", URL: "http://img/1.png"}}, msgs[0].Attachments)
	assert.Equal(t, msg, msgs[1])

	assert.Equal(t, Idle, c.State())
	assert.Equal(t, StreamState{}, c.Stream())
	assert.Contains(t, states, StreamingThought)
	assert.Contains(t, states, StreamingContent)
	assert.Contains(t, states, Finalizing)
	assert.Equal(t, Idle, states[len(states)-1])
}

func TestSendRejectsSecondRequest(t *testing.T) {
	tr := newScripted([]protocol.Event{protocol.Start{}, nil, protocol.Cancelled{}})
	c := New(tr, "s1", Options{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "one", nil)
		done <- err
	}()
	<-tr.started

	_, err := c.Send(context.Background(), "two", nil)
	assert.ErrorIs(t, err, ErrRequestInFlight)
	_, err = c.Regenerate(context.Background(), "x")
	assert.ErrorIs(t, err, ErrRequestInFlight)

	require.NoError(t, c.Cancel(context.Background()))
	assert.ErrorIs(t, <-done, ErrCancelled)
}

func TestCancelKeepsPartialReply(t *testing.T) {
	tr := newScripted([]protocol.Event{
		protocol.Start{},
		protocol.ContentStart{},
		protocol.ContentDelta{Content: "half"},
		nil,
		protocol.ContentEnd{},
		protocol.Cancelled{PartialContent: "half"},
	})
	c := New(tr, "s1", Options{})

	type result struct {
		msg model.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := c.Send(context.Background(), "hi", nil)
		done <- result{msg, err}
	}()
	<-tr.started
	require.Eventually(t, func() bool { return c.Stream().CurrentContent == "half" }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Cancel(context.Background()))
	res := <-done
	assert.ErrorIs(t, res.err, ErrCancelled)
	assert.Equal(t, "half", res.msg.Content)
	assert.Equal(t, []string{tr.lastRequest().RequestID}, tr.cancelled)
	assert.Len(t, c.Messages(), 2)
	assert.Equal(t, Idle, c.State())
}

func TestCancelBeforeOutputAddsNoAssistantMessage(t *testing.T) {
	tr := newScripted([]protocol.Event{protocol.Start{}, nil, protocol.Cancelled{}})
	c := New(tr, "s1", Options{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "hi", nil)
		done <- err
	}()
	<-tr.started
	require.Eventually(t, func() bool { return c.State() == AwaitingResponse }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Cancel(context.Background()))

	assert.ErrorIs(t, <-done, ErrCancelled)
	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	tr := newScripted()
	c := New(tr, "s1", Options{})

	require.NoError(t, c.Cancel(context.Background()))
	assert.Empty(t, tr.cancelled)
}

func TestServerErrorKeepsUserMessageAndResets(t *testing.T) {
	tr := newScripted([]protocol.Event{
		protocol.Start{},
		protocol.ContentStart{},
		protocol.ContentDelta{Content: "lost"},
		protocol.ContentEnd{},
		protocol.Error{Code: apperr.CodeLLMTimeout, Message: "timed out"},
	})
	c := New(tr, "s1", Options{})

	var sawError bool
	c.OnChange(func(s State, _ StreamState) {
		if s == Error {
			sawError = true
		}
	})

	_, err := c.Send(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.Equal(t, apperr.CodeLLMTimeout, apperr.CodeOf(err))
	assert.Equal(t, err, c.LastError())
	assert.True(t, sawError)

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, StreamState{}, c.Stream())
	assert.Len(t, tr.requests, 1, "no automatic retry")
}

func TestTransportFailureSurfaces(t *testing.T) {
	tr := newScripted([]protocol.Event{protocol.Start{}, protocol.ContentStart{}})
	tr.streamErr = errors.New("connection reset")
	c := New(tr, "s1", Options{})

	_, err := c.Send(context.Background(), "hi", nil)
	assert.EqualError(t, err, "connection reset")
	assert.Equal(t, Idle, c.State())
	assert.Len(t, c.Messages(), 1)
}

func TestStreamWithoutTerminalIsAnError(t *testing.T) {
	tr := newScripted([]protocol.Event{protocol.Start{}})
	c := New(tr, "s1", Options{})

	_, err := c.Send(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, errNoTerminal)
}

func TestEditTruncatesThenSends(t *testing.T) {
	tr := newScripted(reply("", "first"), reply("", "second"), reply("", "edited"))
	c := New(tr, "s1", Options{})
	ctx := context.Background()

	_, err := c.Send(ctx, "one", nil)
	require.NoError(t, err)
	_, err = c.Send(ctx, "two", nil)
	require.NoError(t, err)
	require.Len(t, c.Messages(), 4)

	target := c.Messages()[2]
	msg, err := c.Edit(ctx, target.ID, "two, reworded")
	require.NoError(t, err)
	assert.Equal(t, "edited", msg.Content)

	assert.Equal(t, []string{target.ID}, tr.truncated)
	msgs := c.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two, reworded", msgs[2].Content)
	assert.Equal(t, "edited", msgs[3].Content)
}

func TestEditUnknownMessage(t *testing.T) {
	c := New(newScripted(), "s1", Options{})

	_, err := c.Edit(context.Background(), "nope", "x")
	assert.ErrorIs(t, err, apperr.ErrMessageNotFound)
}

func TestRegenerateUsesRegenerateFrom(t *testing.T) {
	tr := newScripted(reply("", "meh"), reply("", "better"))
	c := New(tr, "s1", Options{})
	ctx := context.Background()

	first, err := c.Send(ctx, "hi", nil)
	require.NoError(t, err)

	_, err = c.Regenerate(ctx, c.Messages()[0].ID)
	assert.ErrorIs(t, err, apperr.ErrValidation, "user messages cannot be regenerated")

	second, err := c.Regenerate(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "better", second.Content)

	req := tr.lastRequest()
	assert.Equal(t, first.ID, req.RegenerateFrom)
	assert.Empty(t, req.Message)

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "better", msgs[1].Content)
}

func TestImagesAndProgressTracked(t *testing.T) {
	images := []model.SearchResult{{URL: "http://img/cat.png", Title: "cat"}}
	tr := newScripted([]protocol.Event{
		protocol.Start{},
		protocol.ContentStart{},
		protocol.ContentDelta{Content: "here"},
		protocol.Progress{TokensGenerated: 50, MaxTokens: 100, Percentage: 50},
		protocol.ContentEnd{},
		protocol.Images{Images: images, Query: "cat"},
		protocol.Done{},
	})
	c := New(tr, "s1", Options{})

	var sawProgress bool
	c.OnChange(func(_ State, s StreamState) {
		if s.Progress != nil && s.Progress.TokensGenerated == 50 {
			sawProgress = true
		}
	})

	msg, err := c.Send(context.Background(), "show me", nil)
	require.NoError(t, err)
	assert.True(t, sawProgress)
	assert.Equal(t, images, msg.SearchResults)
}

func TestLoadReplacesMessages(t *testing.T) {
	tr := newScripted()
	tr.history = []model.Message{{ID: "m1", Role: model.RoleUser, Content: "old"}}
	c := New(tr, "s1", Options{})

	require.NoError(t, c.Load(context.Background()))
	assert.Equal(t, tr.history, c.Messages())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming_thought", StreamingThought.String())
	assert.Equal(t, "state(42)", State(42).String())
}
