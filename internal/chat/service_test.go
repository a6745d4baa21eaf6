package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/guard"
	"vlm-chat-server/internal/llm"
	"vlm-chat-server/internal/model"
	"vlm-chat-server/internal/protocol"
	"vlm-chat-server/internal/store"
)

type fixture struct {
	svc     *Service
	store   *store.MemoryStore
	guard   *guard.Memory
	backend *llm.Fake
	session model.Session
}

func newFixture(t *testing.T, opts Options, scripts ...llm.Script) *fixture {
	t.Helper()
	st := store.NewMemory(store.MemoryOptions{})
	t.Cleanup(func() { _ = st.Close() })
	g := guard.NewMemory()
	backend := llm.NewFake(scripts...)
	svc := NewService(Deps{Store: st, Guard: g, Backend: backend}, opts)

	sess, err := st.CreateSession(context.Background(), nil)
	require.NoError(t, err)
	return &fixture{svc: svc, store: st, guard: g, backend: backend, session: sess}
}

func (f *fixture) history(t *testing.T) []model.Message {
	t.Helper()
	msgs, _, err := f.store.Read(context.Background(), f.session.ID, 0, 0)
	require.NoError(t, err)
	return msgs
}

type searcherFunc func(ctx context.Context, query string, limit int) ([]model.SearchResult, error)

func (f searcherFunc) SearchImages(ctx context.Context, query string, limit int) ([]model.SearchResult, error) {
	return f(ctx, query, limit)
}

func TestGenerateStreamsContentAndPersistsBothTurns(t *testing.T) {
	f := newFixture(t, Options{}, llm.TextScript("Hel", "lo"))
	rec := protocol.NewRecorder()

	err := f.svc.Generate(context.Background(), model.GenerationRequest{
		RequestID: "r1", SessionID: f.session.ID, Message: "hi",
	}, rec)
	require.NoError(t, err)

	assert.Equal(t, []protocol.EventType{
		protocol.TypeStart,
		protocol.TypeContentStart,
		protocol.TypeContentDelta,
		protocol.TypeContentDelta,
		protocol.TypeContentEnd,
		protocol.TypeDone,
	}, rec.Types())
	assert.Equal(t, protocol.Start{RequestID: "r1"}, rec.Events()[0])

	msgs := f.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.Equal(t, "r1", msgs[0].RequestID)
	assert.Equal(t, "r1", msgs[1].RequestID)

	_, held := f.guard.Holder(f.session.ID)
	assert.False(t, held)
}

func TestGenerateSplitsThoughtAndContent(t *testing.T) {
	f := newFixture(t, Options{}, llm.TextScript("<thi", "nk>plan</th", "ink>answer"))
	rec := protocol.NewRecorder()

	require.NoError(t, f.svc.Generate(context.Background(), model.GenerationRequest{
		RequestID: "r1", SessionID: f.session.ID, Message: "q",
	}, rec))

	types := rec.Types()
	assert.Equal(t, protocol.TypeThoughtStart, types[1])
	assert.Contains(t, types, protocol.TypeThoughtEnd)
	assert.Contains(t, types, protocol.TypeContentStart)
	assert.Equal(t, protocol.TypeDone, types[len(types)-1])

	msgs := f.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "plan", msgs[1].Thought)
	assert.Equal(t, "answer", msgs[1].Content)
}

func TestGenerateRejectsBusySessionWithSingleError(t *testing.T) {
	f := newFixture(t, Options{}, llm.TextScript("x"))
	lock, err := f.guard.TryAcquire(context.Background(), f.session.ID, "other")
	require.NoError(t, err)
	defer f.guard.Release(context.Background(), lock)

	rec := protocol.NewRecorder()
	err = f.svc.Generate(context.Background(), model.GenerationRequest{
		RequestID: "r2", SessionID: f.session.ID, Message: "hi",
	}, rec)

	require.ErrorIs(t, err, apperr.ErrBusy)
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, protocol.Error{Code: apperr.CodeBusy, Message: apperr.MessageOf(err)}, rec.Last())
	assert.Empty(t, f.history(t))
	assert.Equal(t, 0, f.backend.Calls())
}

func TestGenerateValidation(t *testing.T) {
	f := newFixture(t, Options{MaxImages: 1}, llm.TextScript("x"))

	cases := []struct {
		name string
		req  model.GenerationRequest
		code string
	}{
		{"missing session", model.GenerationRequest{RequestID: "r", Message: "hi"}, apperr.CodeMissingSession},
		{"empty message", model.GenerationRequest{RequestID: "r", SessionID: f.session.ID}, apperr.CodeValidation},
		{"too many images", model.GenerationRequest{RequestID: "r", SessionID: f.session.ID, Images: []string{"a", "b"}}, apperr.CodeValidation},
		{"unknown session", model.GenerationRequest{RequestID: "r", SessionID: "nope", Message: "hi"}, apperr.CodeSessionNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := protocol.NewRecorder()
			err := f.svc.Generate(context.Background(), tc.req, rec)
			require.Error(t, err)
			assert.Equal(t, tc.code, apperr.CodeOf(err))
			assert.Equal(t, []protocol.EventType{protocol.TypeError}, rec.Types())
		})
	}
}

func TestCancelPersistsPartialReplyOnce(t *testing.T) {
	f := newFixture(t, Options{}, llm.Script{Steps: []llm.Step{
		{Text: "partial "},
		{Text: "answer"},
		{Hang: true},
	}})
	rec := protocol.NewRecorder()

	var wg sync.WaitGroup
	var genErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		genErr = f.svc.Generate(context.Background(), model.GenerationRequest{
			RequestID: "r1", SessionID: f.session.ID, Message: "hi",
		}, rec)
	}()

	require.Eventually(t, func() bool {
		n := 0
		for _, ty := range rec.Types() {
			if ty == protocol.TypeContentDelta {
				n++
			}
		}
		return n == 2
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.svc.Cancels().Cancel("r1"))
	wg.Wait()

	require.ErrorIs(t, genErr, apperr.ErrCancelled)
	assert.Equal(t, protocol.Cancelled{PartialContent: "partial answer"}, rec.Last())
	types := rec.Types()
	assert.Equal(t, protocol.TypeContentEnd, types[len(types)-2])

	msgs := f.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial answer", msgs[1].Content)

	_, held := f.guard.Holder(f.session.ID)
	assert.False(t, held)
	assert.Equal(t, 0, f.svc.Cancels().Active())
}

func TestCancelBeforeOutputStoresNothing(t *testing.T) {
	f := newFixture(t, Options{}, llm.Script{Steps: []llm.Step{{Hang: true}}})
	ctx, cancel := context.WithCancel(context.Background())
	rec := protocol.NewRecorder()

	done := make(chan error, 1)
	go func() {
		done <- f.svc.Generate(ctx, model.GenerationRequest{
			RequestID: "r1", SessionID: f.session.ID, Message: "hi",
		}, rec)
	}()
	require.Eventually(t, func() bool { return f.backend.Calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, apperr.ErrCancelled)
	assert.Equal(t, []protocol.EventType{protocol.TypeStart, protocol.TypeCancelled}, rec.Types())
	assert.Len(t, f.history(t), 1)
}

func TestIdleTimeoutFailsWithTimeoutCode(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: 30 * time.Millisecond}, llm.Script{Steps: []llm.Step{
		{Text: "slow"},
		{Hang: true},
	}})
	rec := protocol.NewRecorder()

	err := f.svc.Generate(context.Background(), model.GenerationRequest{
		RequestID: "r1", SessionID: f.session.ID, Message: "hi",
	}, rec)

	require.Error(t, err)
	assert.Equal(t, apperr.CodeLLMTimeout, apperr.CodeOf(err))
	last, ok := rec.Last().(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeLLMTimeout, last.Code)

	msgs := f.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "slow", msgs[1].Content)
}

func TestBackendErrorOnDirectPathEmitsError(t *testing.T) {
	f := newFixture(t, Options{}, llm.Script{OpenErr: apperr.Transient("", errors.New("503"))})
	rec := protocol.NewRecorder()

	err := f.svc.Generate(context.Background(), model.GenerationRequest{
		RequestID: "r1", SessionID: f.session.ID, Message: "hi",
	}, rec)

	require.ErrorIs(t, err, apperr.ErrTransient)
	assert.Equal(t, []protocol.EventType{protocol.TypeStart, protocol.TypeError}, rec.Types())
	assert.Equal(t, apperr.CodeLLMError, rec.Last().(protocol.Error).Code)
}

func TestExecuteLeavesUntouchedTransientFailureRetryable(t *testing.T) {
	f := newFixture(t, Options{},
		llm.Script{OpenErr: apperr.Transient("", errors.New("503"))},
		llm.TextScript("ok"),
	)
	rec := protocol.NewRecorder()
	req := model.GenerationRequest{RequestID: "r1", SessionID: f.session.ID, Message: "hi"}

	first := protocol.ResumeEncoder("r1", rec)
	err := f.svc.Execute(context.Background(), req, first)
	require.ErrorIs(t, err, apperr.ErrTransient)
	assert.False(t, first.Terminated())
	assert.Empty(t, rec.Events())

	second := protocol.ResumeEncoder("r1", rec)
	require.NoError(t, f.svc.Execute(context.Background(), req, second))
	assert.Equal(t, protocol.TypeDone, rec.Last().Type())

	msgs := f.history(t)
	require.Len(t, msgs, 2, "user turn must not be duplicated by the retry")
	assert.Equal(t, "ok", msgs[1].Content)
}

func TestExecuteFailureAfterOutputIsTerminal(t *testing.T) {
	f := newFixture(t, Options{}, llm.Script{Steps: []llm.Step{
		{Text: "half"},
		{Err: apperr.Transient("", errors.New("reset"))},
	}})
	rec := protocol.NewRecorder()
	enc := protocol.ResumeEncoder("r1", rec)

	err := f.svc.Execute(context.Background(), model.GenerationRequest{
		RequestID: "r1", SessionID: f.session.ID, Message: "hi",
	}, enc)

	require.Error(t, err)
	assert.True(t, enc.Terminated())
	assert.Equal(t, protocol.TypeError, rec.Last().Type())
	assert.Equal(t, "half", f.history(t)[1].Content)
}

func TestRegenerateReplacesReply(t *testing.T) {
	f := newFixture(t, Options{}, llm.TextScript("first"), llm.TextScript("second"))
	ctx := context.Background()
	require.NoError(t, f.svc.Generate(ctx, model.GenerationRequest{
		RequestID: "r1", SessionID: f.session.ID, Message: "hi",
	}, protocol.NewRecorder()))

	reply := model.AssistantMessageID("r1")
	require.NoError(t, f.svc.Generate(ctx, model.GenerationRequest{
		RequestID: "r2", SessionID: f.session.ID, RegenerateFrom: reply,
	}, protocol.NewRecorder()))

	msgs := f.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "r2", msgs[1].RequestID)

	prompts := f.backend.Prompts()
	require.Len(t, prompts, 2)
	require.Len(t, prompts[1].Messages, 1)
	assert.Equal(t, "hi", prompts[1].Messages[0].Content)
}

func TestRegenerateUnknownMessage(t *testing.T) {
	f := newFixture(t, Options{}, llm.TextScript("x"))
	rec := protocol.NewRecorder()

	err := f.svc.Generate(context.Background(), model.GenerationRequest{
		RequestID: "r1", SessionID: f.session.ID, RegenerateFrom: "missing",
	}, rec)

	require.ErrorIs(t, err, apperr.ErrMessageNotFound)
	assert.Equal(t, []protocol.EventType{protocol.TypeError}, rec.Types())
}

func TestToolCallEmitsImagesBeforeTerminal(t *testing.T) {
	st := store.NewMemory(store.MemoryOptions{})
	defer st.Close()
	backend := llm.NewFake(llm.Script{Steps: []llm.Step{
		{ToolCall: &llm.ToolCall{ID: "c1", Name: llm.SearchImagesTool, Arguments: `{"query":"cats"}`}},
		{Text: "here are cats"},
	}})
	var gotQuery string
	searcher := searcherFunc(func(_ context.Context, query string, limit int) ([]model.SearchResult, error) {
		gotQuery = query
		return []model.SearchResult{{URL: "https://img/1.jpg", Title: "cat"}}, nil
	})
	svc := NewService(Deps{Store: st, Guard: guard.NewMemory(), Backend: backend, Searcher: searcher}, Options{})
	sess, err := st.CreateSession(context.Background(), nil)
	require.NoError(t, err)

	rec := protocol.NewRecorder()
	require.NoError(t, svc.Generate(context.Background(), model.GenerationRequest{
		RequestID: "r1", SessionID: sess.ID, Message: "show me cats",
	}, rec))

	assert.Equal(t, "cats", gotQuery)
	assert.True(t, backend.Prompts()[0].Tools)
	types := rec.Types()
	require.GreaterOrEqual(t, len(types), 3)
	assert.Equal(t, protocol.TypeContentEnd, types[len(types)-3])
	assert.Equal(t, protocol.TypeImages, types[len(types)-2])
	assert.Equal(t, protocol.TypeDone, types[len(types)-1])

	msgs, _, err := st.Read(context.Background(), sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs[1].SearchResults, 1)
}

func TestTruncateRespectsGuard(t *testing.T) {
	f := newFixture(t, Options{}, llm.TextScript("a"))
	ctx := context.Background()
	require.NoError(t, f.svc.Generate(ctx, model.GenerationRequest{
		RequestID: "r1", SessionID: f.session.ID, Message: "hi",
	}, protocol.NewRecorder()))

	lock, err := f.guard.TryAcquire(ctx, f.session.ID, "busy")
	require.NoError(t, err)
	_, _, err = f.svc.Truncate(ctx, f.session.ID, model.AssistantMessageID("r1"))
	require.ErrorIs(t, err, apperr.ErrBusy)
	require.NoError(t, f.guard.Release(ctx, lock))

	removed, count, err := f.svc.Truncate(ctx, f.session.ID, model.AssistantMessageID("r1"))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, count)

	cleared, err := f.svc.ClearHistory(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)
	assert.Empty(t, f.history(t))
}

func TestBuildPromptWindowAndImages(t *testing.T) {
	history := []model.Message{
		{Role: model.RoleUser, Content: "look", Attachments: []model.Attachment{{Type: "image"}}},
		{Role: model.RoleAssistant, Content: "a dog"},
		{Role: model.RoleUser, Content: "and this?"},
	}
	req := model.GenerationRequest{Images: []string{"data:image/png;base64,xx"}}

	p := buildPrompt(history, req, Options{ContextMessages: 2, MaxTokens: 100}.withDefaults(), true)

	require.Len(t, p.Messages, 2)
	assert.Equal(t, "a dog", p.Messages[0].Content)
	assert.Equal(t, []string{"data:image/png;base64,xx"}, p.Messages[1].Images)
	assert.Equal(t, imageRecallNote+"and this?", p.Messages[1].Content)
	assert.False(t, p.Tools)
	assert.Equal(t, DefaultSystemPrompt, p.System)
	assert.Equal(t, 100, p.MaxTokens)
}

func TestAttachmentsKeepOnlyShortURLs(t *testing.T) {
	got := attachmentsFor([]string{"https://x/a.png", "data:image/png;base64,AAAA"})
	assert.Equal(t, []model.Attachment{{Type: "image", URL: "https://x/a.png"}, {Type: "image"}}, got)
}

func TestCancelBeforeRegisterIsRemembered(t *testing.T) {
	c := NewCancels()
	assert.False(t, c.Cancel("r1"))

	ctx, cancel := context.WithCancelCause(context.Background())
	c.Register("r1", cancel)
	assert.ErrorIs(t, context.Cause(ctx), ErrCancelRequested)

	now := time.Now()
	c.now = func() time.Time { return now }
	c.Cancel("r2")
	c.now = func() time.Time { return now.Add(tombstoneTTL + time.Second) }
	ctx2, cancel2 := context.WithCancelCause(context.Background())
	c.Register("r2", cancel2)
	assert.NoError(t, ctx2.Err())
}

func TestCancelRacingRegisterIsNeverLost(t *testing.T) {
	for i := 0; i < 500; i++ {
		c := NewCancels()
		ctx, cancel := context.WithCancelCause(context.Background())
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Register("r1", cancel)
		}()
		go func() {
			defer wg.Done()
			c.Cancel("r1")
		}()
		wg.Wait()
		require.ErrorIs(t, context.Cause(ctx), ErrCancelRequested, "iteration %d", i)
	}
}

func TestRegenerateOfUserMessageRemovesNothing(t *testing.T) {
	f := newFixture(t, Options{}, llm.TextScript("one"), llm.TextScript("two"), llm.TextScript("three"))
	ctx := context.Background()
	for _, rid := range []string{"r1", "r2"} {
		require.NoError(t, f.svc.Generate(ctx, model.GenerationRequest{
			RequestID: rid, SessionID: f.session.ID, Message: "hi " + rid,
		}, protocol.NewRecorder()))
	}
	require.Len(t, f.history(t), 4)

	rec := protocol.NewRecorder()
	err := f.svc.Generate(ctx, model.GenerationRequest{
		RequestID: "r3", SessionID: f.session.ID, RegenerateFrom: model.UserMessageID("r2"),
	}, rec)

	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, []protocol.EventType{protocol.TypeError}, rec.Types())
	assert.Len(t, f.history(t), 4)
	assert.Equal(t, 2, f.backend.Calls())
}

func TestReusedRequestIDIsRejected(t *testing.T) {
	f := newFixture(t, Options{}, llm.TextScript("one"), llm.TextScript("two"))
	ctx := context.Background()
	req := model.GenerationRequest{RequestID: "r1", SessionID: f.session.ID, Message: "hi"}
	require.NoError(t, f.svc.Generate(ctx, req, protocol.NewRecorder()))

	rec := protocol.NewRecorder()
	req.Message = "again"
	err := f.svc.Generate(ctx, req, rec)

	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, protocol.Error{Code: apperr.CodeValidation, Message: "request_id already used in this session"}, rec.Last())
	require.Len(t, rec.Events(), 1)
	assert.Len(t, f.history(t), 2)
	assert.Equal(t, 1, f.backend.Calls())
}
