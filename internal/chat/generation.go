package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/llm"
	"vlm-chat-server/internal/logging"
	"vlm-chat-server/internal/model"
	"vlm-chat-server/internal/parser"
	"vlm-chat-server/internal/protocol"
)

var (
	errIdle     = errors.New("no output from model within idle timeout")
	errSinkGone = errors.New("event sink failed")
)

type recvResult struct {
	chunk llm.Chunk
	err   error
}

// generation is the state of one streaming run.
type generation struct {
	svc     *Service
	req     model.GenerationRequest
	enc     *protocol.Encoder
	parser  *parser.Parser
	tracker *protocol.ProgressTracker
	usage   *model.Usage
	images  []model.SearchResult
}

func newGeneration(s *Service, req model.GenerationRequest, enc *protocol.Encoder) *generation {
	maxTokens := s.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	return &generation{
		svc:     s,
		req:     req,
		enc:     enc,
		parser:  parser.New(),
		tracker: protocol.NewProgressTracker(s.opts.ProgressInterval, maxTokens, s.opts.Now),
	}
}

func (g *generation) stream(ctx context.Context, prompt llm.Prompt, retryable bool) error {
	stream, err := g.svc.backend.Stream(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return g.interrupted(ctx, retryable)
		}
		return g.fail(ctx, err, retryable)
	}
	defer stream.Close()

	chunks := make(chan recvResult)
	done := make(chan struct{})
	defer close(done)
	logging.SafeGo("chat.pump", func() {
		for {
			c, err := stream.Recv()
			select {
			case chunks <- recvResult{chunk: c, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	})

	idle := time.NewTimer(g.svc.opts.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return g.interrupted(ctx, retryable)
		case <-idle.C:
			return g.fail(ctx, apperr.Transient(apperr.CodeLLMTimeout, errIdle), retryable)
		case r := <-chunks:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(g.svc.opts.IdleTimeout)

			if errors.Is(r.err, io.EOF) {
				return g.complete(ctx)
			}
			if r.err != nil {
				if ctx.Err() != nil {
					return g.interrupted(ctx, retryable)
				}
				return g.fail(ctx, r.err, retryable)
			}
			if err := g.handle(ctx, r.chunk); err != nil {
				return g.interrupted(withCause(ctx, errSinkGone), retryable)
			}
		}
	}
}

func (g *generation) handle(ctx context.Context, c llm.Chunk) error {
	switch {
	case c.Usage != nil:
		g.usage = c.Usage
	case c.ToolCall != nil:
		g.searchImages(ctx, c.ToolCall)
	case c.Text != "":
		if err := g.apply(g.parser.Feed(c.Text)); err != nil {
			return err
		}
		if p, due := g.tracker.Tick(); due {
			return g.enc.Progress(p)
		}
	}
	return nil
}

func (g *generation) apply(segs []parser.Segment) error {
	for _, seg := range segs {
		switch seg.Kind {
		case parser.ThoughtDelta:
			g.svc.metrics.Tokens("thought", 1)
		case parser.ContentDelta:
			g.svc.metrics.Tokens("content", 1)
		}
	}
	return g.enc.ApplyAll(segs)
}

func (g *generation) searchImages(ctx context.Context, call *llm.ToolCall) {
	if call.Name != llm.SearchImagesTool || g.svc.searcher == nil {
		return
	}
	query := llm.QueryFromArguments(call.Arguments)
	if query == "" {
		return
	}
	results, err := g.svc.searcher.SearchImages(ctx, query, g.svc.opts.ImageLimit)
	if err != nil {
		logging.FromContext(ctx).Warn("image search failed", slog.String("query", query), slog.Any("error", err))
		return
	}
	if len(results) == 0 {
		return
	}
	g.images = append(g.images, results...)
	if err := g.enc.Images(results, query); err != nil {
		logging.FromContext(ctx).Warn("failed to queue images event", slog.Any("error", err))
	}
}

// complete finishes a stream that ended normally: the reply is stored before
// done is sent, so a client that reloads on done sees it.
func (g *generation) complete(ctx context.Context) error {
	if err := g.apply(g.parser.Finish()); err != nil {
		return g.interrupted(withCause(ctx, errSinkGone), false)
	}
	if err := g.persist(ctx, true); err != nil {
		_ = g.enc.Fail(apperr.CodeInternal, "failed to save reply")
		return apperr.Internal(err)
	}
	doneEv := g.tracker.DoneStats()
	doneEv.Usage = g.usage
	return g.enc.Done(doneEv)
}

// interrupted handles a cancelled context: an explicit cancel, a dropped
// client or a worker shutting down.
func (g *generation) interrupted(ctx context.Context, retryable bool) error {
	cause := context.Cause(ctx)
	if retryable && !errors.Is(cause, ErrCancelRequested) && !g.enc.Touched() {
		// Shutdown before anything was shown: leave the task for redelivery.
		return ctx.Err()
	}

	_ = g.apply(g.parser.Finish())
	if err := g.persist(ctx, false); err != nil {
		logging.FromContext(ctx).Error("failed to save partial reply", slog.Any("error", err))
	}
	if err := g.enc.Cancel(protocol.Cancelled{
		PartialContent: g.parser.Content(),
		PartialThought: g.parser.Thought(),
	}); err != nil && !errors.Is(cause, errSinkGone) {
		logging.FromContext(ctx).Warn("failed to deliver cancelled event", slog.Any("error", err))
	}
	return apperr.Wrap(cause, apperr.KindCancelled, apperr.CodeCancelled, "generation cancelled")
}

func (g *generation) fail(ctx context.Context, err error, retryable bool) error {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		err = apperr.Transient(apperr.CodeLLMError, err)
	}
	if retryable && apperr.IsRetryable(err) && !g.enc.Touched() {
		return err
	}

	_ = g.apply(g.parser.Finish())
	if perr := g.persist(ctx, false); perr != nil {
		logging.FromContext(ctx).Error("failed to save partial reply", slog.Any("error", perr))
	}
	if ferr := g.enc.Fail(apperr.CodeOf(err), apperr.MessageOf(err)); ferr != nil {
		logging.FromContext(ctx).Warn("failed to deliver error event", slog.Any("error", ferr))
	}
	logging.FromContext(ctx).Warn("generation failed", slog.Any("error", err))
	return err
}

// persist stores the assistant reply. Partial replies are stored only when
// something was produced. The write survives cancellation of ctx.
func (g *generation) persist(ctx context.Context, complete bool) error {
	content, thought := g.parser.Content(), g.parser.Thought()
	if !complete && content == "" && thought == "" {
		return nil
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.svc.opts.FinalizeTimeout)
	defer cancel()

	msg := model.Message{
		ID:            model.AssistantMessageID(g.req.RequestID),
		RequestID:     g.req.RequestID,
		Role:          model.RoleAssistant,
		Content:       content,
		Thought:       thought,
		SearchResults: g.images,
		CreatedAt:     g.svc.opts.Now().UnixMilli(),
	}
	_, err := g.svc.store.Append(fctx, g.req.SessionID, msg)
	return err
}

func withCause(ctx context.Context, cause error) context.Context {
	cctx, cancel := context.WithCancelCause(ctx)
	cancel(cause)
	return cctx
}
