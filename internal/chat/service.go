// Package chat runs one generation end to end: it holds the session guard,
// records the user turn, streams the model through the think-tag parser into
// the event encoder and persists the assistant reply.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"
	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/guard"
	"vlm-chat-server/internal/llm"
	"vlm-chat-server/internal/logging"
	"vlm-chat-server/internal/metrics"
	"vlm-chat-server/internal/model"
	"vlm-chat-server/internal/protocol"
	"vlm-chat-server/internal/store"
)

type Options struct {
	SystemPrompt     string
	ContextMessages  int
	MaxTokens        int
	Temperature      float32
	ProgressInterval int
	// IdleTimeout fails a generation that receives no chunk for this long.
	IdleTimeout     time.Duration
	FinalizeTimeout time.Duration
	ImageLimit      int
	MaxImages       int
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ContextMessages <= 0 {
		o.ContextMessages = 20
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 50
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.FinalizeTimeout <= 0 {
		o.FinalizeTimeout = 5 * time.Second
	}
	if o.ImageLimit <= 0 {
		o.ImageLimit = 6
	}
	if o.MaxImages <= 0 {
		o.MaxImages = 5
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Deps struct {
	Store    store.Store
	Guard    guard.Guard
	Backend  llm.Backend
	Searcher llm.ImageSearcher
	Cancels  *Cancels
	Metrics  *metrics.Metrics
}

type Service struct {
	store    store.Store
	guard    guard.Guard
	backend  llm.Backend
	searcher llm.ImageSearcher
	cancels  *Cancels
	metrics  *metrics.Metrics
	opts     Options
}

func NewService(deps Deps, opts Options) *Service {
	if deps.Cancels == nil {
		deps.Cancels = NewCancels()
	}
	return &Service{
		store:    deps.Store,
		guard:    deps.Guard,
		backend:  deps.Backend,
		searcher: deps.Searcher,
		cancels:  deps.Cancels,
		metrics:  deps.Metrics,
		opts:     opts.withDefaults(),
	}
}

func (s *Service) Cancels() *Cancels { return s.cancels }

func (s *Service) Store() store.Store { return s.store }

// Validate checks a request before it is accepted for generation. A request
// id may be used only once per session.
func (s *Service) Validate(ctx context.Context, req model.GenerationRequest) error {
	if err := s.validate(ctx, req); err != nil {
		return err
	}
	history, _, err := s.store.Read(ctx, req.SessionID, 0, 0)
	if err != nil {
		return err
	}
	if lo.ContainsBy(history, func(m model.Message) bool { return m.RequestID == req.RequestID }) {
		return apperr.Validation("", "request_id already used in this session")
	}
	return nil
}

// validate holds the checks that still apply when a queued task is retried
// after its user turn was stored.
func (s *Service) validate(ctx context.Context, req model.GenerationRequest) error {
	if strings.TrimSpace(req.SessionID) == "" {
		return apperr.Validation(apperr.CodeMissingSession, "session_id is required")
	}
	if req.RequestID == "" {
		return apperr.Validation("", "request_id is required")
	}
	if !req.IsRegenerate() && strings.TrimSpace(req.Message) == "" && len(req.Images) == 0 {
		return apperr.Validation("", "message or images are required")
	}
	if len(req.Images) > s.opts.MaxImages {
		return apperr.Validation("", "too many images")
	}
	if _, err := s.store.GetSession(ctx, req.SessionID); err != nil {
		return err
	}
	return nil
}

// Generate runs a request on the direct path: the caller's sink receives the
// whole event sequence and failures are never retried. A request rejected
// before generation starts produces a single error event.
func (s *Service) Generate(ctx context.Context, req model.GenerationRequest, sink protocol.Sink) error {
	enc := protocol.NewEncoder(req.RequestID, sink)
	err := s.run(ctx, req, enc, "direct", false)
	if err != nil && !enc.Terminated() {
		if ferr := enc.Fail(apperr.CodeOf(err), apperr.MessageOf(err)); ferr != nil {
			logging.FromContext(ctx).Warn("failed to deliver error event", slog.Any("error", ferr))
		}
	}
	return err
}

// Execute runs one queue attempt. A transient or busy failure that happens
// before any thought or content reached the client is returned without a
// terminal event so the caller may try again. Every other outcome ends the
// event sequence before Execute returns.
func (s *Service) Execute(ctx context.Context, req model.GenerationRequest, enc *protocol.Encoder) error {
	return s.run(ctx, req, enc, "queue", true)
}

func (s *Service) run(ctx context.Context, req model.GenerationRequest, enc *protocol.Encoder, mode string, retryable bool) error {
	ctx = logging.WithRequestID(ctx, req.RequestID)
	check := s.Validate
	if retryable {
		// The producer ran the full check when the task was accepted.
		check = s.validate
	}
	if err := check(ctx, req); err != nil {
		return err
	}

	finish := s.metrics.StreamStarted(mode)
	err := guard.With(ctx, s.guard, req.SessionID, req.RequestID, func(ctx context.Context) error {
		return s.generate(ctx, req, enc, retryable)
	})
	switch {
	case err == nil:
		finish("done")
	case errors.Is(err, apperr.ErrCancelled):
		finish("cancelled")
	case errors.Is(err, apperr.ErrBusy):
		s.metrics.GuardConflict(mode)
		finish("busy")
	case !enc.Terminated():
		finish("retry")
	default:
		finish("error")
	}
	return err
}

func (s *Service) generate(ctx context.Context, req model.GenerationRequest, enc *protocol.Encoder, retryable bool) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.cancels.Register(req.RequestID, cancel)
	defer s.cancels.Unregister(req.RequestID)

	if errors.Is(context.Cause(ctx), ErrCancelRequested) {
		// Cancelled while still queued.
		if !enc.Started() {
			if err := enc.Start(); err != nil {
				return err
			}
		}
		_ = enc.Cancel(protocol.Cancelled{})
		return apperr.New(apperr.KindCancelled, apperr.CodeCancelled, "generation cancelled")
	}

	history, err := s.prepareHistory(ctx, req, retryable)
	if err != nil {
		return err
	}
	if !enc.Started() {
		if err := enc.Start(); err != nil {
			return err
		}
	}

	g := newGeneration(s, req, enc)
	prompt := buildPrompt(history, req, s.opts, s.searcher != nil)
	return g.stream(ctx, prompt, retryable)
}

// prepareHistory records the user turn, or for a regenerate drops the target
// reply and everything after it, and returns the resulting history.
func (s *Service) prepareHistory(ctx context.Context, req model.GenerationRequest, retryable bool) ([]model.Message, error) {
	if req.IsRegenerate() {
		if err := s.dropReply(ctx, req, retryable); err != nil {
			return nil, err
		}
	} else {
		userMsg := model.Message{
			ID:          model.UserMessageID(req.RequestID),
			RequestID:   req.RequestID,
			Role:        model.RoleUser,
			Content:     req.Message,
			Attachments: attachmentsFor(req.Images),
			CreatedAt:   s.opts.Now().UnixMilli(),
		}
		if _, err := s.store.Append(ctx, req.SessionID, userMsg); err != nil {
			return nil, err
		}
	}

	history, _, err := s.store.Read(ctx, req.SessionID, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 || history[len(history)-1].Role != model.RoleUser {
		return nil, apperr.Validation("", "no user message to answer")
	}
	return history, nil
}

// dropReply removes the reply being regenerated and everything after it. The
// target must be an assistant reply that answers an earlier user turn, and
// nothing is removed otherwise. A retried attempt finds its target already
// gone.
func (s *Service) dropReply(ctx context.Context, req model.GenerationRequest, retryable bool) error {
	history, _, err := s.store.Read(ctx, req.SessionID, 0, 0)
	if err != nil {
		return err
	}
	target, idx, ok := lo.FindIndexOf(history, func(m model.Message) bool { return m.ID == req.RegenerateFrom })
	if !ok {
		if retryable {
			return nil
		}
		return apperr.MessageNotFound(req.RegenerateFrom)
	}
	if target.Role != model.RoleAssistant {
		return apperr.Validation("", "only assistant replies can be regenerated")
	}
	if !lo.ContainsBy(history[:idx], func(m model.Message) bool { return m.Role == model.RoleUser }) {
		return apperr.Validation("", "no user message to answer")
	}
	_, err = s.store.TruncateFrom(ctx, req.SessionID, req.RegenerateFrom)
	return err
}

// Truncate removes messageID and every later message while holding the
// session guard, so it never races a generation.
func (s *Service) Truncate(ctx context.Context, sessionID, messageID string) (removed int, count int, err error) {
	err = guard.With(ctx, s.guard, sessionID, model.NewID(), func(ctx context.Context) error {
		removed, err = s.store.TruncateFrom(ctx, sessionID, messageID)
		if err != nil {
			return err
		}
		_, count, err = s.store.Read(ctx, sessionID, 0, 1)
		return err
	})
	if errors.Is(err, apperr.ErrBusy) {
		s.metrics.GuardConflict("http")
	}
	return removed, count, err
}

// ClearHistory drops every message of the session under the guard.
func (s *Service) ClearHistory(ctx context.Context, sessionID string) (int, error) {
	var removed int
	err := guard.With(ctx, s.guard, sessionID, model.NewID(), func(ctx context.Context) error {
		first, _, err := s.store.Read(ctx, sessionID, 0, 1)
		if err != nil || len(first) == 0 {
			return err
		}
		removed, err = s.store.TruncateFrom(ctx, sessionID, first[0].ID)
		return err
	})
	if errors.Is(err, apperr.ErrBusy) {
		s.metrics.GuardConflict("http")
	}
	return removed, err
}
