package llm

import (
	"context"
	"io"
	"sync"
	"time"

	"vlm-chat-server/internal/model"
)

// Step is one scripted action of a Fake stream.
type Step struct {
	Text     string
	ToolCall *ToolCall
	Usage    *model.Usage
	Err      error
	// Delay waits before the step is delivered.
	Delay time.Duration
	// Hang blocks until the stream is closed or its context ends.
	Hang bool
}

type Script struct {
	// OpenErr fails the Stream call itself.
	OpenErr error
	Steps   []Step
}

// TextScript streams the given chunks and ends.
func TextScript(chunks ...string) Script {
	steps := make([]Step, len(chunks))
	for i, c := range chunks {
		steps[i] = Step{Text: c}
	}
	return Script{Steps: steps}
}

// Fake is a scripted Backend. Each Stream call consumes the next script; the
// last script repeats once the list is exhausted.
type Fake struct {
	mu      sync.Mutex
	scripts []Script
	prompts []Prompt
}

func NewFake(scripts ...Script) *Fake {
	return &Fake{scripts: scripts}
}

func (f *Fake) Stream(ctx context.Context, p Prompt) (Stream, error) {
	f.mu.Lock()
	n := len(f.prompts)
	f.prompts = append(f.prompts, p)
	var script Script
	if len(f.scripts) > 0 {
		script = f.scripts[min(n, len(f.scripts)-1)]
	}
	f.mu.Unlock()

	if script.OpenErr != nil {
		return nil, script.OpenErr
	}
	return &fakeStream{ctx: ctx, steps: script.Steps, closed: make(chan struct{})}, nil
}

func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *Fake) Prompts() []Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Prompt(nil), f.prompts...)
}

type fakeStream struct {
	ctx       context.Context
	steps     []Step
	pos       int
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeStream) Recv() (Chunk, error) {
	if s.pos >= len(s.steps) {
		return Chunk{}, io.EOF
	}
	step := s.steps[s.pos]
	s.pos++

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			return Chunk{}, s.ctx.Err()
		case <-s.closed:
			return Chunk{}, io.ErrClosedPipe
		}
	}
	if step.Hang {
		select {
		case <-s.ctx.Done():
			return Chunk{}, s.ctx.Err()
		case <-s.closed:
			return Chunk{}, io.ErrClosedPipe
		}
	}
	if step.Err != nil {
		return Chunk{}, step.Err
	}
	return Chunk{Text: step.Text, ToolCall: step.ToolCall, Usage: step.Usage}, nil
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
