package protocol

import (
	"errors"
	"fmt"
	"sync"

	"vlm-chat-server/internal/model"
	"vlm-chat-server/internal/parser"
)

var (
	ErrTerminated = errors.New("protocol: stream already terminated")
	ErrOutOfOrder = errors.New("protocol: event out of order")
)

type block int

const (
	blockNone block = iota
	blockOpen
	blockClosed
)

// Encoder turns parser segments and side-channel signals for one request into
// an ordered event sequence:
//
//	start [thought_start thought_delta* thought_end] [content_start content_delta* content_end]
//	[images] (done | error | cancelled)
//
// with progress allowed anywhere after start. Images are held until the
// blocks close so they never split one. Nothing is written after the terminal
// event.
type Encoder struct {
	mu         sync.Mutex
	requestID  string
	sink       Sink
	started    bool
	terminated bool
	thought    block
	content    block
	deltas     int
	images     *Images
}

func NewEncoder(requestID string, sink Sink) *Encoder {
	return &Encoder{requestID: requestID, sink: sink}
}

// ResumeEncoder continues a request whose start event was already sent by
// someone else, such as the queue producer.
func ResumeEncoder(requestID string, sink Sink) *Encoder {
	return &Encoder{requestID: requestID, sink: sink, started: true}
}

func (e *Encoder) RequestID() string { return e.requestID }

func (e *Encoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return ErrTerminated
	}
	if e.started {
		return fmt.Errorf("%w: start sent twice", ErrOutOfOrder)
	}
	e.started = true
	return e.send(Start{RequestID: e.requestID})
}

// Apply emits the event for one parser segment.
func (e *Encoder) Apply(seg parser.Segment) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return err
	}

	switch seg.Kind {
	case parser.ThoughtStart:
		if e.thought != blockNone || e.content != blockNone {
			return fmt.Errorf("%w: thought block after %s", ErrOutOfOrder, e.describe())
		}
		e.thought = blockOpen
		return e.send(ThoughtStart{})
	case parser.ThoughtDelta:
		if e.thought != blockOpen {
			return fmt.Errorf("%w: thought delta outside thought block", ErrOutOfOrder)
		}
		if seg.Text == "" {
			return nil
		}
		e.deltas++
		return e.send(ThoughtDelta{Thought: seg.Text})
	case parser.ThoughtEnd:
		if e.thought != blockOpen {
			return fmt.Errorf("%w: thought end without start", ErrOutOfOrder)
		}
		e.thought = blockClosed
		return e.send(ThoughtEnd{})
	case parser.ContentStart:
		if e.content != blockNone {
			return fmt.Errorf("%w: second content block", ErrOutOfOrder)
		}
		if e.thought == blockOpen {
			e.thought = blockClosed
			if err := e.send(ThoughtEnd{}); err != nil {
				return err
			}
		}
		e.content = blockOpen
		return e.send(ContentStart{})
	case parser.ContentDelta:
		if e.content != blockOpen {
			return fmt.Errorf("%w: content delta outside content block", ErrOutOfOrder)
		}
		if seg.Text == "" {
			return nil
		}
		e.deltas++
		return e.send(ContentDelta{Content: seg.Text})
	case parser.ContentEnd:
		if e.content != blockOpen {
			return fmt.Errorf("%w: content end without start", ErrOutOfOrder)
		}
		e.content = blockClosed
		return e.send(ContentEnd{})
	}
	return fmt.Errorf("%w: unknown segment %d", ErrOutOfOrder, seg.Kind)
}

func (e *Encoder) ApplyAll(segs []parser.Segment) error {
	for _, seg := range segs {
		if err := e.Apply(seg); err != nil {
			return err
		}
	}
	return nil
}

// Images queues search results; they are sent just before the terminal event.
func (e *Encoder) Images(results []model.SearchResult, query string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return err
	}
	if e.images == nil {
		e.images = &Images{}
	}
	e.images.Images = append(e.images.Images, results...)
	e.images.Query = query
	return nil
}

func (e *Encoder) Progress(p Progress) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.send(p)
}

func (e *Encoder) Done(d Done) error {
	return e.terminate(d)
}

// Fail ends the request with an error. It is valid before start, for
// requests rejected up front.
func (e *Encoder) Fail(code, message string) error {
	return e.terminate(Error{Code: code, Message: message})
}

func (e *Encoder) Cancel(c Cancelled) error {
	return e.terminate(c)
}

// Touched reports whether any thought or content reached the sink.
func (e *Encoder) Touched() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deltas > 0 || e.thought != blockNone || e.content != blockNone
}

func (e *Encoder) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

func (e *Encoder) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

func (e *Encoder) terminate(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return ErrTerminated
	}
	e.terminated = true

	var errs []error
	if e.thought == blockOpen {
		e.thought = blockClosed
		errs = append(errs, e.send(ThoughtEnd{}))
	}
	if e.content == blockOpen {
		e.content = blockClosed
		errs = append(errs, e.send(ContentEnd{}))
	}
	if e.images != nil && e.started {
		errs = append(errs, e.send(*e.images))
		e.images = nil
	}
	errs = append(errs, e.send(ev))
	return errors.Join(errs...)
}

func (e *Encoder) checkOpen() error {
	if e.terminated {
		return ErrTerminated
	}
	if !e.started {
		return fmt.Errorf("%w: start not sent", ErrOutOfOrder)
	}
	return nil
}

func (e *Encoder) describe() string {
	if e.content != blockNone {
		return "content"
	}
	return "thought"
}

func (e *Encoder) send(ev Event) error {
	return e.sink.Send(e.requestID, ev)
}
