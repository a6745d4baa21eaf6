package protocol

import "sync"

// Sink receives the events of one or more requests, in order per request.
type Sink interface {
	Send(requestID string, ev Event) error
}

type SinkFunc func(requestID string, ev Event) error

func (f SinkFunc) Send(requestID string, ev Event) error { return f(requestID, ev) }

// JSONSink adapts a byte writer, such as a websocket or hub publisher, to a Sink.
func JSONSink(write func([]byte) error) Sink {
	return SinkFunc(func(requestID string, ev Event) error {
		data, err := Marshal(requestID, ev)
		if err != nil {
			return err
		}
		return write(data)
	})
}

type Recorded struct {
	RequestID string
	Event     Event
}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Send(requestID string, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, Recorded{RequestID: requestID, Event: ev})
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, rec := range r.events {
		out = append(out, rec.Event)
	}
	return out
}

func (r *Recorder) Records() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

func (r *Recorder) Types() []EventType {
	events := r.Events()
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type())
	}
	return out
}

// Last returns the most recent event, or nil.
func (r *Recorder) Last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1].Event
}
