package protocol

import "vlm-chat-server/internal/model"

type EventType string

const (
	TypeStart        EventType = "start"
	TypeThoughtStart EventType = "thought_start"
	TypeThoughtDelta EventType = "thought_delta"
	TypeThoughtEnd   EventType = "thought_end"
	TypeContentStart EventType = "content_start"
	TypeContentDelta EventType = "content_delta"
	TypeContentEnd   EventType = "content_end"
	TypeImages       EventType = "images"
	TypeProgress     EventType = "progress"
	TypeDone         EventType = "done"
	TypeError        EventType = "error"
	TypeCancelled    EventType = "cancelled"
)

// Event is the closed set of stream events. Only types in this package can
// implement it.
type Event interface {
	Type() EventType
	accept(h Handler)
}

// Handler has one method per event type. Implementations fail to compile when
// an event type is added.
type Handler interface {
	OnStart(Start)
	OnThoughtStart(ThoughtStart)
	OnThoughtDelta(ThoughtDelta)
	OnThoughtEnd(ThoughtEnd)
	OnContentStart(ContentStart)
	OnContentDelta(ContentDelta)
	OnContentEnd(ContentEnd)
	OnImages(Images)
	OnProgress(Progress)
	OnDone(Done)
	OnError(Error)
	OnCancelled(Cancelled)
}

func Dispatch(ev Event, h Handler) {
	ev.accept(h)
}

func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case Done, Error, Cancelled:
		return true
	}
	return false
}

type Start struct {
	RequestID string
}

type ThoughtStart struct{}

type ThoughtDelta struct {
	Thought string
}

type ThoughtEnd struct{}

type ContentStart struct{}

type ContentDelta struct {
	Content string
}

type ContentEnd struct{}

type Images struct {
	Images []model.SearchResult
	Query  string
}

type Progress struct {
	TokensGenerated int
	MaxTokens       int
	TokensPerSecond float64
	ETASeconds      float64
	Percentage      float64
}

type Done struct {
	Usage           *model.Usage
	TokensGenerated int
	DurationSeconds float64
	TokensPerSecond float64
}

type Error struct {
	Code    string
	Message string
}

type Cancelled struct {
	PartialContent string
	PartialThought string
}

func (Start) Type() EventType        { return TypeStart }
func (ThoughtStart) Type() EventType { return TypeThoughtStart }
func (ThoughtDelta) Type() EventType { return TypeThoughtDelta }
func (ThoughtEnd) Type() EventType   { return TypeThoughtEnd }
func (ContentStart) Type() EventType { return TypeContentStart }
func (ContentDelta) Type() EventType { return TypeContentDelta }
func (ContentEnd) Type() EventType   { return TypeContentEnd }
func (Images) Type() EventType       { return TypeImages }
func (Progress) Type() EventType     { return TypeProgress }
func (Done) Type() EventType         { return TypeDone }
func (Error) Type() EventType        { return TypeError }
func (Cancelled) Type() EventType    { return TypeCancelled }

func (e Start) accept(h Handler)        { h.OnStart(e) }
func (e ThoughtStart) accept(h Handler) { h.OnThoughtStart(e) }
func (e ThoughtDelta) accept(h Handler) { h.OnThoughtDelta(e) }
func (e ThoughtEnd) accept(h Handler)   { h.OnThoughtEnd(e) }
func (e ContentStart) accept(h Handler) { h.OnContentStart(e) }
func (e ContentDelta) accept(h Handler) { h.OnContentDelta(e) }
func (e ContentEnd) accept(h Handler)   { h.OnContentEnd(e) }
func (e Images) accept(h Handler)       { h.OnImages(e) }
func (e Progress) accept(h Handler)     { h.OnProgress(e) }
func (e Done) accept(h Handler)         { h.OnDone(e) }
func (e Error) accept(h Handler)        { h.OnError(e) }
func (e Cancelled) accept(h Handler)    { h.OnCancelled(e) }
