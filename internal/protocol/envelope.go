package protocol

import (
	"encoding/json"
	"fmt"

	"vlm-chat-server/internal/model"
)

// Envelope is the wire form shared by every transport.
type Envelope struct {
	Type            EventType            `json:"type"`
	RequestID       string               `json:"request_id,omitempty"`
	Content         string               `json:"content,omitempty"`
	Thought         string               `json:"thought,omitempty"`
	Images          []model.SearchResult `json:"images,omitempty"`
	Query           string               `json:"query,omitempty"`
	Error           string               `json:"error,omitempty"`
	Code            string               `json:"code,omitempty"`
	Usage           *model.Usage         `json:"usage,omitempty"`
	TokensGenerated int                  `json:"tokens_generated,omitempty"`
	MaxTokens       int                  `json:"max_tokens,omitempty"`
	TokensPerSecond float64              `json:"tokens_per_second,omitempty"`
	ETASeconds      float64              `json:"eta_seconds,omitempty"`
	Percentage      float64              `json:"percentage,omitempty"`
	DurationSeconds float64              `json:"duration_seconds,omitempty"`
	PartialContent  string               `json:"partial_content,omitempty"`
	PartialThought  string               `json:"partial_thought,omitempty"`
}

type envelopeBuilder struct {
	env Envelope
}

func (b *envelopeBuilder) OnStart(Start)               {}
func (b *envelopeBuilder) OnThoughtStart(ThoughtStart) {}
func (b *envelopeBuilder) OnThoughtEnd(ThoughtEnd)     {}
func (b *envelopeBuilder) OnContentStart(ContentStart) {}
func (b *envelopeBuilder) OnContentEnd(ContentEnd)     {}

func (b *envelopeBuilder) OnThoughtDelta(e ThoughtDelta) { b.env.Thought = e.Thought }
func (b *envelopeBuilder) OnContentDelta(e ContentDelta) { b.env.Content = e.Content }

func (b *envelopeBuilder) OnImages(e Images) {
	b.env.Images = e.Images
	b.env.Query = e.Query
}

func (b *envelopeBuilder) OnProgress(e Progress) {
	b.env.TokensGenerated = e.TokensGenerated
	b.env.MaxTokens = e.MaxTokens
	b.env.TokensPerSecond = e.TokensPerSecond
	b.env.ETASeconds = e.ETASeconds
	b.env.Percentage = e.Percentage
}

func (b *envelopeBuilder) OnDone(e Done) {
	b.env.Usage = e.Usage
	b.env.TokensGenerated = e.TokensGenerated
	b.env.DurationSeconds = e.DurationSeconds
	b.env.TokensPerSecond = e.TokensPerSecond
}

func (b *envelopeBuilder) OnError(e Error) {
	b.env.Code = e.Code
	b.env.Error = e.Message
}

func (b *envelopeBuilder) OnCancelled(e Cancelled) {
	b.env.PartialContent = e.PartialContent
	b.env.PartialThought = e.PartialThought
}

func ToEnvelope(requestID string, ev Event) Envelope {
	b := &envelopeBuilder{env: Envelope{Type: ev.Type(), RequestID: requestID}}
	Dispatch(ev, b)
	return b.env
}

func Marshal(requestID string, ev Event) ([]byte, error) {
	return json.Marshal(ToEnvelope(requestID, ev))
}

// Event converts a decoded envelope back to its typed event.
func (e Envelope) Event() (Event, error) {
	switch e.Type {
	case TypeStart:
		return Start{RequestID: e.RequestID}, nil
	case TypeThoughtStart:
		return ThoughtStart{}, nil
	case TypeThoughtDelta:
		return ThoughtDelta{Thought: e.Thought}, nil
	case TypeThoughtEnd:
		return ThoughtEnd{}, nil
	case TypeContentStart:
		return ContentStart{}, nil
	case TypeContentDelta:
		return ContentDelta{Content: e.Content}, nil
	case TypeContentEnd:
		return ContentEnd{}, nil
	case TypeImages:
		return Images{Images: e.Images, Query: e.Query}, nil
	case TypeProgress:
		return Progress{
			TokensGenerated: e.TokensGenerated,
			MaxTokens:       e.MaxTokens,
			TokensPerSecond: e.TokensPerSecond,
			ETASeconds:      e.ETASeconds,
			Percentage:      e.Percentage,
		}, nil
	case TypeDone:
		return Done{
			Usage:           e.Usage,
			TokensGenerated: e.TokensGenerated,
			DurationSeconds: e.DurationSeconds,
			TokensPerSecond: e.TokensPerSecond,
		}, nil
	case TypeError:
		return Error{Code: e.Code, Message: e.Error}, nil
	case TypeCancelled:
		return Cancelled{PartialContent: e.PartialContent, PartialThought: e.PartialThought}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", e.Type)
}

func Unmarshal(data []byte) (string, Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, err
	}
	ev, err := env.Event()
	if err != nil {
		return "", nil, err
	}
	return env.RequestID, ev, nil
}
