// Package parser splits a model's incremental output into a leading reasoning
// block and the answer text.
//
// The reasoning block is recognised only at the start of a response: it may be
// preceded by whitespace, which is kept as part of the reasoning. Once answer
// text has been produced, or after the block closes, the tags are ordinary
// text. An unterminated block is flushed as reasoning when the stream ends.
package parser

import (
	"strings"
	"unicode"
)

const (
	OpenTag  = "<think>"
	CloseTag = "</think>"
)

type Kind int

const (
	ThoughtStart Kind = iota
	ThoughtDelta
	ThoughtEnd
	ContentStart
	ContentDelta
	ContentEnd
)

func (k Kind) String() string {
	switch k {
	case ThoughtStart:
		return "thought_start"
	case ThoughtDelta:
		return "thought_delta"
	case ThoughtEnd:
		return "thought_end"
	case ContentStart:
		return "content_start"
	case ContentDelta:
		return "content_delta"
	case ContentEnd:
		return "content_end"
	}
	return "unknown"
}

type Segment struct {
	Kind Kind
	Text string
}

type state int

const (
	stateLeading state = iota // nothing classified yet
	stateThought
	stateContent
	stateFinished
)

type Parser struct {
	state          state
	buf            strings.Builder
	contentStarted bool
	thought        strings.Builder
	content        strings.Builder
}

func New() *Parser {
	return &Parser{}
}

// Feed consumes one chunk and returns the segments that can be emitted
// without risking a misclassified tag. Calls after Finish return nil.
func (p *Parser) Feed(chunk string) []Segment {
	if p.state == stateFinished || chunk == "" {
		return nil
	}
	var out []Segment
	switch p.state {
	case stateLeading:
		p.buf.WriteString(chunk)
		out = p.drainLeading(out)
	case stateThought:
		p.buf.WriteString(chunk)
		out = p.drainThought(out)
	case stateContent:
		out = p.emitContent(out, chunk)
	}
	return out
}

// Finish flushes held text and closes whatever block is open.
func (p *Parser) Finish() []Segment {
	var out []Segment
	switch p.state {
	case stateLeading:
		if rest := p.takeBuf(); rest != "" {
			out = p.emitContent(out, rest)
		}
	case stateThought:
		if rest := p.takeBuf(); rest != "" {
			out = p.emitThought(out, rest)
		}
		out = append(out, Segment{Kind: ThoughtEnd})
	case stateFinished:
		return nil
	}
	if p.contentStarted {
		out = append(out, Segment{Kind: ContentEnd})
	}
	p.state = stateFinished
	return out
}

func (p *Parser) Thought() string { return p.thought.String() }

func (p *Parser) Content() string { return p.content.String() }

func (p *Parser) drainLeading(out []Segment) []Segment {
	text := p.buf.String()
	lead := strings.IndexFunc(text, func(r rune) bool { return !unicode.IsSpace(r) })
	if lead < 0 {
		// Only whitespace so far; the next chunk decides.
		return out
	}

	rest := text[lead:]
	switch {
	case strings.HasPrefix(rest, OpenTag):
		p.resetBuf(text[:lead] + rest[len(OpenTag):])
		p.state = stateThought
		out = append(out, Segment{Kind: ThoughtStart})
		return p.drainThought(out)
	case strings.HasPrefix(OpenTag, rest):
		return out
	default:
		p.resetBuf("")
		p.state = stateContent
		return p.emitContent(out, text)
	}
}

func (p *Parser) drainThought(out []Segment) []Segment {
	text := p.buf.String()
	if idx := strings.Index(text, CloseTag); idx >= 0 {
		if idx > 0 {
			out = p.emitThought(out, text[:idx])
		}
		out = append(out, Segment{Kind: ThoughtEnd})
		p.resetBuf("")
		p.state = stateContent
		if rest := text[idx+len(CloseTag):]; rest != "" {
			out = p.emitContent(out, rest)
		}
		return out
	}

	hold := partialSuffix(text, CloseTag)
	if safe := text[:len(text)-hold]; safe != "" {
		out = p.emitThought(out, safe)
		p.resetBuf(text[len(text)-hold:])
	}
	return out
}

func (p *Parser) emitThought(out []Segment, text string) []Segment {
	p.thought.WriteString(text)
	return append(out, Segment{Kind: ThoughtDelta, Text: text})
}

func (p *Parser) emitContent(out []Segment, text string) []Segment {
	if !p.contentStarted {
		p.contentStarted = true
		out = append(out, Segment{Kind: ContentStart})
	}
	p.content.WriteString(text)
	return append(out, Segment{Kind: ContentDelta, Text: text})
}

func (p *Parser) takeBuf() string {
	s := p.buf.String()
	p.buf.Reset()
	return s
}

func (p *Parser) resetBuf(s string) {
	p.buf.Reset()
	p.buf.WriteString(s)
}

// partialSuffix returns the length of the longest suffix of text that is a
// proper prefix of tag.
func partialSuffix(text, tag string) int {
	for n := min(len(tag)-1, len(text)); n > 0; n-- {
		if strings.HasSuffix(text, tag[:n]) {
			return n
		}
	}
	return 0
}
