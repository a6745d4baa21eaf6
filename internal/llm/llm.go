// Package llm streams completions from a vision-language model.
package llm

import (
	"context"

	"vlm-chat-server/internal/model"
)

const SearchImagesTool = "search_images"

type PromptMessage struct {
	Role    string
	Content string
	// Images are data or http URLs sent as image parts. Only the current
	// turn carries them.
	Images []string
}

type Prompt struct {
	System      string
	Messages    []PromptMessage
	MaxTokens   int
	Temperature float32
	// Tools offers the image search tool to the model.
	Tools bool
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Chunk is one unit of model output. Exactly one of Text, ToolCall or Usage is
// set.
type Chunk struct {
	Text     string
	ToolCall *ToolCall
	Usage    *model.Usage
}

// Stream yields chunks until io.EOF. Close releases the underlying
// connection and unblocks a pending Recv.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

type Backend interface {
	Stream(ctx context.Context, prompt Prompt) (Stream, error)
}
