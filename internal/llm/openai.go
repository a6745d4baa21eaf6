package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/sashabaranov/go-openai"
	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/model"
)

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	// Timeout bounds the whole request, including the stream.
	Timeout time.Duration
}

// OpenAI talks to any OpenAI-compatible chat completions endpoint, such as a
// vLLM server hosting a Qwen-VL model.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}
}

var imageSearchTool = openai.Tool{
	Type: openai.ToolTypeFunction,
	Function: &openai.FunctionDefinition{
		Name:        SearchImagesTool,
		Description: "Search for images on the internet. Use when user asks for images, pictures, photos, or visual examples.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query for images",
				},
			},
			"required": []string{"query"},
		},
	},
}

func (o *OpenAI) request(p Prompt) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:         o.cfg.Model,
		Stream:        true,
		MaxTokens:     p.MaxTokens,
		Temperature:   p.Temperature,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = o.cfg.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = o.cfg.Temperature
	}
	if p.System != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.System,
		})
	}
	for _, m := range p.Messages {
		req.Messages = append(req.Messages, toOpenAIMessage(m))
	}
	if p.Tools {
		req.Tools = []openai.Tool{imageSearchTool}
		req.ToolChoice = "auto"
	}
	return req
}

func toOpenAIMessage(m PromptMessage) openai.ChatCompletionMessage {
	if len(m.Images) == 0 {
		return openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	parts := make([]openai.ChatMessagePart, 0, len(m.Images)*2+1)
	for i, url := range m.Images {
		if len(m.Images) > 1 {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("[Current Image %d of %d]:", i+1, len(m.Images)),
			})
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: url},
		})
	}
	text := m.Content
	if len(m.Images) > 1 {
		text = fmt.Sprintf("\n\nPlease analyze ALL %d images above. %s", len(m.Images), m.Content)
	}
	parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: text})
	return openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts}
}

func (o *OpenAI) Stream(ctx context.Context, p Prompt) (Stream, error) {
	cancel := context.CancelFunc(func() {})
	if o.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
	}
	stream, err := o.client.CreateChatCompletionStream(ctx, o.request(p))
	if err != nil {
		cancel()
		return nil, classify(err)
	}
	return &openaiStream{stream: stream, cancel: cancel, calls: map[int]*ToolCall{}}, nil
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
	cancel context.CancelFunc

	pending []Chunk
	calls   map[int]*ToolCall
	eof     bool
}

func (s *openaiStream) Recv() (Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.eof {
			return Chunk{}, io.EOF
		}

		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.eof = true
			s.flushCalls()
			continue
		}
		if err != nil {
			return Chunk{}, classify(err)
		}

		if resp.Usage != nil {
			s.pending = append(s.pending, Chunk{Usage: &model.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
			}})
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				s.pending = append(s.pending, Chunk{Text: choice.Delta.Content})
			}
			for i, tc := range choice.Delta.ToolCalls {
				idx := i
				if tc.Index != nil {
					idx = *tc.Index
				}
				call, ok := s.calls[idx]
				if !ok {
					call = &ToolCall{}
					s.calls[idx] = call
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				call.Arguments += tc.Function.Arguments
			}
			if choice.FinishReason == openai.FinishReasonToolCalls {
				s.flushCalls()
			}
		}
	}
}

// flushCalls emits tool calls assembled from streamed fragments in index
// order.
func (s *openaiStream) flushCalls() {
	if len(s.calls) == 0 {
		return
	}
	idx := make([]int, 0, len(s.calls))
	for i := range s.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		s.pending = append(s.pending, Chunk{ToolCall: s.calls[i]})
	}
	s.calls = map[int]*ToolCall{}
}

func (s *openaiStream) Close() error {
	s.cancel()
	return s.stream.Close()
}

// classify maps client errors onto the error taxonomy. Rate limits, server
// errors, timeouts and network failures are transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transient(apperr.CodeLLMTimeout, err)
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return apperr.Transient(apperr.CodeLLMError, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return apperr.Transient(apperr.CodeLLMError, err)
	}
	if status != 0 {
		return apperr.Wrap(err, apperr.KindInternal, apperr.CodeLLMError, "model request rejected")
	}
	return apperr.Transient(apperr.CodeLLMError, err)
}
