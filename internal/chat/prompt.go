package chat

import (
	"strings"

	"github.com/samber/lo"
	"vlm-chat-server/internal/llm"
	"vlm-chat-server/internal/model"
)

const DefaultSystemPrompt = `You are a helpful vision-language assistant. You understand images, write code, analyze data and explain concepts accurately.

## Thinking Process

Begin every non-trivial response with your reasoning inside <think>...</think> tags:

<think>
- Problem analysis: What is being asked?
- Decomposition: Break into sub-tasks
- Approach: How will I solve this?
- Plan: Structure my response for high readability
</think>

After </think>, provide ONLY your final response. Never include reasoning outside these tags.

Exception: For simple greetings or acknowledgments, respond directly without thinking.`

const imageRecallNote = "[Any images mentioned earlier in this conversation are no longer visible. Only the image(s) attached to this message can be seen.]\n\n"

// buildPrompt turns the stored history, whose last entry is the user turn
// being answered, into a model prompt. Only the last contextMessages entries
// are sent, and only the current turn carries images.
func buildPrompt(history []model.Message, req model.GenerationRequest, opts Options, searchAvailable bool) llm.Prompt {
	window := history
	if n := opts.ContextMessages; n > 0 && len(window) > n {
		window = lo.Subset(window, -n, uint(n))
	}

	msgs := lo.Map(window, func(m model.Message, _ int) llm.PromptMessage {
		return llm.PromptMessage{Role: string(m.Role), Content: m.Content}
	})

	earlierImages := lo.SomeBy(history[:max(len(history)-1, 0)], func(m model.Message) bool {
		return len(m.Attachments) > 0
	})
	currentImages := !req.IsRegenerate() && len(req.Images) > 0
	if currentImages && len(msgs) > 0 {
		last := &msgs[len(msgs)-1]
		last.Images = append([]string(nil), req.Images...)
		if earlierImages {
			last.Content = imageRecallNote + last.Content
		}
	}

	system := opts.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	maxTokens := opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	return llm.Prompt{
		System:      system,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		Tools:       searchAvailable && !currentImages && !earlierImages,
	}
}

// attachmentsFor records which images came with a user turn. Inline data URLs
// are not kept in history; only their presence is.
func attachmentsFor(images []string) []model.Attachment {
	return lo.Map(images, func(img string, _ int) model.Attachment {
		a := model.Attachment{Type: "image"}
		if len(img) < 2048 && (strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://")) {
			a.URL = img
		}
		return a
	})
}
