package model

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type SearchResult struct {
	URL       string `json:"url"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Title     string `json:"title,omitempty"`
	Source    string `json:"source,omitempty"`
}

type Message struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	RequestID     string         `json:"request_id,omitempty"`
	Role          Role           `json:"role"`
	Content       string         `json:"content"`
	Thought       string         `json:"thought,omitempty"`
	Attachments   []Attachment   `json:"attachments,omitempty"`
	SearchResults []SearchResult `json:"search_results,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	ThreadID      string         `json:"thread_id,omitempty"`
	Pinned        bool           `json:"pinned,omitempty"`
}

// MessagePatch carries the only fields of a persisted message that may change.
type MessagePatch struct {
	Pinned   *bool   `json:"pinned"`
	ThreadID *string `json:"thread_id"`
}

func (p MessagePatch) Apply(msg *Message) {
	if p.Pinned != nil {
		msg.Pinned = *p.Pinned
	}
	if p.ThreadID != nil {
		msg.ThreadID = *p.ThreadID
	}
}

func (p MessagePatch) Empty() bool {
	return p.Pinned == nil && p.ThreadID == nil
}

type Session struct {
	ID           string            `json:"id"`
	CreatedAt    int64             `json:"created_at"`
	UpdatedAt    int64             `json:"updated_at"`
	MessageCount int               `json:"message_count"`
	Metadata     map[string]string `json:"metadata"`
	TTLSeconds   int64             `json:"ttl"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// GenerationRequest is one user turn handed to the orchestrator, either
// directly or as a queue payload.
type GenerationRequest struct {
	RequestID      string   `json:"request_id"`
	SessionID      string   `json:"session_id"`
	Message        string   `json:"message,omitempty"`
	Images         []string `json:"images,omitempty"`
	RegenerateFrom string   `json:"regenerate_from,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
}

func (r GenerationRequest) IsRegenerate() bool {
	return r.RegenerateFrom != ""
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskFailed     TaskStatus = "failed"
	TaskDone       TaskStatus = "done"
)

func (s TaskStatus) Final() bool {
	return s == TaskFailed || s == TaskDone
}

type QueueTask struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"session_id"`
	RequestID    string            `json:"request_id"`
	Payload      GenerationRequest `json:"payload"`
	AttemptCount int               `json:"attempt_count"`
	Status       TaskStatus        `json:"status"`
	LastError    string            `json:"last_error,omitempty"`
	EnqueuedAt   int64             `json:"enqueued_at"`
	UpdatedAt    int64             `json:"updated_at,omitempty"`
}
