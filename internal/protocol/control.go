package protocol

import (
	"strings"

	"github.com/tidwall/gjson"
	"vlm-chat-server/internal/apperr"
)

type ControlType string

const (
	ControlChat       ControlType = "chat"
	ControlCancel     ControlType = "cancel"
	ControlRegenerate ControlType = "regenerate"
	ControlPing       ControlType = "ping"
)

// Control is a client-to-server message on a bidirectional transport.
type Control struct {
	Type      ControlType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Message   string      `json:"message,omitempty"`
	Images    []string    `json:"images,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
}

func ParseControl(data []byte) (Control, error) {
	if !gjson.ValidBytes(data) {
		return Control{}, apperr.Validation(apperr.CodeInvalidJSON, "message is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Control{}, apperr.Validation(apperr.CodeInvalidJSON, "message must be a JSON object")
	}

	msg := Control{
		Type:      ControlType(root.Get("type").String()),
		SessionID: strings.TrimSpace(root.Get("session_id").String()),
		Message:   root.Get("message").String(),
		RequestID: root.Get("request_id").String(),
		MessageID: root.Get("message_id").String(),
	}
	for _, img := range root.Get("images").Array() {
		if url := strings.TrimSpace(img.String()); url != "" {
			msg.Images = append(msg.Images, url)
		}
	}

	switch msg.Type {
	case ControlChat:
		if msg.SessionID == "" {
			return Control{}, apperr.Validation(apperr.CodeMissingSession, "session_id is required")
		}
		if strings.TrimSpace(msg.Message) == "" && len(msg.Images) == 0 {
			return Control{}, apperr.Validation(apperr.CodeValidation, "message is required")
		}
	case ControlRegenerate:
		if msg.SessionID == "" {
			return Control{}, apperr.Validation(apperr.CodeMissingSession, "session_id is required")
		}
		if msg.MessageID == "" {
			return Control{}, apperr.Validation(apperr.CodeValidation, "message_id is required")
		}
	case ControlCancel, ControlPing:
	case "":
		return Control{}, apperr.Validation(apperr.CodeInvalidMessageType, "type is required")
	default:
		return Control{}, apperr.Validation(apperr.CodeInvalidMessageType, "unknown message type "+string(msg.Type))
	}
	return msg, nil
}
