package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindTransient
	KindValidation
	KindSessionNotFound
	KindMessageNotFound
	KindBusy
	KindCancelled
	KindQueueExhausted
	KindRateLimited
	KindUnauthorized
	KindTaskNotFound
)

// Stable codes sent to clients in error events and HTTP bodies.
const (
	CodeInternal           = "INTERNAL_ERROR"
	CodeLLMError           = "LLM_ERROR"
	CodeLLMTimeout         = "LLM_TIMEOUT"
	CodeValidation         = "VALIDATION_ERROR"
	CodeInvalidJSON        = "INVALID_JSON"
	CodeInvalidMessageType = "INVALID_MESSAGE_TYPE"
	CodeMissingSession     = "MISSING_SESSION"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeMessageNotFound    = "MESSAGE_NOT_FOUND"
	CodeBusy               = "GENERATION_IN_PROGRESS"
	CodeCancelled          = "CANCELLED"
	CodeQueueExhausted     = "QUEUE_EXHAUSTED"
	CodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeTaskNotFound       = "TASK_NOT_FOUND"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so that errors.Is(err, apperr.ErrBusy) works for any
// Busy error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

var (
	ErrTransient       = &Error{Kind: KindTransient}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrSessionNotFound = &Error{Kind: KindSessionNotFound}
	ErrMessageNotFound = &Error{Kind: KindMessageNotFound}
	ErrBusy            = &Error{Kind: KindBusy}
	ErrCancelled       = &Error{Kind: KindCancelled}
	ErrQueueExhausted  = &Error{Kind: KindQueueExhausted}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrUnauthorized    = &Error{Kind: KindUnauthorized}
	ErrInternal        = &Error{Kind: KindInternal}
	ErrTaskNotFound    = &Error{Kind: KindTaskNotFound}
)

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(err error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Validation(code, message string) *Error {
	if code == "" {
		code = CodeValidation
	}
	return New(KindValidation, code, message)
}

func Transient(code string, err error) *Error {
	if code == "" {
		code = CodeLLMError
	}
	return Wrap(err, KindTransient, code, "inference backend failed")
}

func SessionNotFound(id string) *Error {
	return New(KindSessionNotFound, CodeSessionNotFound, fmt.Sprintf("session %s not found", id))
}

func MessageNotFound(id string) *Error {
	return New(KindMessageNotFound, CodeMessageNotFound, fmt.Sprintf("message %s not found", id))
}

func TaskNotFound(id string) *Error {
	return New(KindTaskNotFound, CodeTaskNotFound, fmt.Sprintf("task %s not found", id))
}

func Busy(sessionID string) *Error {
	return New(KindBusy, CodeBusy, fmt.Sprintf("session %s already has an active generation", sessionID))
}

func QueueExhausted(taskID string, err error) *Error {
	return Wrap(err, KindQueueExhausted, CodeQueueExhausted, fmt.Sprintf("task %s exhausted its retries", taskID))
}

func Internal(err error) *Error {
	return Wrap(err, KindInternal, CodeInternal, "internal error")
}

// IsRetryable reports whether the queue processor may run the task again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrBusy)
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return CodeInternal
}

func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindSessionNotFound, KindMessageNotFound, KindTaskNotFound:
		return http.StatusNotFound
	case KindBusy:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindTransient:
		return http.StatusBadGateway
	case KindQueueExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromCode rebuilds a typed error from a wire code, for callers on the far
// side of a transport. Unknown codes are Internal.
func FromCode(code, message string) *Error {
	kind := KindInternal
	switch code {
	case CodeLLMError, CodeLLMTimeout:
		kind = KindTransient
	case CodeValidation, CodeInvalidJSON, CodeInvalidMessageType, CodeMissingSession:
		kind = KindValidation
	case CodeSessionNotFound:
		kind = KindSessionNotFound
	case CodeMessageNotFound:
		kind = KindMessageNotFound
	case CodeTaskNotFound:
		kind = KindTaskNotFound
	case CodeBusy:
		kind = KindBusy
	case CodeCancelled:
		kind = KindCancelled
	case CodeQueueExhausted:
		kind = KindQueueExhausted
	case CodeRateLimited:
		kind = KindRateLimited
	case CodeUnauthorized:
		kind = KindUnauthorized
	}
	return New(kind, code, message)
}
