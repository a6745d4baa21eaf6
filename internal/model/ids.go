package model

import (
	"time"

	"github.com/google/uuid"
)

var messageNamespace = uuid.MustParse("6f1c3c1e-5a0b-4c51-9d0e-8f4a2b7d9e10")

func NewID() string {
	return uuid.NewString()
}

// UserMessageID and AssistantMessageID are derived from the request id so that
// server and client agree on them and a replayed request maps onto the same rows.
func UserMessageID(requestID string) string {
	return uuid.NewSHA1(messageNamespace, []byte(requestID+":user")).String()
}

func AssistantMessageID(requestID string) string {
	return uuid.NewSHA1(messageNamespace, []byte(requestID+":assistant")).String()
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}
