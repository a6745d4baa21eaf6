package guard

import (
	"context"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Memory guards sessions within one process.
type Memory struct {
	held cmap.ConcurrentMap[string, string]
}

func NewMemory() *Memory {
	return &Memory{held: cmap.New[string]()}
}

func (m *Memory) TryAcquire(_ context.Context, sessionID, requestID string) (*Lock, error) {
	if !m.held.SetIfAbsent(sessionID, requestID) {
		return nil, busy(sessionID)
	}
	return newLock(sessionID, requestID), nil
}

func (m *Memory) Release(_ context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	_, err := lock.release(func() error {
		m.held.RemoveCb(lock.SessionID, func(_ string, holder string, exists bool) bool {
			return exists && holder == lock.RequestID
		})
		return nil
	})
	return err
}

// Holder returns the request id holding the session, if any.
func (m *Memory) Holder(sessionID string) (string, bool) {
	return m.held.Get(sessionID)
}
