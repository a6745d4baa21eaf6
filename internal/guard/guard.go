// Package guard enforces at most one active generation per session.
//
// A Lock is a reservation token: whoever holds it may mutate the session's
// history. Acquisition never waits; a held session answers apperr.ErrBusy
// immediately.
package guard

import (
	"context"
	"sync"

	"vlm-chat-server/internal/apperr"
)

type Guard interface {
	TryAcquire(ctx context.Context, sessionID, requestID string) (*Lock, error)
	Release(ctx context.Context, lock *Lock) error
}

type Lock struct {
	SessionID string
	RequestID string

	once     sync.Once
	released bool
	mu       sync.Mutex
	stop     func()
}

func newLock(sessionID, requestID string) *Lock {
	return &Lock{SessionID: sessionID, RequestID: requestID}
}

// release runs fn the first time it is called and reports whether it did.
func (l *Lock) release(fn func() error) (bool, error) {
	var (
		ran bool
		err error
	)
	l.once.Do(func() {
		ran = true
		l.mu.Lock()
		l.released = true
		stop := l.stop
		l.mu.Unlock()
		if stop != nil {
			stop()
		}
		err = fn()
	})
	return ran, err
}

func (l *Lock) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// With acquires the session, runs fn and releases on every exit path,
// including a panic, which is re-raised after release.
func With(ctx context.Context, g Guard, sessionID, requestID string, fn func(ctx context.Context) error) error {
	lock, err := g.TryAcquire(ctx, sessionID, requestID)
	if err != nil {
		return err
	}
	defer func() {
		_ = g.Release(context.WithoutCancel(ctx), lock)
	}()
	return fn(ctx)
}

func busy(sessionID string) error {
	return apperr.Busy(sessionID)
}
