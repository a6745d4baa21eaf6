package chat

import (
	"context"
	"errors"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// ErrCancelRequested is the cancel cause for a generation stopped on request.
var ErrCancelRequested = errors.New("chat: cancel requested")

const tombstoneTTL = 5 * time.Minute

// Cancels maps request ids to the cancel func of their running generation.
// A cancel that arrives before the generation registers is remembered for a
// few minutes so a queued request still stops as soon as a worker picks it up.
type Cancels struct {
	active     cmap.ConcurrentMap[string, context.CancelCauseFunc]
	tombstones cmap.ConcurrentMap[string, time.Time]
	now        func() time.Time
}

func NewCancels() *Cancels {
	return &Cancels{
		active:     cmap.New[context.CancelCauseFunc](),
		tombstones: cmap.New[time.Time](),
		now:        time.Now,
	}
}

func (c *Cancels) Register(requestID string, cancel context.CancelCauseFunc) {
	c.active.Set(requestID, cancel)
	if at, ok := c.tombstones.Pop(requestID); ok && c.now().Sub(at) < tombstoneTTL {
		cancel(ErrCancelRequested)
	}
}

func (c *Cancels) Unregister(requestID string) {
	c.active.Remove(requestID)
}

// Cancel stops the generation for requestID. It reports whether one was
// running in this process.
func (c *Cancels) Cancel(requestID string) bool {
	if cancel, ok := c.active.Get(requestID); ok {
		cancel(ErrCancelRequested)
		return true
	}
	c.purge()
	c.tombstones.Set(requestID, c.now())
	// Register may have run between the lookup and the tombstone write, in
	// which case it missed the tombstone.
	if cancel, ok := c.active.Get(requestID); ok {
		c.tombstones.Remove(requestID)
		cancel(ErrCancelRequested)
		return true
	}
	return false
}

func (c *Cancels) Active() int {
	return c.active.Count()
}

func (c *Cancels) purge() {
	now := c.now()
	for _, id := range c.tombstones.Keys() {
		c.tombstones.RemoveCb(id, func(_ string, at time.Time, exists bool) bool {
			return exists && now.Sub(at) >= tombstoneTTL
		})
	}
}
