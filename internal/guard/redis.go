package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"vlm-chat-server/internal/logging"
)

var (
	renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
)

type RedisOptions struct {
	Prefix string
	// Lease bounds how long a crashed holder keeps the session.
	Lease time.Duration
}

// Redis guards sessions across processes with a leased key per session. The
// lease is renewed in the background while the lock is held.
type Redis struct {
	client redis.UniversalClient
	prefix string
	lease  time.Duration
}

func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "vlm:"
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	return &Redis{client: client, prefix: opts.Prefix, lease: opts.Lease}
}

func (r *Redis) key(sessionID string) string {
	return r.prefix + "lock:" + sessionID
}

func (r *Redis) TryAcquire(ctx context.Context, sessionID, requestID string) (*Lock, error) {
	ok, err := r.client.SetNX(ctx, r.key(sessionID), requestID, r.lease).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	if !ok {
		return nil, busy(sessionID)
	}

	lock := newLock(sessionID, requestID)
	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lock.mu.Lock()
	lock.stop = cancel
	lock.mu.Unlock()
	logging.SafeGo("guard.renew", func() { r.renew(renewCtx, lock) })
	return lock, nil
}

func (r *Redis) renew(ctx context.Context, lock *Lock) {
	ticker := time.NewTicker(r.lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := renewScript.Run(ctx, r.client, []string{r.key(lock.SessionID)}, lock.RequestID, r.lease.Milliseconds()).Int()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				slog.Warn("session lock renewal failed",
					slog.String("session_id", lock.SessionID),
					slog.String("request_id", lock.RequestID),
					slog.Any("error", err))
				continue
			}
			if n == 0 {
				slog.Warn("session lock lost",
					slog.String("session_id", lock.SessionID),
					slog.String("request_id", lock.RequestID))
				return
			}
		}
	}
}

func (r *Redis) Release(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	_, err := lock.release(func() error {
		if err := releaseScript.Run(ctx, r.client, []string{r.key(lock.SessionID)}, lock.RequestID).Err(); err != nil {
			return fmt.Errorf("release session lock: %w", err)
		}
		return nil
	})
	return err
}
