package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type backend struct {
	name string
	open func(t *testing.T, opts Options) (Store, func(time.Duration))
}

func backends() []backend {
	return []backend{
		{
			name: "memory",
			open: func(t *testing.T, opts Options) (Store, func(time.Duration)) {
				clock := newFakeClock()
				return NewMemory(MemoryOptions{Options: opts, Now: clock.Now}), clock.Advance
			},
		},
		{
			name: "redis",
			open: func(t *testing.T, opts Options) (Store, func(time.Duration)) {
				mr := miniredis.RunT(t)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				t.Cleanup(func() { _ = client.Close() })
				return NewRedis(client, RedisOptions{Options: opts, Prefix: "test:"}), mr.FastForward
			},
		},
		{
			name: "bolt",
			open: func(t *testing.T, opts Options) (Store, func(time.Duration)) {
				clock := newFakeClock()
				s, err := NewBolt(filepath.Join(t.TempDir(), "sessions.db"), BoltOptions{Options: opts, Now: clock.Now})
				if err != nil {
					t.Fatalf("NewBolt: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s, clock.Advance
			},
		},
	}
}

func forEachBackend(t *testing.T, opts Options, fn func(t *testing.T, s Store, advance func(time.Duration))) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			s, advance := b.open(t, opts)
			fn(t, s, advance)
		})
	}
}

func userMsg(id, content string) model.Message {
	return model.Message{ID: id, Role: model.RoleUser, Content: content}
}

func mustCreate(t *testing.T, s Store, meta map[string]string) model.Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), meta)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func mustAppend(t *testing.T, s Store, sessionID string, msgs ...model.Message) int {
	t.Helper()
	var n int
	for _, m := range msgs {
		var err error
		n, err = s.Append(context.Background(), sessionID, m)
		if err != nil {
			t.Fatalf("Append(%s): %v", m.ID, err)
		}
	}
	return n
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestStore_SessionCRUD(t *testing.T) {
	forEachBackend(t, Options{TTL: time.Hour}, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		sess := mustCreate(t, s, map[string]string{"title": "first"})
		if sess.ID == "" {
			t.Fatalf("expected session id")
		}
		if sess.TTLSeconds != 3600 {
			t.Fatalf("expected ttl 3600, got %d", sess.TTLSeconds)
		}

		got, err := s.GetSession(ctx, sess.ID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.Metadata["title"] != "first" || got.MessageCount != 0 {
			t.Fatalf("unexpected session: %+v", got)
		}

		list, err := s.ListSessions(ctx)
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(list) != 1 || list[0].ID != sess.ID {
			t.Fatalf("expected 1 session, got %+v", list)
		}

		if err := s.Delete(ctx, sess.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.GetSession(ctx, sess.ID); !errors.Is(err, apperr.ErrSessionNotFound) {
			t.Fatalf("expected session not found, got %v", err)
		}
		if err := s.Delete(ctx, sess.ID); !errors.Is(err, apperr.ErrSessionNotFound) {
			t.Fatalf("expected second delete to be not found, got %v", err)
		}
	})
}

func TestStore_MetadataPatch(t *testing.T) {
	forEachBackend(t, Options{}, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		sess := mustCreate(t, s, map[string]string{"title": "a", "model": "qwen"})

		got, err := s.UpdateSessionMetadata(ctx, sess.ID, map[string]string{"title": "b", "model": ""})
		if err != nil {
			t.Fatalf("UpdateSessionMetadata: %v", err)
		}
		if got.Metadata["title"] != "b" {
			t.Fatalf("expected title b, got %q", got.Metadata["title"])
		}
		if _, ok := got.Metadata["model"]; ok {
			t.Fatalf("expected model to be removed, got %+v", got.Metadata)
		}

		if _, err := s.UpdateSessionMetadata(ctx, "missing", map[string]string{"a": "b"}); !errors.Is(err, apperr.ErrSessionNotFound) {
			t.Fatalf("expected session not found, got %v", err)
		}
	})
}

func TestStore_AppendAndRead(t *testing.T) {
	forEachBackend(t, Options{}, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		sess := mustCreate(t, s, nil)

		n := mustAppend(t, s, sess.ID, userMsg("m1", "one"), userMsg("m2", "two"), userMsg("m3", "three"))
		if n != 3 {
			t.Fatalf("expected count 3, got %d", n)
		}

		msgs, total, err := s.Read(ctx, sess.ID, 0, 0)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if total != 3 || fmt.Sprint(ids(msgs)) != "[m1 m2 m3]" {
			t.Fatalf("unexpected history total=%d ids=%v", total, ids(msgs))
		}
		for i := 1; i < len(msgs); i++ {
			if msgs[i].CreatedAt < msgs[i-1].CreatedAt {
				t.Fatalf("expected created_at to be non-decreasing")
			}
		}
		if msgs[0].SessionID != sess.ID {
			t.Fatalf("expected session id stamped on message, got %q", msgs[0].SessionID)
		}

		msgs, total, err = s.Read(ctx, sess.ID, 1, 1)
		if err != nil {
			t.Fatalf("Read window: %v", err)
		}
		if total != 3 || fmt.Sprint(ids(msgs)) != "[m2]" {
			t.Fatalf("unexpected window total=%d ids=%v", total, ids(msgs))
		}

		msgs, _, err = s.Read(ctx, sess.ID, 10, 5)
		if err != nil {
			t.Fatalf("Read past end: %v", err)
		}
		if len(msgs) != 0 {
			t.Fatalf("expected empty window past end, got %v", ids(msgs))
		}

		got, err := s.GetSession(ctx, sess.ID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.MessageCount != 3 {
			t.Fatalf("expected message_count 3, got %d", got.MessageCount)
		}
	})
}

func TestStore_AppendIsIdempotentByID(t *testing.T) {
	forEachBackend(t, Options{}, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		sess := mustCreate(t, s, nil)
		mustAppend(t, s, sess.ID, userMsg("m1", "one"))

		n, err := s.Append(ctx, sess.ID, userMsg("m1", "one again"))
		if err != nil {
			t.Fatalf("Append duplicate: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected count to stay 1, got %d", n)
		}
		msgs, _, _ := s.Read(ctx, sess.ID, 0, 0)
		if len(msgs) != 1 || msgs[0].Content != "one" {
			t.Fatalf("expected original message kept, got %+v", msgs)
		}
	})
}

func TestStore_AppendValidation(t *testing.T) {
	forEachBackend(t, Options{}, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		sess := mustCreate(t, s, nil)

		if _, err := s.Append(ctx, sess.ID, model.Message{Role: model.RoleUser}); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("expected validation error for missing id, got %v", err)
		}
		if _, err := s.Append(ctx, sess.ID, model.Message{ID: "x", Role: "system"}); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("expected validation error for bad role, got %v", err)
		}
		if _, err := s.Append(ctx, "missing", userMsg("m1", "x")); !errors.Is(err, apperr.ErrSessionNotFound) {
			t.Fatalf("expected session not found, got %v", err)
		}
	})
}

func TestStore_MaxMessagesTrimsOldest(t *testing.T) {
	forEachBackend(t, Options{MaxMessages: 2}, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		sess := mustCreate(t, s, nil)
		n := mustAppend(t, s, sess.ID, userMsg("m1", "1"), userMsg("m2", "2"), userMsg("m3", "3"))
		if n != 2 {
			t.Fatalf("expected count 2, got %d", n)
		}
		msgs, total, err := s.Read(ctx, sess.ID, 0, 0)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if total != 2 || fmt.Sprint(ids(msgs)) != "[m2 m3]" {
			t.Fatalf("unexpected trimmed history total=%d ids=%v", total, ids(msgs))
		}
		if _, err := s.TruncateFrom(ctx, sess.ID, "m1"); !errors.Is(err, apperr.ErrMessageNotFound) {
			t.Fatalf("expected trimmed message to be gone, got %v", err)
		}
	})
}

func TestStore_TruncateFrom(t *testing.T) {
	forEachBackend(t, Options{}, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		sess := mustCreate(t, s, nil)
		mustAppend(t, s, sess.ID, userMsg("m1", "1"), userMsg("m2", "2"), userMsg("m3", "3"), userMsg("m4", "4"))

		removed, err := s.TruncateFrom(ctx, sess.ID, "m2")
		if err != nil {
			t.Fatalf("TruncateFrom: %v", err)
		}
		if removed != 3 {
			t.Fatalf("expected 3 removed, got %d", removed)
		}
		msgs, total, _ := s.Read(ctx, sess.ID, 0, 0)
		if total != 1 || fmt.Sprint(ids(msgs)) != "[m1]" {
			t.Fatalf("unexpected history after truncate total=%d ids=%v", total, ids(msgs))
		}
		got, _ := s.GetSession(ctx, sess.ID)
		if got.MessageCount != 1 {
			t.Fatalf("expected message_count 1, got %d", got.MessageCount)
		}

		// Appending after a truncate keeps working and the removed id can come back.
		n := mustAppend(t, s, sess.ID, userMsg("m2", "again"))
		if n != 2 {
			t.Fatalf("expected count 2 after re-append, got %d", n)
		}

		removed, err = s.TruncateFrom(ctx, sess.ID, "m1")
		if err != nil {
			t.Fatalf("TruncateFrom first: %v", err)
		}
		if removed != 2 {
			t.Fatalf("expected 2 removed, got %d", removed)
		}
		msgs, total, _ = s.Read(ctx, sess.ID, 0, 0)
		if total != 0 || len(msgs) != 0 {
			t.Fatalf("expected empty history, got total=%d ids=%v", total, ids(msgs))
		}

		if _, err := s.TruncateFrom(ctx, sess.ID, "nope"); !errors.Is(err, apperr.ErrMessageNotFound) {
			t.Fatalf("expected message not found, got %v", err)
		}
		if _, err := s.TruncateFrom(ctx, "missing", "m1"); !errors.Is(err, apperr.ErrSessionNotFound) {
			t.Fatalf("expected session not found, got %v", err)
		}
	})
}

func TestStore_TruncateIsAtomicForReaders(t *testing.T) {
	forEachBackend(t, Options{}, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		sess := mustCreate(t, s, nil)
		mustAppend(t, s, sess.ID, userMsg("m1", "1"), userMsg("m2", "2"), userMsg("m3", "3"), userMsg("m4", "4"))

		var (
			wg      sync.WaitGroup
			stop    atomic.Bool
			partial atomic.Int32
		)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for !stop.Load() {
					msgs, total, err := s.Read(ctx, sess.ID, 0, 0)
					if err != nil {
						continue
					}
					if len(msgs) != total || (total != 4 && total != 1) {
						partial.Add(1)
					}
				}
			}()
		}

		time.Sleep(5 * time.Millisecond)
		if _, err := s.TruncateFrom(ctx, sess.ID, "m2"); err != nil {
			t.Fatalf("TruncateFrom: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
		stop.Store(true)
		wg.Wait()

		if n := partial.Load(); n != 0 {
			t.Fatalf("readers observed %d partial truncations", n)
		}
	})
}

func TestStore_TTLExpiry(t *testing.T) {
	forEachBackend(t, Options{TTL: time.Hour}, func(t *testing.T, s Store, advance func(time.Duration)) {
		ctx := context.Background()
		sess := mustCreate(t, s, nil)
		mustAppend(t, s, sess.ID, userMsg("m1", "1"))

		advance(30 * time.Minute)
		if err := s.Touch(ctx, sess.ID); err != nil {
			t.Fatalf("Touch: %v", err)
		}
		advance(45 * time.Minute)
		if _, _, err := s.Read(ctx, sess.ID, 0, 0); err != nil {
			t.Fatalf("expected session alive after touch, got %v", err)
		}

		advance(2 * time.Hour)
		if _, err := s.GetSession(ctx, sess.ID); !errors.Is(err, apperr.ErrSessionNotFound) {
			t.Fatalf("expected expired session, got %v", err)
		}
		if _, _, err := s.Read(ctx, sess.ID, 0, 0); !errors.Is(err, apperr.ErrSessionNotFound) {
			t.Fatalf("expected expired history, got %v", err)
		}
		if err := s.Touch(ctx, sess.ID); !errors.Is(err, apperr.ErrSessionNotFound) {
			t.Fatalf("expected touch on expired session to fail, got %v", err)
		}
		list, err := s.ListSessions(ctx)
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(list) != 0 {
			t.Fatalf("expected no live sessions, got %d", len(list))
		}
	})
}

func TestStore_UpdateMessage(t *testing.T) {
	forEachBackend(t, Options{}, func(t *testing.T, s Store, _ func(time.Duration)) {
		ctx := context.Background()
		sess := mustCreate(t, s, nil)
		mustAppend(t, s, sess.ID, userMsg("m1", "1"), userMsg("m2", "2"))

		pinned := true
		thread := "t-1"
		got, err := s.UpdateMessage(ctx, sess.ID, "m2", model.MessagePatch{Pinned: &pinned, ThreadID: &thread})
		if err != nil {
			t.Fatalf("UpdateMessage: %v", err)
		}
		if !got.Pinned || got.ThreadID != "t-1" || got.Content != "2" {
			t.Fatalf("unexpected updated message: %+v", got)
		}

		msgs, _, _ := s.Read(ctx, sess.ID, 1, 1)
		if len(msgs) != 1 || !msgs[0].Pinned {
			t.Fatalf("expected pinned message persisted, got %+v", msgs)
		}

		if _, err := s.UpdateMessage(ctx, sess.ID, "nope", model.MessagePatch{Pinned: &pinned}); !errors.Is(err, apperr.ErrMessageNotFound) {
			t.Fatalf("expected message not found, got %v", err)
		}
	})
}

func TestMemoryStore_SnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "sessions-state.json")
	ctx := context.Background()

	s1 := NewMemory(MemoryOptions{SnapshotFile: stateFile})
	sess := mustCreate(t, s1, map[string]string{"title": "kept"})
	mustAppend(t, s1, sess.ID, userMsg("m1", "hello"), model.Message{ID: "m2", Role: model.RoleAssistant, Content: "hi", Thought: "greet"})

	assertFileMode(t, stateFile, 0o600)

	s2 := NewMemory(MemoryOptions{SnapshotFile: stateFile})
	got, err := s2.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession after reload: %v", err)
	}
	if got.Metadata["title"] != "kept" || got.MessageCount != 2 {
		t.Fatalf("unexpected session loaded: %+v", got)
	}
	msgs, _, err := s2.Read(ctx, sess.ID, 0, 0)
	if err != nil {
		t.Fatalf("Read after reload: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Thought != "greet" {
		t.Fatalf("unexpected messages loaded: %+v", msgs)
	}

	// New appends after a reload keep created_at increasing.
	mustAppend(t, s2, sess.ID, model.Message{ID: "m3", Role: model.RoleUser, Content: "again", CreatedAt: 1})
	msgs, _, _ = s2.Read(ctx, sess.ID, 0, 0)
	if msgs[2].CreatedAt <= msgs[1].CreatedAt {
		t.Fatalf("expected increasing created_at, got %d after %d", msgs[2].CreatedAt, msgs[1].CreatedAt)
	}
}

func TestMemoryStore_SweepExpired(t *testing.T) {
	clock := newFakeClock()
	s := NewMemory(MemoryOptions{Options: Options{TTL: time.Minute}, Now: clock.Now})
	mustCreate(t, s, nil)
	mustCreate(t, s, nil)

	clock.Advance(2 * time.Minute)
	mustCreate(t, s, nil)

	removed, err := s.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	list, _ := s.ListSessions(context.Background())
	if len(list) != 1 {
		t.Fatalf("expected 1 session left, got %d", len(list))
	}
}

func TestBoltStore_SweepExpiredAndReopen(t *testing.T) {
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := NewBolt(path, BoltOptions{Options: Options{TTL: time.Minute}, Now: clock.Now})
	if err != nil {
		t.Fatalf("NewBolt: %v", err)
	}
	old := mustCreate(t, s, nil)
	mustAppend(t, s, old.ID, userMsg("m1", "1"))
	clock.Advance(2 * time.Minute)
	fresh := mustCreate(t, s, nil)
	mustAppend(t, s, fresh.ID, userMsg("m1", "1"))

	removed, err := s.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	assertFileMode(t, path, 0o600)

	reopened, err := NewBolt(path, BoltOptions{Options: Options{TTL: time.Minute}, Now: clock.Now})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	msgs, total, err := reopened.Read(context.Background(), fresh.ID, 0, 0)
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if total != 1 || len(msgs) != 1 {
		t.Fatalf("expected 1 message after reopen, got %d", total)
	}
}

func TestRunSweeper_StopsOnCancel(t *testing.T) {
	clock := newFakeClock()
	s := NewMemory(MemoryOptions{Options: Options{TTL: time.Millisecond}, Now: clock.Now})
	mustCreate(t, s, nil)
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunSweeper(ctx, s, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.RLock()
		n := len(s.sessions)
		s.mu.RUnlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected sweeper to remove the expired session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop")
	}
}

func assertFileMode(t *testing.T, path string, want os.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected file written: %v", err)
	}
	if info.Mode().Perm() != want {
		t.Fatalf("expected file mode %o, got %o", want, info.Mode().Perm())
	}
}
