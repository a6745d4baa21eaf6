package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/model"
)

type MemoryOptions struct {
	Options
	// SnapshotFile, when set, receives a JSON copy of every session after
	// each change and is loaded on start.
	SnapshotFile string
	Now          func() time.Time
}

type memSession struct {
	Session   model.Session `json:"session"`
	ExpiresAt int64         `json:"expiresAt"`
}

type MemoryStore struct {
	mu sync.RWMutex

	opts         Options
	now          func() time.Time
	snapshotFile string
	persistMu    sync.Mutex
	version      uint64
	persisted    uint64

	sessions map[string]memSession
	messages *messageStore
	seq      *seqGenerator
}

func NewMemory(opts MemoryOptions) *MemoryStore {
	s := &MemoryStore{
		opts:         opts.Options.withDefaults(),
		now:          opts.Now,
		snapshotFile: opts.SnapshotFile,
		sessions:     make(map[string]memSession),
		messages:     newMessageStore(),
		seq:          newSeqGenerator(),
	}
	if s.now == nil {
		s.now = time.Now
	}

	if s.snapshotFile != "" {
		if err := s.loadSnapshot(s.snapshotFile); err != nil {
			slog.Error("session snapshot: load failed", slog.String("file", s.snapshotFile), slog.Any("error", err))
		}
	}
	return s
}

func (s *MemoryStore) nowMillis() int64 { return s.now().UnixMilli() }

func (s *MemoryStore) expiry(now int64) int64 {
	return now + s.opts.TTL.Milliseconds()
}

// liveLocked returns the session if it exists and has not expired.
func (s *MemoryStore) liveLocked(sessionID string) (memSession, bool) {
	rec, ok := s.sessions[sessionID]
	if !ok || rec.ExpiresAt <= s.nowMillis() {
		return memSession{}, false
	}
	return rec, true
}

func (s *MemoryStore) view(rec memSession) model.Session {
	sess := rec.Session
	sess.MessageCount = s.messages.count(sess.ID)
	meta := make(map[string]string, len(sess.Metadata))
	for k, v := range sess.Metadata {
		meta[k] = v
	}
	sess.Metadata = meta
	return sess
}

func (s *MemoryStore) CreateSession(_ context.Context, metadata map[string]string) (model.Session, error) {
	now := s.nowMillis()
	rec := memSession{
		Session: model.Session{
			ID:         model.NewID(),
			CreatedAt:  now,
			UpdatedAt:  now,
			Metadata:   applyMetadata(nil, metadata),
			TTLSeconds: int64(s.opts.TTL / time.Second),
		},
		ExpiresAt: s.expiry(now),
	}

	s.mu.Lock()
	s.sessions[rec.Session.ID] = rec
	out := s.view(rec)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return out, nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.liveLocked(sessionID)
	if !ok {
		return model.Session{}, apperr.SessionNotFound(sessionID)
	}
	return s.view(rec), nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Session, 0, len(s.sessions))
	for id := range s.sessions {
		if rec, ok := s.liveLocked(id); ok {
			result = append(result, s.view(rec))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt == result[j].UpdatedAt {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt > result[j].UpdatedAt
	})
	return result, nil
}

func (s *MemoryStore) UpdateSessionMetadata(_ context.Context, sessionID string, patch map[string]string) (model.Session, error) {
	s.mu.Lock()
	rec, ok := s.liveLocked(sessionID)
	if !ok {
		s.mu.Unlock()
		return model.Session{}, apperr.SessionNotFound(sessionID)
	}
	now := s.nowMillis()
	rec.Session.Metadata = applyMetadata(rec.Session.Metadata, patch)
	rec.Session.UpdatedAt = now
	rec.ExpiresAt = s.expiry(now)
	s.sessions[sessionID] = rec
	out := s.view(rec)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, msg model.Message) (int, error) {
	msg, err := prepareMessage(sessionID, msg)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	rec, ok := s.liveLocked(sessionID)
	if !ok {
		s.mu.Unlock()
		return 0, apperr.SessionNotFound(sessionID)
	}
	now := s.nowMillis()
	msg.CreatedAt = s.seq.nextForSession(sessionID, msg.CreatedAt)
	count := s.messages.append(sessionID, msg, s.opts.MaxMessages)
	rec.Session.UpdatedAt = now
	rec.Session.MessageCount = count
	rec.ExpiresAt = s.expiry(now)
	s.sessions[sessionID] = rec
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return count, nil
}

func (s *MemoryStore) Read(_ context.Context, sessionID string, offset, limit int) ([]model.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.liveLocked(sessionID); !ok {
		return nil, 0, apperr.SessionNotFound(sessionID)
	}
	msgs, total := s.messages.window(sessionID, offset, limit)
	return msgs, total, nil
}

func (s *MemoryStore) TruncateFrom(_ context.Context, sessionID, messageID string) (int, error) {
	s.mu.Lock()
	rec, ok := s.liveLocked(sessionID)
	if !ok {
		s.mu.Unlock()
		return 0, apperr.SessionNotFound(sessionID)
	}
	removed, found := s.messages.truncateFrom(sessionID, messageID)
	if !found {
		s.mu.Unlock()
		return 0, apperr.MessageNotFound(messageID)
	}
	now := s.nowMillis()
	rec.Session.UpdatedAt = now
	rec.Session.MessageCount = s.messages.count(sessionID)
	rec.ExpiresAt = s.expiry(now)
	s.sessions[sessionID] = rec
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return removed, nil
}

func (s *MemoryStore) Touch(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveLocked(sessionID)
	if !ok {
		return apperr.SessionNotFound(sessionID)
	}
	rec.ExpiresAt = s.expiry(s.nowMillis())
	s.sessions[sessionID] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	if _, ok := s.liveLocked(sessionID); !ok {
		s.mu.Unlock()
		return apperr.SessionNotFound(sessionID)
	}
	s.deleteLocked(sessionID)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, sessionID, messageID string, patch model.MessagePatch) (model.Message, error) {
	s.mu.Lock()
	if _, ok := s.liveLocked(sessionID); !ok {
		s.mu.Unlock()
		return model.Message{}, apperr.SessionNotFound(sessionID)
	}
	msg, found := s.messages.update(sessionID, messageID, patch)
	if !found {
		s.mu.Unlock()
		return model.Message{}, apperr.MessageNotFound(messageID)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snap)
	return msg, nil
}

// SweepExpired drops sessions whose TTL has elapsed.
func (s *MemoryStore) SweepExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	now := s.nowMillis()
	removed := 0
	for id, rec := range s.sessions {
		if rec.ExpiresAt <= now {
			s.deleteLocked(id)
			removed++
		}
	}
	var snap *persistedSessionsFile
	if removed > 0 {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	s.persist(snap)
	return removed, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) deleteLocked(sessionID string) {
	delete(s.sessions, sessionID)
	s.messages.deleteSession(sessionID)
	s.seq.forget(sessionID)
}

type persistedSession struct {
	memSession
	Messages []model.Message `json:"messages"`
}

type persistedSessionsFile struct {
	Version  int                `json:"version"`
	Sessions []persistedSession `json:"sessions"`
	SavedAt  int64              `json:"savedAt"`

	seq uint64
}

func (s *MemoryStore) loadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedSessionsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported session snapshot version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ps := range file.Sessions {
		if ps.Session.ID == "" {
			continue
		}
		s.sessions[ps.Session.ID] = ps.memSession
		s.messages.data[ps.Session.ID] = ps.Messages
		for _, m := range ps.Messages {
			s.seq.observe(ps.Session.ID, m.CreatedAt)
		}
	}
	return nil
}

func (s *MemoryStore) snapshotLocked() *persistedSessionsFile {
	if s.snapshotFile == "" {
		return nil
	}
	s.version++
	file := &persistedSessionsFile{Version: 1, SavedAt: s.nowMillis(), seq: s.version}
	for id, rec := range s.sessions {
		msgs := append([]model.Message(nil), s.messages.data[id]...)
		file.Sessions = append(file.Sessions, persistedSession{memSession: rec, Messages: msgs})
	}
	sort.Slice(file.Sessions, func(i, j int) bool { return file.Sessions[i].Session.ID < file.Sessions[j].Session.ID })
	return file
}

// persist writes the snapshot atomically. Snapshots older than the last one
// written are skipped.
func (s *MemoryStore) persist(file *persistedSessionsFile) {
	path := s.snapshotFile
	if path == "" || file == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if file.seq <= s.persisted {
		return
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Error("session snapshot: mkdir failed", slog.String("dir", dir), slog.Any("error", err))
		return
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		slog.Error("session snapshot: marshal failed", slog.Any("error", err))
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		slog.Error("session snapshot: create temp failed", slog.Any("error", err))
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		slog.Error("session snapshot: chmod temp failed", slog.Any("error", err))
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		slog.Error("session snapshot: write temp failed", slog.Any("error", err))
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		slog.Error("session snapshot: sync temp failed", slog.Any("error", err))
		return
	}
	if err := tmp.Close(); err != nil {
		slog.Error("session snapshot: close temp failed", slog.Any("error", err))
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		slog.Error("session snapshot: rename failed", slog.Any("error", err))
		return
	}
	s.persisted = file.seq
}
