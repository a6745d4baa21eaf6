package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/model"
)

var (
	sessionsBucket = []byte("sessions")
	historyBucket  = []byte("history")
	msgsBucket     = []byte("msgs")
	idsBucket      = []byte("ids")
)

type BoltOptions struct {
	Options
	Now func() time.Time
}

// BoltStore keeps sessions in a single bbolt file. Each session owns a nested
// bucket under history with its messages keyed by a big-endian sequence and
// an id index pointing back at those keys. Every operation runs in one
// transaction, so readers never see a half-applied truncate.
type BoltStore struct {
	db        *bolt.DB
	opts      Options
	now       func() time.Time
	closeOnce sync.Once
}

func NewBolt(path string, opts BoltOptions) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(historyBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	s := &BoltStore{db: db, opts: opts.Options.withDefaults(), now: opts.Now}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *BoltStore) nowMillis() int64 { return s.now().UnixMilli() }

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// loadLive reads the session record and reports SessionNotFound when it is
// missing or expired.
func (s *BoltStore) loadLive(tx *bolt.Tx, sessionID string) (memSession, error) {
	raw := tx.Bucket(sessionsBucket).Get([]byte(sessionID))
	if raw == nil {
		return memSession{}, apperr.SessionNotFound(sessionID)
	}
	var rec memSession
	if err := json.Unmarshal(raw, &rec); err != nil {
		return memSession{}, fmt.Errorf("decode session: %w", err)
	}
	if rec.ExpiresAt <= s.nowMillis() {
		return memSession{}, apperr.SessionNotFound(sessionID)
	}
	return rec, nil
}

func saveSession(tx *bolt.Tx, rec memSession) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return tx.Bucket(sessionsBucket).Put([]byte(rec.Session.ID), data)
}

func (s *BoltStore) touched(rec memSession) memSession {
	now := s.nowMillis()
	rec.Session.UpdatedAt = now
	rec.ExpiresAt = now + s.opts.TTL.Milliseconds()
	return rec
}

// historyOf returns the msgs and ids buckets of a session, or nils if the
// session has no history yet.
func historyOf(tx *bolt.Tx, sessionID string) (*bolt.Bucket, *bolt.Bucket) {
	b := tx.Bucket(historyBucket).Bucket([]byte(sessionID))
	if b == nil {
		return nil, nil
	}
	return b.Bucket(msgsBucket), b.Bucket(idsBucket)
}

func createHistory(tx *bolt.Tx, sessionID string) (*bolt.Bucket, *bolt.Bucket, error) {
	b, err := tx.Bucket(historyBucket).CreateBucketIfNotExists([]byte(sessionID))
	if err != nil {
		return nil, nil, err
	}
	msgs, err := b.CreateBucketIfNotExists(msgsBucket)
	if err != nil {
		return nil, nil, err
	}
	ids, err := b.CreateBucketIfNotExists(idsBucket)
	if err != nil {
		return nil, nil, err
	}
	return msgs, ids, nil
}

func (s *BoltStore) CreateSession(_ context.Context, metadata map[string]string) (model.Session, error) {
	now := s.nowMillis()
	rec := memSession{
		Session: model.Session{
			ID:         model.NewID(),
			CreatedAt:  now,
			UpdatedAt:  now,
			Metadata:   applyMetadata(nil, metadata),
			TTLSeconds: int64(s.opts.TTL / time.Second),
		},
		ExpiresAt: now + s.opts.TTL.Milliseconds(),
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return saveSession(tx, rec)
	})
	if err != nil {
		return model.Session{}, err
	}
	return rec.Session, nil
}

func (s *BoltStore) GetSession(_ context.Context, sessionID string) (model.Session, error) {
	var sess model.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		rec, err := s.loadLive(tx, sessionID)
		sess = rec.Session
		return err
	})
	if err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

func (s *BoltStore) ListSessions(_ context.Context) ([]model.Session, error) {
	var result []model.Session
	now := s.nowMillis()
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, v []byte) error {
			var rec memSession
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode session: %w", err)
			}
			if rec.ExpiresAt > now {
				result = append(result, rec.Session)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt == result[j].UpdatedAt {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt > result[j].UpdatedAt
	})
	return result, nil
}

func (s *BoltStore) UpdateSessionMetadata(_ context.Context, sessionID string, patch map[string]string) (model.Session, error) {
	var sess model.Session
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, err := s.loadLive(tx, sessionID)
		if err != nil {
			return err
		}
		rec = s.touched(rec)
		rec.Session.Metadata = applyMetadata(rec.Session.Metadata, patch)
		sess = rec.Session
		return saveSession(tx, rec)
	})
	if err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

func (s *BoltStore) Append(_ context.Context, sessionID string, msg model.Message) (int, error) {
	msg, err := prepareMessage(sessionID, msg)
	if err != nil {
		return 0, err
	}

	var count int
	err = s.db.Update(func(tx *bolt.Tx) error {
		rec, err := s.loadLive(tx, sessionID)
		if err != nil {
			return err
		}
		msgs, ids, err := createHistory(tx, sessionID)
		if err != nil {
			return err
		}

		if ids.Get([]byte(msg.ID)) == nil {
			if k, v := msgs.Cursor().Last(); k != nil {
				var last model.Message
				if err := json.Unmarshal(v, &last); err == nil && msg.CreatedAt <= last.CreatedAt {
					msg.CreatedAt = last.CreatedAt + 1
				}
			}
			data, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("encode message: %w", err)
			}
			seq, err := msgs.NextSequence()
			if err != nil {
				return err
			}
			key := seqKey(seq)
			if err := msgs.Put(key, data); err != nil {
				return err
			}
			if err := ids.Put([]byte(msg.ID), key); err != nil {
				return err
			}
			rec.Session.MessageCount++
		}

		if limit := s.opts.MaxMessages; limit > 0 {
			for rec.Session.MessageCount > limit {
				k, v := msgs.Cursor().First()
				if k == nil {
					break
				}
				var oldest model.Message
				if err := json.Unmarshal(v, &oldest); err == nil {
					_ = ids.Delete([]byte(oldest.ID))
				}
				if err := msgs.Delete(k); err != nil {
					return err
				}
				rec.Session.MessageCount--
			}
		}

		rec = s.touched(rec)
		count = rec.Session.MessageCount
		return saveSession(tx, rec)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *BoltStore) Read(_ context.Context, sessionID string, offset, limit int) ([]model.Message, int, error) {
	var (
		out   []model.Message
		total int
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		rec, err := s.loadLive(tx, sessionID)
		if err != nil {
			return err
		}
		total = rec.Session.MessageCount
		start, end := window(total, offset, limit)
		out = make([]model.Message, 0, end-start)

		msgs, _ := historyOf(tx, sessionID)
		if msgs == nil {
			return nil
		}
		c := msgs.Cursor()
		i := 0
		for k, v := c.First(); k != nil && i < end; k, v = c.Next() {
			if i >= start {
				var msg model.Message
				if err := json.Unmarshal(v, &msg); err != nil {
					return fmt.Errorf("decode message: %w", err)
				}
				out = append(out, msg)
			}
			i++
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *BoltStore) TruncateFrom(_ context.Context, sessionID, messageID string) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, err := s.loadLive(tx, sessionID)
		if err != nil {
			return err
		}
		msgs, ids := historyOf(tx, sessionID)
		if msgs == nil {
			return apperr.MessageNotFound(messageID)
		}
		from := ids.Get([]byte(messageID))
		if from == nil {
			return apperr.MessageNotFound(messageID)
		}

		var keys, msgIDs [][]byte
		c := msgs.Cursor()
		for k, v := c.Seek(from); k != nil; k, v = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
			var msg model.Message
			if err := json.Unmarshal(v, &msg); err == nil {
				msgIDs = append(msgIDs, []byte(msg.ID))
			}
		}
		for _, k := range keys {
			if err := msgs.Delete(k); err != nil {
				return err
			}
		}
		for _, id := range msgIDs {
			if err := ids.Delete(id); err != nil {
				return err
			}
		}

		removed = len(keys)
		rec = s.touched(rec)
		rec.Session.MessageCount -= removed
		return saveSession(tx, rec)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *BoltStore) Touch(_ context.Context, sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec, err := s.loadLive(tx, sessionID)
		if err != nil {
			return err
		}
		rec.ExpiresAt = s.nowMillis() + s.opts.TTL.Milliseconds()
		return saveSession(tx, rec)
	})
}

func (s *BoltStore) Delete(_ context.Context, sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := s.loadLive(tx, sessionID); err != nil {
			return err
		}
		return deleteSessionTx(tx, sessionID)
	})
}

func deleteSessionTx(tx *bolt.Tx, sessionID string) error {
	if err := tx.Bucket(sessionsBucket).Delete([]byte(sessionID)); err != nil {
		return err
	}
	history := tx.Bucket(historyBucket)
	if history.Bucket([]byte(sessionID)) == nil {
		return nil
	}
	return history.DeleteBucket([]byte(sessionID))
}

func (s *BoltStore) UpdateMessage(_ context.Context, sessionID, messageID string, patch model.MessagePatch) (model.Message, error) {
	var updated model.Message
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := s.loadLive(tx, sessionID); err != nil {
			return err
		}
		msgs, ids := historyOf(tx, sessionID)
		if msgs == nil {
			return apperr.MessageNotFound(messageID)
		}
		key := ids.Get([]byte(messageID))
		if key == nil {
			return apperr.MessageNotFound(messageID)
		}
		var msg model.Message
		if err := json.Unmarshal(msgs.Get(key), &msg); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		patch.Apply(&msg)
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		updated = msg
		return msgs.Put(append([]byte(nil), key...), data)
	})
	if err != nil {
		return model.Message{}, err
	}
	return updated, nil
}

// SweepExpired removes sessions whose TTL has elapsed.
func (s *BoltStore) SweepExpired(_ context.Context) (int, error) {
	removed := 0
	now := s.nowMillis()
	err := s.db.Update(func(tx *bolt.Tx) error {
		var expired []string
		err := tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			var rec memSession
			if err := json.Unmarshal(v, &rec); err != nil || rec.ExpiresAt <= now {
				expired = append(expired, string(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range expired {
			if err := deleteSessionTx(tx, id); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}

func (s *BoltStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}
