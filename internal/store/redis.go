package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/model"
)

const metaFieldPrefix = "meta:"

// Every script takes KEYS = {session hash, history list, id list}. The id list
// mirrors the history list so LPOS can find a message without decoding JSON.
var (
	appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local ttl = tonumber(ARGV[3])
if not redis.call('LPOS', KEYS[3], ARGV[2]) then
	redis.call('RPUSH', KEYS[2], ARGV[1])
	redis.call('RPUSH', KEYS[3], ARGV[2])
	local max = tonumber(ARGV[5])
	if max > 0 then
		redis.call('LTRIM', KEYS[2], -max, -1)
		redis.call('LTRIM', KEYS[3], -max, -1)
	end
end
local n = redis.call('LLEN', KEYS[3])
redis.call('HSET', KEYS[1], 'message_count', n, 'updated_at', ARGV[4])
redis.call('EXPIRE', KEYS[1], ttl)
redis.call('EXPIRE', KEYS[2], ttl)
redis.call('EXPIRE', KEYS[3], ttl)
return n
`)

	readScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
local total = redis.call('LLEN', KEYS[2])
local items = redis.call('LRANGE', KEYS[2], tonumber(ARGV[1]), tonumber(ARGV[2]))
return {total, items}
`)

	truncateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local pos = redis.call('LPOS', KEYS[3], ARGV[1])
if not pos then
	return -2
end
local n = redis.call('LLEN', KEYS[3])
if pos == 0 then
	redis.call('DEL', KEYS[2], KEYS[3])
else
	redis.call('LTRIM', KEYS[2], 0, pos - 1)
	redis.call('LTRIM', KEYS[3], 0, pos - 1)
end
local ttl = tonumber(ARGV[2])
redis.call('HSET', KEYS[1], 'message_count', pos, 'updated_at', ARGV[3])
redis.call('EXPIRE', KEYS[1], ttl)
redis.call('EXPIRE', KEYS[2], ttl)
redis.call('EXPIRE', KEYS[3], ttl)
return n - pos
`)

	touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local ttl = tonumber(ARGV[1])
redis.call('EXPIRE', KEYS[1], ttl)
redis.call('EXPIRE', KEYS[2], ttl)
redis.call('EXPIRE', KEYS[3], ttl)
return 1
`)

	metadataScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
for i = 3, #ARGV, 2 do
	if ARGV[i + 1] == '' then
		redis.call('HDEL', KEYS[1], ARGV[i])
	else
		redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
	end
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[2]))
redis.call('EXPIRE', KEYS[3], tonumber(ARGV[2]))
return 1
`)
)

type RedisOptions struct {
	Options
	Prefix string
}

type RedisStore struct {
	client redis.UniversalClient
	opts   Options
	prefix string
}

func NewRedis(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "vlm:"
	}
	return &RedisStore{client: client, opts: opts.Options.withDefaults(), prefix: prefix}
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *RedisStore) historyKey(id string) string { return s.prefix + "history:" + id }
func (s *RedisStore) idsKey(id string) string     { return s.prefix + "history_ids:" + id }

func (s *RedisStore) keys(id string) []string {
	return []string{s.sessionKey(id), s.historyKey(id), s.idsKey(id)}
}

func (s *RedisStore) ttlSeconds() int64 {
	return int64(s.opts.TTL / time.Second)
}

func (s *RedisStore) CreateSession(ctx context.Context, metadata map[string]string) (model.Session, error) {
	now := model.NowMillis()
	sess := model.Session{
		ID:         model.NewID(),
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata:   applyMetadata(nil, metadata),
		TTLSeconds: s.ttlSeconds(),
	}

	fields := map[string]any{
		"id":            sess.ID,
		"created_at":    sess.CreatedAt,
		"updated_at":    sess.UpdatedAt,
		"message_count": 0,
		"ttl":           sess.TTLSeconds,
	}
	for k, v := range sess.Metadata {
		fields[metaFieldPrefix+k] = v
	}

	key := s.sessionKey(sess.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, s.opts.TTL)
		return nil
	})
	if err != nil {
		return model.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (model.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return model.Session{}, fmt.Errorf("get session: %w", err)
	}
	if len(fields) == 0 {
		return model.Session{}, apperr.SessionNotFound(sessionID)
	}
	return sessionFromHash(sessionID, fields), nil
}

func sessionFromHash(id string, fields map[string]string) model.Session {
	sess := model.Session{ID: id, Metadata: map[string]string{}}
	for k, v := range fields {
		switch {
		case k == "created_at":
			sess.CreatedAt, _ = strconv.ParseInt(v, 10, 64)
		case k == "updated_at":
			sess.UpdatedAt, _ = strconv.ParseInt(v, 10, 64)
		case k == "message_count":
			sess.MessageCount, _ = strconv.Atoi(v)
		case k == "ttl":
			sess.TTLSeconds, _ = strconv.ParseInt(v, 10, 64)
		case strings.HasPrefix(k, metaFieldPrefix):
			sess.Metadata[strings.TrimPrefix(k, metaFieldPrefix)] = v
		}
	}
	return sess
}

// ListSessions scans the keyspace, so sessions created or removed during the
// scan may or may not appear.
func (s *RedisStore) ListSessions(ctx context.Context) ([]model.Session, error) {
	var result []model.Session
	prefix := s.sessionKey("")
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), prefix)
		sess, err := s.GetSession(ctx, id)
		if errors.Is(err, apperr.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt == result[j].UpdatedAt {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt > result[j].UpdatedAt
	})
	return result, nil
}

func (s *RedisStore) UpdateSessionMetadata(ctx context.Context, sessionID string, patch map[string]string) (model.Session, error) {
	args := []any{model.NowMillis(), s.ttlSeconds()}
	for k, v := range patch {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		args = append(args, metaFieldPrefix+k, v)
	}
	ok, err := metadataScript.Run(ctx, s.client, s.keys(sessionID), args...).Int()
	if err != nil {
		return model.Session{}, fmt.Errorf("update metadata: %w", err)
	}
	if ok == 0 {
		return model.Session{}, apperr.SessionNotFound(sessionID)
	}
	return s.GetSession(ctx, sessionID)
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, msg model.Message) (int, error) {
	msg, err := prepareMessage(sessionID, msg)
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode message: %w", err)
	}

	n, err := appendScript.Run(ctx, s.client, s.keys(sessionID),
		string(data), msg.ID, s.ttlSeconds(), model.NowMillis(), s.opts.MaxMessages).Int()
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	if n < 0 {
		return 0, apperr.SessionNotFound(sessionID)
	}
	return n, nil
}

func (s *RedisStore) Read(ctx context.Context, sessionID string, offset, limit int) ([]model.Message, int, error) {
	if offset < 0 {
		offset = 0
	}
	stop := -1
	if limit > 0 {
		stop = offset + limit - 1
	}

	res, err := readScript.Run(ctx, s.client, s.keys(sessionID)[:2], offset, stop).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, 0, apperr.SessionNotFound(sessionID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read history: %w", err)
	}
	if len(res) != 2 {
		return nil, 0, fmt.Errorf("read history: unexpected reply %v", res)
	}

	total, _ := res[0].(int64)
	items, _ := res[1].([]any)
	msgs := make([]model.Message, 0, len(items))
	for _, item := range items {
		raw, _ := item.(string)
		var msg model.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, 0, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, int(total), nil
}

func (s *RedisStore) TruncateFrom(ctx context.Context, sessionID, messageID string) (int, error) {
	n, err := truncateScript.Run(ctx, s.client, s.keys(sessionID),
		messageID, s.ttlSeconds(), model.NowMillis()).Int()
	if err != nil {
		return 0, fmt.Errorf("truncate history: %w", err)
	}
	switch n {
	case -1:
		return 0, apperr.SessionNotFound(sessionID)
	case -2:
		return 0, apperr.MessageNotFound(messageID)
	}
	return n, nil
}

func (s *RedisStore) Touch(ctx context.Context, sessionID string) error {
	ok, err := touchScript.Run(ctx, s.client, s.keys(sessionID), s.ttlSeconds()).Int()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if ok == 0 {
		return apperr.SessionNotFound(sessionID)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	n, err := s.client.Del(ctx, s.keys(sessionID)...).Result()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return apperr.SessionNotFound(sessionID)
	}
	return nil
}

// UpdateMessage rewrites one history entry under WATCH so a concurrent
// truncate or append aborts and retries it.
func (s *RedisStore) UpdateMessage(ctx context.Context, sessionID, messageID string, patch model.MessagePatch) (model.Message, error) {
	var updated model.Message
	keys := s.keys(sessionID)

	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, keys[0]).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return apperr.SessionNotFound(sessionID)
		}
		pos, err := tx.LPos(ctx, keys[2], messageID, redis.LPosArgs{}).Result()
		if errors.Is(err, redis.Nil) {
			return apperr.MessageNotFound(messageID)
		}
		if err != nil {
			return err
		}
		raw, err := tx.LIndex(ctx, keys[1], pos).Result()
		if err != nil {
			return err
		}
		var msg model.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return err
		}
		patch.Apply(&msg)
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LSet(ctx, keys[1], pos, string(data))
			return nil
		})
		if err == nil {
			updated = msg
		}
		return err
	}

	for i := 0; i < 5; i++ {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return model.Message{}, err
		}
		return updated, nil
	}
	return model.Message{}, fmt.Errorf("update message: %w", redis.TxFailedErr)
}

// Close is a no-op; the client is shared with the guard and the broker.
func (s *RedisStore) Close() error { return nil }
