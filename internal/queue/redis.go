package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/model"
)

const (
	GroupName      = "llm_workers"
	streamTaskKey  = "task_id"
	defaultMaxLen  = 10000
	defaultClaim   = 60 * time.Second
	defaultPoll    = 2 * time.Second
	defaultTaskTTL = 24 * time.Hour
)

// requeueScript moves a task that was being worked on back to pending.
var requeueScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == ARGV[1] then
	redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3])
end
return 1
`)

type RedisOptions struct {
	Prefix string
	// Consumer names this process inside the consumer group.
	Consumer string
	MaxLen   int64
	// ClaimIdle is how long a delivery may stay unacknowledged before another
	// consumer takes it over.
	ClaimIdle time.Duration
	Poll      time.Duration
	TaskTTL   time.Duration
	Now       func() time.Time
}

// RedisBroker keeps the queue in a Redis stream read through a consumer
// group, and task state in one hash per task.
type RedisBroker struct {
	client redis.UniversalClient
	opts   RedisOptions
	stream string

	groupMu    sync.Mutex
	groupReady bool
}

func NewRedisBroker(client redis.UniversalClient, opts RedisOptions) *RedisBroker {
	if opts.Prefix == "" {
		opts.Prefix = "vlm:"
	}
	if opts.Consumer == "" {
		opts.Consumer = "worker-" + model.NewID()[:8]
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = defaultMaxLen
	}
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = defaultClaim
	}
	if opts.Poll <= 0 {
		opts.Poll = defaultPoll
	}
	if opts.TaskTTL <= 0 {
		opts.TaskTTL = defaultTaskTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RedisBroker{client: client, opts: opts, stream: opts.Prefix + "queue:requests"}
}

func (r *RedisBroker) taskKey(id string) string { return r.opts.Prefix + "task:" + id }

func (r *RedisBroker) deadKey() string { return r.opts.Prefix + "deadletter" }

func (r *RedisBroker) ensureGroup(ctx context.Context) error {
	r.groupMu.Lock()
	defer r.groupMu.Unlock()
	if r.groupReady {
		return nil
	}
	err := r.client.XGroupCreateMkStream(ctx, r.stream, GroupName, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	r.groupReady = true
	return nil
}

func (r *RedisBroker) Enqueue(ctx context.Context, task model.QueueTask) (string, error) {
	if task.ID == "" {
		task.ID = model.NewID()
	}
	if task.EnqueuedAt == 0 {
		task.EnqueuedAt = r.opts.Now().UnixMilli()
	}
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return "", err
	}
	key := r.taskKey(task.ID)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "session_id", task.SessionID)
		pipe.HSetNX(ctx, key, "request_id", task.RequestID)
		pipe.HSetNX(ctx, key, "payload", payload)
		pipe.HSetNX(ctx, key, "status", string(model.TaskPending))
		pipe.HSetNX(ctx, key, "attempt_count", 0)
		pipe.HSetNX(ctx, key, "enqueued_at", task.EnqueuedAt)
		pipe.Expire(ctx, key, r.opts.TaskTTL)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.stream,
			MaxLen: r.opts.MaxLen,
			Approx: true,
			Values: map[string]any{streamTaskKey: task.ID},
		})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return task.ID, nil
}

func (r *RedisBroker) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return nil, err
	}

	claimed, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.stream,
		Group:    GroupName,
		Consumer: r.opts.Consumer,
		MinIdle:  r.opts.ClaimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim stale tasks: %w", err)
	}
	if len(claimed) > 0 {
		return r.delivery(ctx, claimed[0])
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    GroupName,
		Consumer: r.opts.Consumer,
		Streams:  []string{r.stream, ">"},
		Count:    1,
		Block:    r.opts.Poll,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoTask
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read tasks: %w", err)
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return r.delivery(ctx, s.Messages[0])
		}
	}
	return nil, ErrNoTask
}

func (r *RedisBroker) delivery(ctx context.Context, msg redis.XMessage) (*Delivery, error) {
	id, _ := msg.Values[streamTaskKey].(string)
	task, err := r.Status(ctx, id)
	if errors.Is(err, apperr.ErrTaskNotFound) {
		// State expired or entry malformed; nothing left to run.
		_ = r.client.XAck(ctx, r.stream, GroupName, msg.ID).Err()
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, err
	}
	return &Delivery{Task: task, ref: msg.ID}, nil
}

func (r *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	return r.client.XAck(ctx, r.stream, GroupName, d.ref).Err()
}

// Nack re-adds the task at the tail, acknowledges the old entry and marks
// the task pending again.
func (r *RedisBroker) Nack(ctx context.Context, d *Delivery) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		requeueScript.Eval(ctx, pipe, []string{r.taskKey(d.Task.ID)},
			string(model.TaskInProgress), string(model.TaskPending), r.opts.Now().UnixMilli())
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.stream,
			MaxLen: r.opts.MaxLen,
			Approx: true,
			Values: map[string]any{streamTaskKey: d.Task.ID},
		})
		pipe.XAck(ctx, r.stream, GroupName, d.ref)
		return nil
	})
	return err
}

// LeaseTTL is the claim idle time: a pending entry idle this long may be
// taken over by another consumer.
func (r *RedisBroker) LeaseTTL() time.Duration { return r.opts.ClaimIdle }

// Extend resets the idle time of d's pending entry with XCLAIM JUSTID and
// refreshes the task's updated_at.
func (r *RedisBroker) Extend(ctx context.Context, d *Delivery) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   r.stream,
			Group:    GroupName,
			Consumer: r.opts.Consumer,
			Messages: []string{d.ref},
		})
		pipe.HSet(ctx, r.taskKey(d.Task.ID), "updated_at", r.opts.Now().UnixMilli())
		return nil
	})
	return err
}

func (r *RedisBroker) Status(ctx context.Context, taskID string) (model.QueueTask, error) {
	if taskID == "" {
		return model.QueueTask{}, apperr.TaskNotFound(taskID)
	}
	fields, err := r.client.HGetAll(ctx, r.taskKey(taskID)).Result()
	if err != nil {
		return model.QueueTask{}, err
	}
	if len(fields) == 0 {
		return model.QueueTask{}, apperr.TaskNotFound(taskID)
	}
	return taskFromHash(taskID, fields)
}

func taskFromHash(id string, fields map[string]string) (model.QueueTask, error) {
	task := model.QueueTask{
		ID:        id,
		SessionID: fields["session_id"],
		RequestID: fields["request_id"],
		Status:    model.TaskStatus(fields["status"]),
		LastError: fields["last_error"],
	}
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &task.Payload); err != nil {
			return model.QueueTask{}, fmt.Errorf("decode task %s: %w", id, err)
		}
	}
	task.AttemptCount, _ = strconv.Atoi(fields["attempt_count"])
	task.EnqueuedAt, _ = strconv.ParseInt(fields["enqueued_at"], 10, 64)
	task.UpdatedAt, _ = strconv.ParseInt(fields["updated_at"], 10, 64)
	return task, nil
}

func (r *RedisBroker) RecordAttempt(ctx context.Context, taskID string) (int, error) {
	key := r.taskKey(taskID)
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, apperr.TaskNotFound(taskID)
	}
	var incr *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, "attempt_count", 1)
		pipe.HSet(ctx, key, "status", string(model.TaskInProgress), "updated_at", r.opts.Now().UnixMilli())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (r *RedisBroker) MarkDone(ctx context.Context, taskID string) error {
	return r.client.HSet(ctx, r.taskKey(taskID),
		"status", string(model.TaskDone),
		"last_error", "",
		"updated_at", r.opts.Now().UnixMilli(),
	).Err()
}

// MarkFailed relies on HSETNX so concurrent or repeated calls for one task
// leave a single dead-letter record.
func (r *RedisBroker) MarkFailed(ctx context.Context, taskID, reason string) (bool, error) {
	task, err := r.Status(ctx, taskID)
	if err != nil {
		return false, err
	}
	task.Status = model.TaskFailed
	task.LastError = reason
	task.UpdatedAt = r.opts.Now().UnixMilli()
	record, err := json.Marshal(task)
	if err != nil {
		return false, err
	}

	var first *redis.BoolCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.taskKey(taskID),
			"status", string(model.TaskFailed),
			"last_error", reason,
			"updated_at", task.UpdatedAt,
		)
		first = pipe.HSetNX(ctx, r.deadKey(), taskID, record)
		return nil
	})
	if err != nil {
		return false, err
	}
	return first.Val(), nil
}

func (r *RedisBroker) DeadLetters(ctx context.Context) ([]model.QueueTask, error) {
	records, err := r.client.HGetAll(ctx, r.deadKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.QueueTask, 0, len(records))
	for id, raw := range records {
		var task model.QueueTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", id, err)
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt < out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Close is a no-op; the client belongs to the caller.
func (r *RedisBroker) Close() error { return nil }
