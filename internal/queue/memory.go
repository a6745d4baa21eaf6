package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/model"
)

// Memory is a single-process broker. Tasks are lost on restart.
type Memory struct {
	mu       sync.Mutex
	tasks    map[string]model.QueueTask
	pending  []string
	inflight map[string]string
	dead     []model.QueueTask
	deadIDs  map[string]struct{}
	seq      uint64
	notify   chan struct{}
	closed   chan struct{}
	once     sync.Once
	poll     time.Duration
	now      func() time.Time
}

func NewMemory(poll time.Duration) *Memory {
	if poll <= 0 {
		poll = time.Second
	}
	return &Memory{
		tasks:    make(map[string]model.QueueTask),
		inflight: make(map[string]string),
		deadIDs:  make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
		poll:     poll,
		now:      time.Now,
	}
}

func (m *Memory) Enqueue(_ context.Context, task model.QueueTask) (string, error) {
	if task.ID == "" {
		task.ID = model.NewID()
	}
	m.mu.Lock()
	if _, ok := m.tasks[task.ID]; !ok {
		task.Status = model.TaskPending
		if task.EnqueuedAt == 0 {
			task.EnqueuedAt = m.now().UnixMilli()
		}
		m.tasks[task.ID] = task
	}
	m.pending = append(m.pending, task.ID)
	m.mu.Unlock()
	m.signal()
	return task.ID, nil
}

func (m *Memory) Dequeue(ctx context.Context) (*Delivery, error) {
	timer := time.NewTimer(m.poll)
	defer timer.Stop()
	for {
		if d := m.pop(); d != nil {
			return d, nil
		}
		select {
		case <-m.notify:
		case <-timer.C:
			return nil, ErrNoTask
		case <-m.closed:
			return nil, ErrNoTask
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Memory) pop() *Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.pending) > 0 {
		id := m.pending[0]
		m.pending = m.pending[1:]
		task, ok := m.tasks[id]
		if !ok {
			continue
		}
		m.seq++
		ref := strconv.FormatUint(m.seq, 10)
		m.inflight[ref] = id
		return &Delivery{Task: task, ref: ref}
	}
	return nil
}

func (m *Memory) Ack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	delete(m.inflight, d.ref)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Nack(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	if _, ok := m.inflight[d.ref]; ok {
		delete(m.inflight, d.ref)
		m.pending = append(m.pending, d.Task.ID)
		if task, ok := m.tasks[d.Task.ID]; ok && task.Status == model.TaskInProgress {
			task.Status = model.TaskPending
			task.UpdatedAt = m.now().UnixMilli()
			m.tasks[d.Task.ID] = task
		}
	}
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *Memory) Status(_ context.Context, taskID string) (model.QueueTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return model.QueueTask{}, apperr.TaskNotFound(taskID)
	}
	return task, nil
}

func (m *Memory) RecordAttempt(_ context.Context, taskID string) (int, error) {
	return m.update(taskID, func(t *model.QueueTask) {
		t.AttemptCount++
		t.Status = model.TaskInProgress
	})
}

func (m *Memory) MarkDone(_ context.Context, taskID string) error {
	_, err := m.update(taskID, func(t *model.QueueTask) {
		t.Status = model.TaskDone
		t.LastError = ""
	})
	return err
}

func (m *Memory) MarkFailed(_ context.Context, taskID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return false, apperr.TaskNotFound(taskID)
	}
	task.Status = model.TaskFailed
	task.LastError = reason
	task.UpdatedAt = m.now().UnixMilli()
	m.tasks[taskID] = task

	if _, dup := m.deadIDs[taskID]; dup {
		return false, nil
	}
	m.deadIDs[taskID] = struct{}{}
	m.dead = append(m.dead, task)
	return true, nil
}

func (m *Memory) DeadLetters(_ context.Context) ([]model.QueueTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.QueueTask(nil), m.dead...), nil
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *Memory) update(taskID string, fn func(*model.QueueTask)) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return 0, apperr.TaskNotFound(taskID)
	}
	fn(&task)
	task.UpdatedAt = m.now().UnixMilli()
	m.tasks[taskID] = task
	return task.AttemptCount, nil
}

func (m *Memory) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
