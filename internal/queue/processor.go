package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/hub"
	"vlm-chat-server/internal/logging"
	"vlm-chat-server/internal/metrics"
	"vlm-chat-server/internal/model"
	"vlm-chat-server/internal/protocol"
)

// Executor runs one attempt of a request. chat.Service implements it.
type Executor interface {
	Execute(ctx context.Context, req model.GenerationRequest, enc *protocol.Encoder) error
}

type ProcessorOptions struct {
	Concurrency int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Now         func() time.Time
}

func (o ProcessorOptions) withDefaults() ProcessorOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Processor struct {
	broker  Broker
	exec    Executor
	bus     hub.Publisher
	metrics *metrics.Metrics
	opts    ProcessorOptions
}

func NewProcessor(broker Broker, exec Executor, bus hub.Publisher, m *metrics.Metrics, opts ProcessorOptions) *Processor {
	return &Processor{broker: broker, exec: exec, bus: bus, metrics: m, opts: opts.withDefaults()}
}

// Run starts the workers and blocks until ctx ends and every worker has
// handed back or finished its task.
func (p *Processor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			defer logging.Recover("queue.worker")
			p.work(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Processor) work(ctx context.Context, worker int) {
	log := slog.With(slog.Int("worker", worker))
	for ctx.Err() == nil {
		d, err := p.broker.Dequeue(ctx)
		if errors.Is(err, ErrNoTask) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", slog.Any("error", err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		p.Handle(ctx, d)
	}
}

// Handle processes one delivery to completion and settles it with the broker.
func (p *Processor) Handle(ctx context.Context, d *Delivery) {
	settle := context.WithoutCancel(ctx)
	taskID := d.Task.ID
	ctx = logging.WithRequestID(ctx, d.Task.RequestID)
	log := logging.FromContext(ctx).With(slog.String("task_id", taskID))

	task, err := p.broker.Status(ctx, taskID)
	if errors.Is(err, apperr.ErrTaskNotFound) {
		log.Warn("dropping delivery for unknown task")
		p.ack(settle, d)
		return
	}
	if err != nil {
		log.Error("load task state", slog.Any("error", err))
		p.nack(settle, d)
		return
	}
	if task.Status.Final() {
		log.Info("task already settled, acknowledging redelivery", slog.String("status", string(task.Status)))
		p.ack(settle, d)
		return
	}

	stopLease := func() {}
	if lease, ok := p.broker.(Leaser); ok {
		if p.ownedElsewhere(task, lease) {
			// The delivery stays pending; the owner's lease or a later reclaim settles it.
			log.Info("task is running on another worker, skipping delivery")
			return
		}
		stopLease = p.keepLease(ctx, lease, d, log)
	}

	enc := protocol.ResumeEncoder(task.RequestID, protocol.JSONSink(func(b []byte) error {
		return p.bus.Publish(settle, task.RequestID, b)
	}))

	runErr := p.attempts(ctx, task, enc)
	stopLease()

	if ctx.Err() != nil && !enc.Terminated() {
		log.Info("shutting down, returning task to the queue")
		p.metrics.QueueTask("requeued")
		p.nack(settle, d)
		return
	}

	switch {
	case enc.Terminated() && (runErr == nil || errors.Is(runErr, apperr.ErrCancelled)):
		if err := p.broker.MarkDone(settle, taskID); err != nil {
			log.Error("mark task done", slog.Any("error", err))
		}
		p.metrics.QueueTask("done")
	case enc.Terminated():
		p.markFailed(settle, log, taskID, runErr)
	case apperr.IsRetryable(runErr):
		exhausted := apperr.QueueExhausted(taskID, runErr)
		p.markFailed(settle, log, taskID, exhausted)
		if err := enc.Fail(apperr.CodeQueueExhausted, exhausted.Message); err != nil {
			log.Warn("failed to publish error event", slog.Any("error", err))
		}
	default:
		p.markFailed(settle, log, taskID, runErr)
		if err := enc.Fail(apperr.CodeOf(runErr), apperr.MessageOf(runErr)); err != nil {
			log.Warn("failed to publish error event", slog.Any("error", err))
		}
	}
	p.ack(settle, d)
}

// ownedElsewhere reports whether another worker is still extending the
// task's lease. A live owner refreshes updated_at every third of the TTL.
func (p *Processor) ownedElsewhere(task model.QueueTask, lease Leaser) bool {
	if task.Status != model.TaskInProgress || task.UpdatedAt == 0 {
		return false
	}
	return p.opts.Now().Sub(time.UnixMilli(task.UpdatedAt)) < lease.LeaseTTL()*2/3
}

// keepLease extends d every third of the lease TTL until the returned stop
// func is called.
func (p *Processor) keepLease(ctx context.Context, lease Leaser, d *Delivery, log *slog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	interval := lease.LeaseTTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	logging.SafeGo("queue.lease", func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Extend(ctx, d); err != nil && ctx.Err() == nil {
					log.Warn("extend task lease", slog.Any("error", err))
				}
			}
		}
	})
	return func() {
		cancel()
		<-done
	}
}

// attempts runs the task until it succeeds, terminates the event stream, or
// fails in a way that may not be retried. Attempts already recorded by earlier
// deliveries count against the limit.
func (p *Processor) attempts(ctx context.Context, task model.QueueTask, enc *protocol.Encoder) error {
	remaining := p.opts.MaxAttempts - task.AttemptCount
	if remaining <= 0 {
		return apperr.Transient("", errors.New("no attempts left"))
	}
	log := logging.FromContext(ctx)

	return retry.Do(
		func() error {
			n, err := p.broker.RecordAttempt(ctx, task.ID)
			if err != nil {
				return err
			}
			err = p.exec.Execute(ctx, task.Payload, enc)
			switch {
			case err == nil:
				p.metrics.QueueAttempt("ok")
			case apperr.IsRetryable(err) && !enc.Terminated():
				p.metrics.QueueAttempt("retry")
				log.Warn("attempt failed", slog.Int("attempt", n), slog.Any("error", err))
			default:
				p.metrics.QueueAttempt("error")
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(remaining)),
		retry.Delay(p.opts.BaseDelay),
		retry.MaxDelay(p.opts.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return apperr.IsRetryable(err) && !enc.Terminated()
		}),
	)
}

func (p *Processor) markFailed(ctx context.Context, log *slog.Logger, taskID string, cause error) {
	first, err := p.broker.MarkFailed(ctx, taskID, cause.Error())
	if err != nil {
		log.Error("mark task failed", slog.Any("error", err))
		return
	}
	if first {
		log.Warn("task moved to dead letters", slog.Any("error", cause))
	}
	p.metrics.QueueTask("failed")
}

func (p *Processor) ack(ctx context.Context, d *Delivery) {
	if err := p.broker.Ack(ctx, d); err != nil {
		slog.Error("ack task", slog.String("task_id", d.Task.ID), slog.Any("error", err))
	}
}

func (p *Processor) nack(ctx context.Context, d *Delivery) {
	if err := p.broker.Nack(ctx, d); err != nil {
		slog.Error("nack task", slog.String("task_id", d.Task.ID), slog.Any("error", err))
	}
}
