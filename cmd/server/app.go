package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"vlm-chat-server/internal/chat"
	"vlm-chat-server/internal/config"
	"vlm-chat-server/internal/guard"
	"vlm-chat-server/internal/handler"
	"vlm-chat-server/internal/hub"
	"vlm-chat-server/internal/llm"
	"vlm-chat-server/internal/logging"
	"vlm-chat-server/internal/metrics"
	"vlm-chat-server/internal/middleware"
	"vlm-chat-server/internal/queue"
	"vlm-chat-server/internal/server"
	"vlm-chat-server/internal/store"
)

const sweepInterval = time.Minute

// app holds every long-lived component of one process.
type app struct {
	cfg     config.Config
	started time.Time

	redis   *redis.Client
	store   store.Store
	guard   guard.Guard
	hub     *hub.Hub
	relay   *hub.RedisRelay
	bus     hub.Publisher
	metrics *metrics.Metrics
	chat    *chat.Service
	broker  queue.Broker

	wg sync.WaitGroup
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, started: time.Now(), hub: hub.New(), metrics: metrics.New("vlm", "chat")}
	storeOpts := store.Options{TTL: cfg.Store.SessionTTL(), MaxMessages: cfg.Store.MaxHistoryMessages}

	switch cfg.Store.Backend {
	case config.StoreRedis:
		redisOpts, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(redisOpts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.redis.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.store = store.NewRedis(a.redis, store.RedisOptions{Options: storeOpts, Prefix: cfg.Store.KeyPrefix})
		a.guard = guard.NewRedis(a.redis, guard.RedisOptions{Prefix: cfg.Store.KeyPrefix, Lease: cfg.Chat.GuardLease()})
		a.relay = hub.NewRedisRelay(a.redis, a.hub, cfg.Store.KeyPrefix)
		a.bus = a.relay
	case config.StoreBolt:
		st, err := store.NewBolt(cfg.Store.BoltPath, store.BoltOptions{Options: storeOpts})
		if err != nil {
			return nil, err
		}
		a.store = st
		a.guard = guard.NewMemory()
		a.bus = a.hub
	default:
		a.store = store.NewMemory(store.MemoryOptions{Options: storeOpts, SnapshotFile: cfg.Store.SnapshotFile})
		a.guard = guard.NewMemory()
		a.bus = a.hub
	}

	var searcher llm.ImageSearcher
	if cfg.Chat.ImageSearchURL != "" {
		searcher = llm.NewHTTPImageSearcher(cfg.Chat.ImageSearchURL, nil)
	}
	backend := llm.NewOpenAI(llm.OpenAIConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: float32(cfg.LLM.Temperature),
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout(),
	})
	a.chat = chat.NewService(chat.Deps{
		Store:    a.store,
		Guard:    a.guard,
		Backend:  backend,
		Searcher: searcher,
		Metrics:  a.metrics,
	}, chat.Options{
		SystemPrompt:     cfg.Chat.SystemPrompt,
		ContextMessages:  cfg.Chat.ContextMessages,
		MaxTokens:        cfg.LLM.MaxTokens,
		Temperature:      float32(cfg.LLM.Temperature),
		ProgressInterval: cfg.Chat.ProgressInterval,
		IdleTimeout:      cfg.LLM.IdleTimeout(),
	})

	if cfg.Chat.DeliveryMode == config.DeliveryQueue {
		if a.redis != nil {
			host, _ := os.Hostname()
			a.broker = queue.NewRedisBroker(a.redis, queue.RedisOptions{
				Prefix:    cfg.Store.KeyPrefix,
				Consumer:  fmt.Sprintf("%s-%d", host, os.Getpid()),
				MaxLen:    cfg.Queue.MaxLen,
				ClaimIdle: cfg.Queue.ClaimIdle(),
			})
		} else {
			a.broker = queue.NewMemory(time.Second)
		}
	}
	return a, nil
}

// startBackground launches the sweeper, the pub/sub relay and, when asked,
// the queue workers. Each stops with ctx.
func (a *app) startBackground(ctx context.Context, workers bool) {
	if sw, ok := a.store.(store.Sweeper); ok {
		a.goWithCtx("store.sweeper", func() { store.RunSweeper(ctx, sw, sweepInterval) })
	}
	if a.relay != nil {
		ready := make(chan struct{})
		a.goWithCtx("hub.relay", func() {
			if err := a.relay.Run(ctx, ready); err != nil && ctx.Err() == nil {
				slog.Error("hub relay stopped", slog.Any("error", err))
			}
		})
		select {
		case <-ready:
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			slog.Warn("hub relay not subscribed yet")
		}
	}
	if a.broker == nil {
		return
	}

	// Cancels published by any process reach the generations running here.
	sub := queue.RelayCancels(a.hub, a.chat.Cancels().Cancel)
	context.AfterFunc(ctx, func() { a.hub.Unsubscribe(sub) })

	if workers {
		processor := queue.NewProcessor(a.broker, a.chat, a.bus, a.metrics, queue.ProcessorOptions{
			Concurrency: a.cfg.Queue.WorkerConcurrency,
			MaxAttempts: a.cfg.Queue.MaxRetries,
			BaseDelay:   a.cfg.Queue.BaseDelay(),
			MaxDelay:    a.cfg.Queue.MaxDelay(),
		})
		a.goWithCtx("queue.processor", func() { processor.Run(ctx) })
	}
}

func (a *app) goWithCtx(component string, fn func()) {
	a.wg.Add(1)
	logging.SafeGo(component, func() {
		defer a.wg.Done()
		fn()
	})
}

func (a *app) serveHTTP(ctx context.Context) error {
	gin.SetMode(a.cfg.Server.GinMode)

	var dispatcher handler.Dispatcher = &handler.DirectDispatcher{Chat: a.chat}
	if a.broker != nil {
		dispatcher = &handler.QueueDispatcher{Producer: queue.NewProducer(a.broker, a.bus, a.chat), Hub: a.hub}
	}

	var limiter *middleware.RateLimiter
	if a.cfg.Server.RateLimitPerMinute > 0 {
		limiter = middleware.NewRateLimiter(a.cfg.Server.RateLimitPerMinute, time.Minute)
		a.goWithCtx("ratelimit.cleanup", func() { limiter.Run(ctx.Done()) })
	}

	deps := server.Deps{
		Store:       a.store,
		Chat:        a.chat,
		Dispatcher:  dispatcher,
		Broker:      a.broker,
		Metrics:     a.metrics,
		RateLimiter: limiter,
	}
	if a.cfg.Server.AuthSecret != "" {
		deps.TokenConfig = tokenConfig(a.cfg)
	}
	return server.Run(ctx, a.cfg.Server, server.NewRouter(deps))
}

func (a *app) wait() {
	a.wg.Wait()
}

func (a *app) close() {
	if a.broker != nil {
		_ = a.broker.Close()
	}
	if err := a.store.Close(); err != nil {
		slog.Error("close store", slog.Any("error", err))
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
