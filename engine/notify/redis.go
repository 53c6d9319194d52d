package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/compozy/taskvisor/engine/task"
	"github.com/compozy/taskvisor/pkg/logger"
)

const (
	defaultChannelPrefix  = "taskvisor:tasks:"
	defaultQueueSize      = 256
	defaultPublishTimeout = 2 * time.Second
	defaultLatestTTL      = 24 * time.Hour
)

// Envelope is the wire form of a snapshot published to Redis.
type Envelope struct {
	TaskID      string        `json:"task_id"`
	Snapshot    task.Snapshot `json:"snapshot"`
	PublishedAt time.Time     `json:"published_at"`
}

// RedisOptions controls RedisSink behavior.
type RedisOptions struct {
	ChannelPrefix  string
	QueueSize      int
	PublishTimeout time.Duration
	LatestTTL      time.Duration
}

func applyRedisDefaults(opts *RedisOptions) RedisOptions {
	cfg := RedisOptions{
		ChannelPrefix:  defaultChannelPrefix,
		QueueSize:      defaultQueueSize,
		PublishTimeout: defaultPublishTimeout,
		LatestTTL:      defaultLatestTTL,
	}
	if opts == nil {
		return cfg
	}
	if opts.ChannelPrefix != "" {
		cfg.ChannelPrefix = opts.ChannelPrefix
	}
	if opts.QueueSize > 0 {
		cfg.QueueSize = opts.QueueSize
	}
	if opts.PublishTimeout > 0 {
		cfg.PublishTimeout = opts.PublishTimeout
	}
	if opts.LatestTTL > 0 {
		cfg.LatestTTL = opts.LatestTTL
	}
	return cfg
}

// RedisSink publishes snapshots to a per-task Redis channel and keeps the
// latest snapshot under a key so late watchers can catch up. Publishing
// happens on a background goroutine fed by a bounded queue.
type RedisSink struct {
	client  redis.UniversalClient
	opts    RedisOptions
	queue   chan Envelope
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool
	once    sync.Once
	dropped atomic.Int64
	log     logger.Logger
}

// NewRedisSink constructs a RedisSink and starts its publisher loop.
func NewRedisSink(ctx context.Context, client redis.UniversalClient, opts *RedisOptions) (*RedisSink, error) {
	if client == nil {
		return nil, errors.New("notify: redis client is required")
	}
	cfg := applyRedisDefaults(opts)
	s := &RedisSink{
		client: client,
		opts:   cfg,
		queue:  make(chan Envelope, cfg.QueueSize),
		done:   make(chan struct{}),
		log:    logger.FromContext(ctx).With("component", "notify.redis"),
	}
	go s.run(context.WithoutCancel(ctx))
	return s, nil
}

// Channel returns the pub/sub channel for a task id.
func (s *RedisSink) Channel(taskID string) string {
	return ChannelName(s.opts.ChannelPrefix, taskID)
}

// ChannelName builds the per-task channel under prefix.
func ChannelName(prefix, taskID string) string {
	return prefix + taskID
}

// LatestKey builds the key holding the most recent snapshot of a task.
func LatestKey(prefix, taskID string) string {
	return prefix + "latest:" + taskID
}

func (s *RedisSink) Notify(ctx context.Context, snap task.Snapshot) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	env := Envelope{TaskID: snap.ID, Snapshot: snap, PublishedAt: time.Now().UTC()}
	select {
	case s.queue <- env:
	default:
		s.dropped.Add(1)
		recordDropped(ctx, sinkRedis)
		s.log.Warn("notification queue full, dropping snapshot", "task_id", snap.ID, "state", snap.State)
	}
}

func (s *RedisSink) run(ctx context.Context) {
	defer close(s.done)
	for env := range s.queue {
		if err := s.publish(ctx, env); err != nil {
			s.log.Warn("failed to publish task snapshot", "task_id", env.TaskID, "error", err)
			continue
		}
		recordPublished(ctx, sinkRedis)
	}
}

func (s *RedisSink) publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("notify: marshal envelope: %w", err)
	}
	pubCtx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.Set(pubCtx, LatestKey(s.opts.ChannelPrefix, env.TaskID), payload, s.opts.LatestTTL)
	pipe.Publish(pubCtx, s.Channel(env.TaskID), payload)
	if _, err := pipe.Exec(pubCtx); err != nil {
		return fmt.Errorf("notify: publish %s: %w", env.TaskID, err)
	}
	return nil
}

// Dropped returns how many snapshots were discarded because the queue was full.
func (s *RedisSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting snapshots and waits for queued ones to be
// published or for ctx to expire.
func (s *RedisSink) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		close(s.queue)
		s.closeMu.Unlock()
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewRedisClient parses a redis:// URL and returns a connected client.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("notify: invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("notify: redis ping failed: %w", err)
	}
	return client, nil
}
