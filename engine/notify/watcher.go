package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisWatcher follows snapshots published by a RedisSink, typically from
// another process.
type RedisWatcher struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisWatcher(client redis.UniversalClient, prefix string) (*RedisWatcher, error) {
	if client == nil {
		return nil, errors.New("notify: redis client is required")
	}
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	return &RedisWatcher{client: client, prefix: prefix}, nil
}

// Latest returns the most recent envelope stored for a task.
func (w *RedisWatcher) Latest(ctx context.Context, taskID string) (Envelope, bool, error) {
	raw, err := w.client.Get(ctx, LatestKey(w.prefix, taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, fmt.Errorf("notify: fetch latest: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, false, fmt.Errorf("notify: decode latest: %w", err)
	}
	return env, true, nil
}

// Feed is an open stream of envelopes for one task.
type Feed struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	out    <-chan Envelope
	once   sync.Once
}

func (f *Feed) C() <-chan Envelope {
	return f.out
}

func (f *Feed) Close() error {
	var err error
	f.once.Do(func() {
		f.cancel()
		err = f.pubsub.Close()
	})
	return err
}

// Watch subscribes to a task's channel. Malformed payloads are skipped.
func (w *RedisWatcher) Watch(ctx context.Context, taskID string) (*Feed, error) {
	pubsub := w.client.Subscribe(ctx, ChannelName(w.prefix, taskID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("notify: subscribe %s: %w", taskID, err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan Envelope, defaultSubscriberBuffer)
	go func(messages <-chan *redis.Message) {
		defer close(out)
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var env Envelope
				if msg == nil || json.Unmarshal([]byte(msg.Payload), &env) != nil {
					continue
				}
				select {
				case out <- env:
				case <-subCtx.Done():
					return
				}
			}
		}
	}(pubsub.Channel())
	return &Feed{pubsub: pubsub, cancel: cancel, out: out}, nil
}
