package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/compozy/taskvisor/engine/notify"
	"github.com/compozy/taskvisor/engine/runtime"
	"github.com/compozy/taskvisor/engine/staging"
	"github.com/compozy/taskvisor/engine/supervisor"
	"github.com/compozy/taskvisor/pkg/config"
	"github.com/compozy/taskvisor/pkg/version"
)

// NewSupervisor wires staging, the script engine and sink from cfg over fs.
// A nil sink keeps notifications in process.
func NewSupervisor(cfg *config.Config, fs afero.Fs, sink notify.Sink) (*supervisor.Supervisor, error) {
	root, err := filepath.Abs(cfg.Supervisor.StagingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve staging dir: %w", err)
	}
	var stagingOpts []staging.Option
	if cfg.Supervisor.FileMode != 0 {
		stagingOpts = append(stagingOpts, staging.WithFilePerm(os.FileMode(cfg.Supervisor.FileMode)))
	}
	engine := runtime.NewFactory(
		runtime.WithFs(fs),
		runtime.WithFetchTimeout(cfg.Engine.FetchTimeout),
		runtime.WithMaxResponseBytes(cfg.Engine.MaxResponseBytes),
		runtime.WithMaxFileBytes(cfg.Engine.MaxFileBytes),
		runtime.WithUserAgent("taskvisor/"+version.Get().Version),
	)
	return supervisor.New(supervisor.Deps{
		Sink:   sink,
		Stager: staging.New(fs, root, stagingOpts...),
		Engine: engine,
	},
		supervisor.WithJoinTimeout(cfg.Supervisor.JoinTimeout),
		supervisor.WithSubscriberBuffer(cfg.Notify.SubscriberBuffer),
	)
}

// FollowConfig applies reloadable supervisor settings whenever m reloads.
func FollowConfig(m *config.Manager, sup *supervisor.Supervisor) {
	m.OnChange(func(next *config.Config) {
		sup.SetJoinTimeout(next.Supervisor.JoinTimeout)
	})
}

// NewRedisSink connects to the configured Redis and returns the sink plus
// a closer that drains it and closes the connection.
func NewRedisSink(ctx context.Context, cfg *config.Config) (*notify.RedisSink, func(context.Context) error, error) {
	client, err := notify.NewRedisClient(ctx, cfg.Notify.RedisURL.Value())
	if err != nil {
		return nil, nil, err
	}
	sink, err := notify.NewRedisSink(ctx, client, &notify.RedisOptions{
		ChannelPrefix:  cfg.Notify.ChannelPrefix,
		QueueSize:      cfg.Notify.QueueSize,
		PublishTimeout: cfg.Notify.PublishTimeout,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	closeFn := func(ctx context.Context) error {
		return errors.Join(sink.Close(ctx), client.Close())
	}
	return sink, closeFn, nil
}

// NewRedisWatcher connects to the configured Redis for reading snapshots.
func NewRedisWatcher(ctx context.Context, cfg *config.Config) (*notify.RedisWatcher, func() error, error) {
	if cfg.Notify.RedisURL.Value() == "" {
		return nil, nil, errors.New("notify.redis_url is required; set --redis-url or NOTIFY_REDIS_URL")
	}
	client, err := notify.NewRedisClient(ctx, cfg.Notify.RedisURL.Value())
	if err != nil {
		return nil, nil, err
	}
	watcher, err := notify.NewRedisWatcher(client, cfg.Notify.ChannelPrefix)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return watcher, client.Close, nil
}
