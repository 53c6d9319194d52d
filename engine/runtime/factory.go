package runtime

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// OttoFactory creates otto-backed sessions sharing one HTTP client.
type OttoFactory struct {
	config *Config
	client *resty.Client
}

// NewFactory creates a Factory from the given options applied over the
// default configuration.
func NewFactory(opts ...Option) *OttoFactory {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	config.normalize()
	client := resty.New().
		SetTimeout(config.FetchTimeout).
		SetHeader("User-Agent", config.UserAgent).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	return &OttoFactory{config: config, client: client}
}

// Config returns the effective configuration.
func (f *OttoFactory) Config() Config {
	return *f.config
}

// NewSession creates a session bound to opts.TaskID. Missing callbacks deny
// every permission and drop reported values.
func (f *OttoFactory) NewSession(ctx context.Context, opts SessionOptions) (Session, error) {
	if opts.TaskID == "" {
		return nil, fmt.Errorf("session requires a task id")
	}
	if opts.Permissions == nil {
		opts.Permissions = denyAll()
	}
	if opts.Reporter == nil {
		opts.Reporter = discardReporter()
	}
	s, err := newSession(ctx, f.config, f.client, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for task %s: %w", opts.TaskID, err)
	}
	return s, nil
}
