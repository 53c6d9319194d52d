package runtime

import (
	"os"
	"time"

	"github.com/spf13/afero"
)

// Config holds configuration for script sessions
type Config struct {
	FetchTimeout     time.Duration
	MaxResponseBytes int64
	MaxFileBytes     int64
	Fs               afero.Fs
	LookupEnv        func(string) (string, bool)
	UserAgent        string
}

// Option is a function that configures sessions
type Option func(*Config)

// WithFetchTimeout sets the timeout for Task.fetch requests
func WithFetchTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.FetchTimeout = timeout
	}
}

// WithMaxResponseBytes caps the body size Task.fetch will read
func WithMaxResponseBytes(n int64) Option {
	return func(c *Config) {
		c.MaxResponseBytes = n
	}
}

// WithMaxFileBytes caps the file size Task.readTextFile will read
func WithMaxFileBytes(n int64) Option {
	return func(c *Config) {
		c.MaxFileBytes = n
	}
}

// WithFs sets the filesystem scripts and the loader read from
func WithFs(fs afero.Fs) Option {
	return func(c *Config) {
		c.Fs = fs
	}
}

// WithLookupEnv sets the environment lookup used by Task.env
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(c *Config) {
		c.LookupEnv = lookup
	}
}

// WithUserAgent sets the User-Agent header sent by Task.fetch
func WithUserAgent(ua string) Option {
	return func(c *Config) {
		c.UserAgent = ua
	}
}

// WithTestConfig applies test-specific configuration
func WithTestConfig() Option {
	return func(c *Config) {
		*c = *TestConfig()
	}
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		FetchTimeout:     30 * time.Second,
		MaxResponseBytes: 4 << 20,
		MaxFileBytes:     8 << 20,
		Fs:               afero.NewOsFs(),
		LookupEnv:        os.LookupEnv,
		UserAgent:        "taskvisor",
	}
}

func TestConfig() *Config {
	return &Config{
		FetchTimeout:     2 * time.Second,
		MaxResponseBytes: 64 << 10,
		MaxFileBytes:     64 << 10,
		Fs:               afero.NewMemMapFs(),
		LookupEnv: func(string) (string, bool) {
			return "", false
		},
		UserAgent: "taskvisor-test",
	}
}

func (c *Config) normalize() {
	defaults := DefaultConfig()
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaults.FetchTimeout
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = defaults.MaxResponseBytes
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = defaults.MaxFileBytes
	}
	if c.Fs == nil {
		c.Fs = defaults.Fs
	}
	if c.LookupEnv == nil {
		c.LookupEnv = defaults.LookupEnv
	}
	if c.UserAgent == "" {
		c.UserAgent = defaults.UserAgent
	}
}
