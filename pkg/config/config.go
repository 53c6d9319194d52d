package config

import (
	"context"
	"time"
)

// Config represents the complete taskvisor configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"     json:"server"     yaml:"server"`
	Runtime    RuntimeConfig    `koanf:"runtime"    json:"runtime"    yaml:"runtime"`
	Supervisor SupervisorConfig `koanf:"supervisor" json:"supervisor" yaml:"supervisor"`
	Engine     EngineConfig     `koanf:"engine"     json:"engine"     yaml:"engine"`
	Notify     NotifyConfig     `koanf:"notify"     json:"notify"     yaml:"notify"`
	Monitoring MonitoringConfig `koanf:"monitoring" json:"monitoring" yaml:"monitoring"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"             env:"SERVER_HOST"             validate:"required"`
	Port            int           `koanf:"port"             env:"SERVER_PORT"             validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"     env:"SERVER_READ_TIMEOUT"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// RuntimeConfig contains process-level settings.
type RuntimeConfig struct {
	Environment string `koanf:"environment" env:"RUNTIME_ENVIRONMENT" validate:"oneof=development staging production"`
	LogLevel    string `koanf:"log_level"   env:"RUNTIME_LOG_LEVEL"   validate:"oneof=debug info warn error disabled"`
	LogJSON     bool   `koanf:"log_json"    env:"RUNTIME_LOG_JSON"`
	LogSource   bool   `koanf:"log_source"  env:"RUNTIME_LOG_SOURCE"`
}

// SupervisorConfig controls task lifecycle management.
type SupervisorConfig struct {
	// StagingDir is the root under which each task's source is written.
	StagingDir string `koanf:"staging_dir" env:"SUPERVISOR_STAGING_DIR" validate:"required"`
	// JoinTimeout bounds how long a stopped task's engine goroutine is awaited.
	JoinTimeout time.Duration `koanf:"join_timeout" env:"SUPERVISOR_JOIN_TIMEOUT"`
	FileMode    uint32        `koanf:"file_mode"    env:"SUPERVISOR_FILE_MODE"`
}

// EngineConfig tunes the host APIs exposed to scripts.
type EngineConfig struct {
	FetchTimeout     time.Duration `koanf:"fetch_timeout"      env:"ENGINE_FETCH_TIMEOUT"`
	MaxResponseBytes int64         `koanf:"max_response_bytes" env:"ENGINE_MAX_RESPONSE_BYTES" validate:"min=0"`
	MaxFileBytes     int64         `koanf:"max_file_bytes"     env:"ENGINE_MAX_FILE_BYTES"     validate:"min=0"`
}

// NotifyConfig contains snapshot fan-out configuration.
type NotifyConfig struct {
	Mode             string          `koanf:"mode"              env:"NOTIFY_MODE"              validate:"oneof=memory redis"`
	SubscriberBuffer int             `koanf:"subscriber_buffer" env:"NOTIFY_SUBSCRIBER_BUFFER" validate:"min=1"`
	RedisURL         SensitiveString `koanf:"redis_url"         env:"NOTIFY_REDIS_URL"         sensitive:"true"`
	ChannelPrefix    string          `koanf:"channel_prefix"    env:"NOTIFY_CHANNEL_PREFIX"    validate:"channel_prefix"`
	QueueSize        int             `koanf:"queue_size"        env:"NOTIFY_QUEUE_SIZE"        validate:"min=1"`
	PublishTimeout   time.Duration   `koanf:"publish_timeout"   env:"NOTIFY_PUBLISH_TIMEOUT"`
}

// MonitoringConfig contains metrics exposition settings.
type MonitoringConfig struct {
	Enabled bool   `koanf:"enabled" env:"MONITORING_ENABLED"`
	Path    string `koanf:"path"    env:"MONITORING_PATH"`
}

// SensitiveString hides its value from fmt and JSON output.
type SensitiveString string

func (s SensitiveString) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

func (s SensitiveString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Value returns the underlying secret.
func (s SensitiveString) Value() string {
	return string(s)
}

// Service defines the configuration management service interface.
type Service interface {
	// Load loads configuration from the specified sources with precedence order.
	Load(ctx context.Context, sources ...Source) (*Config, error)
	// Validate checks if the configuration meets all validation requirements.
	Validate(config *Config) error
	// GetSource returns the source type that provided a configuration key.
	GetSource(key string) SourceType
}

// Source defines the interface for configuration sources.
type Source interface {
	Load() (map[string]any, error)
	Watch(ctx context.Context, callback func()) error
	Type() SourceType
	Close() error
}

// SourceType identifies the type of configuration source.
type SourceType string

const (
	SourceCLI     SourceType = "cli"
	SourceYAML    SourceType = "yaml"
	SourceEnv     SourceType = "env"
	SourceDefault SourceType = "default"
)

// Metadata contains metadata about configuration sources.
type Metadata struct {
	Sources  map[string]SourceType `json:"sources"`
	LoadedAt time.Time             `json:"loaded_at"`
}

// Load loads configuration using the default service.
func Load() (*Config, error) {
	return NewService().Load(context.Background())
}

// Default returns a Config with default values for development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5005,
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Runtime: RuntimeConfig{
			Environment: "development",
			LogLevel:    "info",
		},
		Supervisor: SupervisorConfig{
			StagingDir:  ".taskvisor/staging",
			JoinTimeout: 5 * time.Second,
			FileMode:    0o600,
		},
		Engine: EngineConfig{
			FetchTimeout:     30 * time.Second,
			MaxResponseBytes: 4 << 20,
			MaxFileBytes:     8 << 20,
		},
		Notify: NotifyConfig{
			Mode:             ModeMemory,
			SubscriberBuffer: 64,
			ChannelPrefix:    "taskvisor:tasks:",
			QueueSize:        256,
			PublishTimeout:   2 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Enabled: false,
			Path:    "/metrics",
		},
	}
}
