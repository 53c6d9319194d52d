package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSource struct {
	data       map[string]any
	sourceType SourceType
	err        error
}

func (m *mockSource) Load() (map[string]any, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.data, nil
}

func (m *mockSource) Watch(_ context.Context, _ func()) error { return nil }

func (m *mockSource) Type() SourceType { return m.sourceType }

func (m *mockSource) Close() error { return nil }

func TestLoader_Load(t *testing.T) {
	t.Run("Should load default configuration when no sources provided", func(t *testing.T) {
		cfg, err := NewService().Load(t.Context())

		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 5005, cfg.Server.Port)
	})

	t.Run("Should apply sources in precedence order", func(t *testing.T) {
		yamlSource := &mockSource{
			data: map[string]any{
				"server":     map[string]any{"host": "yaml.example.com", "port": 9001},
				"supervisor": map[string]any{"join_timeout": "2s"},
			},
			sourceType: SourceYAML,
		}
		cliSource := &mockSource{
			data:       map[string]any{"server": map[string]any{"host": "cli.example.com"}},
			sourceType: SourceCLI,
		}
		svc := NewService()

		cfg, err := svc.Load(t.Context(), yamlSource, cliSource)

		require.NoError(t, err)
		assert.Equal(t, "cli.example.com", cfg.Server.Host)
		assert.Equal(t, 9001, cfg.Server.Port)
		assert.Equal(t, 2*time.Second, cfg.Supervisor.JoinTimeout)
		assert.Equal(t, SourceCLI, svc.GetSource("server.host"))
		assert.Equal(t, SourceYAML, svc.GetSource("server.port"))
		assert.Equal(t, SourceDefault, svc.GetSource("runtime.log_level"))
	})

	t.Run("Should let environment variables override other sources", func(t *testing.T) {
		t.Setenv("SERVER_PORT", "7007")
		t.Setenv("NOTIFY_REDIS_URL", "redis://localhost:6379/0")
		t.Setenv("NOTIFY_MODE", "redis")
		source := &mockSource{
			data:       map[string]any{"server": map[string]any{"port": 9001}},
			sourceType: SourceYAML,
		}
		svc := NewService()

		cfg, err := svc.Load(t.Context(), source)

		require.NoError(t, err)
		assert.Equal(t, 7007, cfg.Server.Port)
		assert.Equal(t, "redis://localhost:6379/0", cfg.Notify.RedisURL.Value())
		assert.Equal(t, SourceEnv, svc.GetSource("server.port"))
	})

	t.Run("Should ignore unrelated environment variables", func(t *testing.T) {
		t.Setenv("SERVER_UNKNOWN_FIELD", "x")

		cfg, err := NewService().Load(t.Context())

		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	})

	t.Run("Should validate configuration after loading", func(t *testing.T) {
		source := &mockSource{
			data:       map[string]any{"server": map[string]any{"port": 99999}},
			sourceType: SourceYAML,
		}

		_, err := NewService().Load(t.Context(), source)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "validation failed")
	})

	t.Run("Should skip nil sources", func(t *testing.T) {
		cfg, err := NewService().Load(t.Context(), nil)

		require.NoError(t, err)
		assert.NotNil(t, cfg)
	})

	t.Run("Should surface source loading errors", func(t *testing.T) {
		source := &mockSource{err: errors.New("disk on fire"), sourceType: SourceYAML}

		_, err := NewService().Load(t.Context(), source)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk on fire")
	})
}

func TestLoader_Validate(t *testing.T) {
	svc := NewService()

	t.Run("Should reject nil configuration", func(t *testing.T) {
		assert.Error(t, svc.Validate(nil))
	})

	t.Run("Should reject unknown notify mode", func(t *testing.T) {
		cfg := Default()
		cfg.Notify.Mode = "carrier-pigeon"
		assert.Error(t, svc.Validate(cfg))
	})

	t.Run("Should require a redis url in redis mode", func(t *testing.T) {
		cfg := Default()
		cfg.Notify.Mode = ModeRedis
		err := svc.Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis_url")
	})

	t.Run("Should reject unsafe channel prefixes", func(t *testing.T) {
		cfg := Default()
		cfg.Notify.ChannelPrefix = "tasks with spaces"
		assert.Error(t, svc.Validate(cfg))
	})

	t.Run("Should reject negative join timeout", func(t *testing.T) {
		cfg := Default()
		cfg.Supervisor.JoinTimeout = -time.Second
		assert.Error(t, svc.Validate(cfg))
	})

	t.Run("Should require metrics path when monitoring is enabled", func(t *testing.T) {
		cfg := Default()
		cfg.Monitoring.Enabled = true
		cfg.Monitoring.Path = ""
		assert.Error(t, svc.Validate(cfg))
	})
}
