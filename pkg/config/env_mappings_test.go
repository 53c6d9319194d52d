package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateEnvMappings(t *testing.T) {
	t.Run("Should derive env vars from struct tags", func(t *testing.T) {
		m := GenerateEnvToConfigMap()

		assert.Equal(t, "server.port", m["SERVER_PORT"])
		assert.Equal(t, "supervisor.staging_dir", m["SUPERVISOR_STAGING_DIR"])
		assert.Equal(t, "notify.redis_url", m["NOTIFY_REDIS_URL"])
		assert.Equal(t, "monitoring.enabled", m["MONITORING_ENABLED"])
	})

	t.Run("Should look up env var by config path", func(t *testing.T) {
		assert.Equal(t, "ENGINE_FETCH_TIMEOUT", GetEnvVarForConfigPath("engine.fetch_timeout"))
		assert.Empty(t, GetEnvVarForConfigPath("engine.missing"))
	})
}

func TestIsSensitiveConfigPath(t *testing.T) {
	t.Run("Should flag secret fields", func(t *testing.T) {
		assert.True(t, IsSensitiveConfigPath("notify.redis_url"))
		assert.False(t, IsSensitiveConfigPath("notify.mode"))
		assert.False(t, IsSensitiveConfigPath("server"))
	})
}
