package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func clearModbotEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"MODBOT_CREDENTIALS", "MODBOT_LISTS", "CACHE_DB", "CACHE_BOOTSTRAP",
		"FIREHOSE_HOST", "PDS_HOST", "PUBLIC_API_HOST",
		"NUM_SCHEDULERS", "NUM_RESOLVERS", "NUM_RECONCILERS",
		"CACHE_HOURS", "CACHE_EXPIRE", "EXPECTED_CACHE_SIZE", "COMPACTION_WATERMARK",
		"HEARTBEAT_TIMEOUT", "HEARTBEAT_PROBE", "VERBOSE", "METRICS_ADDR",
	}
	for _, v := range vars {
		t.Setenv(v, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearModbotEnv(t)
	cfg := Load()

	assert.Equal(t, "credentials.yaml", cfg.CredentialsPath)
	assert.Equal(t, "lists.yaml", cfg.ListConfigPath)
	assert.Equal(t, "cache.db", cfg.CacheDBPath)
	assert.Equal(t, "wss://bsky.network", cfg.FirehoseHost)
	assert.Equal(t, 2, cfg.NumSchedulers)
	assert.Equal(t, 40, cfg.NumResolvers)
	assert.Equal(t, 20, cfg.NumReconcilers)
	assert.Equal(t, time.Hour, cfg.CacheLife)
	assert.True(t, cfg.CacheExpire)
	assert.Equal(t, 130_000, cfg.CompactionWatermark)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	clearModbotEnv(t)
	t.Setenv("NUM_RESOLVERS", "100")
	t.Setenv("CACHE_EXPIRE", "false")
	t.Setenv("CACHE_HOURS", "3")

	cfg := Load()
	assert.Equal(t, 100, cfg.NumResolvers)
	assert.False(t, cfg.CacheExpire)
	assert.Equal(t, 3*time.Hour, cfg.CacheLife)
}

func TestLoad_CompactionWatermarkExplicitOverride(t *testing.T) {
	clearModbotEnv(t)
	t.Setenv("COMPACTION_WATERMARK", "5000")

	cfg := Load()
	assert.Equal(t, 5000, cfg.CompactionWatermark)
}

func TestLoad_CacheHoursAcceptsDurationString(t *testing.T) {
	clearModbotEnv(t)
	t.Setenv("CACHE_HOURS", "90m")

	cfg := Load()
	assert.Equal(t, 90*time.Minute, cfg.CacheLife)
}

func TestRequireCredentialsPath_EmptyFails(t *testing.T) {
	cfg := &Config{CredentialsPath: "  "}
	assert.Error(t, cfg.RequireCredentialsPath())
}

func TestRequireCredentialsPath_NonEmptyPasses(t *testing.T) {
	cfg := &Config{CredentialsPath: "credentials.yaml"}
	assert.NoError(t, cfg.RequireCredentialsPath())
}
