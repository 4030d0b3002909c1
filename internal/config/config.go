// Package config holds runtime configuration for the moderation daemon,
// loaded from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all tunables recognized by the daemon (spec §9).
type Config struct {
	// Credentials and list/rule config files (loaded by internal/creds, internal/rules).
	CredentialsPath string // MODBOT_CREDENTIALS, default "credentials.yaml"
	ListConfigPath  string // MODBOT_LISTS, default "lists.yaml"

	// Profile cache.
	CacheDBPath        string // CACHE_DB, default "cache.db" (or a postgres:// URL)
	CacheBootstrapPath string // CACHE_BOOTSTRAP, optional gzipped JSON seed file

	// AT Protocol hosts.
	FirehoseHost  string // FIREHOSE_HOST, default "wss://bsky.network"
	PDSHost       string // PDS_HOST, default "https://bsky.social"
	PublicAPIHost string // PUBLIC_API_HOST, default "https://public.api.bsky.app"

	// Worker pool sizes.
	NumSchedulers  int // NUM_SCHEDULERS, default 2
	NumResolvers   int // NUM_RESOLVERS, default 40
	NumReconcilers int // NUM_RECONCILERS, default 20

	// Cache freshness.
	CacheLife   time.Duration // CACHE_HOURS, default 1h
	CacheExpire bool          // CACHE_EXPIRE, default true

	// Compaction (spec §9: watermark must be configurable, not hard-coded).
	ExpectedCacheSize   int // EXPECTED_CACHE_SIZE, default 100_000
	CompactionWatermark int // COMPACTION_WATERMARK, default ExpectedCacheSize * 1.3 if unset

	// Firehose heartbeat.
	HeartbeatTimeout time.Duration // HEARTBEAT_TIMEOUT, default 20s
	HeartbeatProbe   time.Duration // HEARTBEAT_PROBE, default 5s

	// Observability.
	Verbose     bool   // VERBOSE / -v, default false
	MetricsAddr string // METRICS_ADDR, default "127.0.0.1:9090"
}

// Load reads configuration from environment variables, applying the defaults
// documented on each field above. Every field has a usable default; nothing
// here exits the process — unlike the credentials file, none of these
// variables are required.
func Load() *Config {
	cfg := &Config{
		CredentialsPath: getEnv("MODBOT_CREDENTIALS", "credentials.yaml"),
		ListConfigPath:  getEnv("MODBOT_LISTS", "lists.yaml"),

		CacheDBPath:        getEnv("CACHE_DB", "cache.db"),
		CacheBootstrapPath: os.Getenv("CACHE_BOOTSTRAP"),

		FirehoseHost:  getEnv("FIREHOSE_HOST", "wss://bsky.network"),
		PDSHost:       getEnv("PDS_HOST", "https://bsky.social"),
		PublicAPIHost: getEnv("PUBLIC_API_HOST", "https://public.api.bsky.app"),

		NumSchedulers:  parseInt(os.Getenv("NUM_SCHEDULERS"), 2),
		NumResolvers:   parseInt(os.Getenv("NUM_RESOLVERS"), 40),
		NumReconcilers: parseInt(os.Getenv("NUM_RECONCILERS"), 20),

		CacheLife:   parseHours(os.Getenv("CACHE_HOURS"), time.Hour),
		CacheExpire: getEnvBoolDefault("CACHE_EXPIRE", true),

		ExpectedCacheSize: parseInt(os.Getenv("EXPECTED_CACHE_SIZE"), 100_000),

		HeartbeatTimeout: parseDuration(os.Getenv("HEARTBEAT_TIMEOUT"), 20*time.Second),
		HeartbeatProbe:   parseDuration(os.Getenv("HEARTBEAT_PROBE"), 5*time.Second),

		Verbose:     getEnvBoolDefault("VERBOSE", false),
		MetricsAddr: getEnv("METRICS_ADDR", "127.0.0.1:9090"),
	}

	watermark := parseInt(os.Getenv("COMPACTION_WATERMARK"), 0)
	if watermark <= 0 {
		watermark = int(float64(cfg.ExpectedCacheSize) * 1.3)
	}
	cfg.CompactionWatermark = watermark

	return cfg
}

// RequireCredentialsPath fails fast, in the same style as the teacher's
// NOSTR_PRIVATE_KEY check, when no credentials file can possibly exist.
func (c *Config) RequireCredentialsPath() error {
	if strings.TrimSpace(c.CredentialsPath) == "" {
		return fmt.Errorf("MODBOT_CREDENTIALS must not be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBoolDefault(key string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return fallback
	}
}

// parseHours accepts a plain integer (hours) or a Go duration string.
func parseHours(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Hour
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}
