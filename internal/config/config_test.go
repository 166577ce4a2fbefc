package config

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, ModeStatic, cfg.Monitor.Mode)
	assert.Equal(t, "*/5 * * * *", cfg.Monitor.Schedule)
	assert.Equal(t, 20, cfg.Monitor.MaxPerUser)
	assert.Equal(t, 3, cfg.Monitor.Concurrency)
	assert.True(t, cfg.MediaCache.Enabled)
	assert.True(t, cfg.MediaCache.CacheForPriorityOnly)
	assert.False(t, cfg.MediaCache.IncludeVideoFiles)
	assert.Equal(t, 12*time.Second, cfg.MediaCache.RequestTimeout())
	assert.Equal(t, int64(2048)*1024*1024, cfg.MediaCache.MaxDiskBytes())
	assert.Equal(t, 30, cfg.MediaCache.TTLDays)
	assert.Equal(t, "0 * * * *", cfg.MediaCache.CleanupCron)
	assert.Equal(t, 10*time.Minute, cfg.Tasks.StaleAfter)
	assert.Equal(t, time.Minute, cfg.Tasks.RetryDelay)
	assert.Empty(t, cfg.Database.Redis.Host)
	assert.Equal(t, 900, cfg.Upstream.BudgetTotal)
	assert.Equal(t, 15*time.Minute, cfg.Upstream.BudgetWindow)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("MONITOR_MODE", "Dynamic")
	t.Setenv("MONITOR_STATIC_USERNAMES", " @Alice, bob ,alice,,")
	t.Setenv("MONITOR_PRIORITY_USERNAMES", "@bob")
	t.Setenv("MEDIA_CACHE_INCLUDE_VIDEO", "true")
	t.Setenv("TASK_STALE_AFTER", "30s")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, ModeDynamic, cfg.Monitor.Mode)
	assert.Equal(t, []string{"Alice", "bob"}, cfg.Monitor.StaticUsernames)
	assert.True(t, cfg.Monitor.IsPriority("@BOB"))
	assert.False(t, cfg.Monitor.IsPriority("alice"))
	assert.True(t, cfg.MediaCache.IncludeVideoFiles)
	assert.Equal(t, 30*time.Second, cfg.Tasks.StaleAfter)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad schedule", "MONITOR_SCHEDULE", "every five minutes"},
		{"bad cleanup cron", "MEDIA_CACHE_CLEANUP_CRON", "* * *"},
		{"concurrency too high", "MONITOR_CONCURRENCY", "11"},
		{"max per user zero", "MONITOR_MAX_PER_USER", "0"},
		{"timeout too small", "MEDIA_CACHE_REQUEST_TIMEOUT_MS", "500"},
		{"disk too small", "MEDIA_CACHE_MAX_DISK_MB", "10"},
		{"ttl too long", "MEDIA_CACHE_TTL_DAYS", "4000"},
		{"bad mode", "MONITOR_MODE", "hybrid"},
		{"bad handle", "MONITOR_STATIC_USERNAMES", "this-is-not-valid"},
		{"handle too long", "MONITOR_PRIORITY_USERNAMES", "abcdefghijklmnopq"},
		{"bad driver", "DATABASE_DRIVER", "mysql"},
		{"reserved over total", "X_REQUEST_BUDGET_RESERVED", "5000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			cfg, err := LoadConfig()
			assert.Error(t, err)
			assert.Nil(t, cfg)
		})
	}
}

func TestMigrationURL(t *testing.T) {
	db := DatabaseConfig{Driver: "sqlite", SQLitePath: "/tmp/x.db"}
	assert.Equal(t, "sqlite:///tmp/x.db", db.MigrationURL())

	db.Driver = "postgres"
	db.Postgres = PostgresConfig{Host: "h", Port: "5432", Database: "d", User: "u", Password: "p"}
	assert.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", db.MigrationURL())
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "x")
	t.Setenv("TEST_BOOL", "false")
	t.Setenv("TEST_LIST", "a, b,,c")

	assert.Equal(t, 7, getEnvAsInt("TEST_INT", 7))
	assert.False(t, getEnvAsBool("TEST_BOOL", true))
	assert.Equal(t, []string{"a", "b", "c"}, getEnvAsList("TEST_LIST"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_KEY", "default"))
}

func TestNormalizeUsernamesProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	handle := gen.RegexMatch(`@?[A-Za-z0-9_]{1,15}`)

	properties.Property("normalization is idempotent", prop.ForAll(
		func(list []string) bool {
			once := NormalizeUsernames(list)
			twice := NormalizeUsernames(once)
			return strings.Join(once, ",") == strings.Join(twice, ",")
		},
		gen.SliceOf(handle),
	))

	properties.Property("no case-insensitive duplicates survive", prop.ForAll(
		func(list []string) bool {
			seen := map[string]bool{}
			for _, name := range NormalizeUsernames(list) {
				key := strings.ToLower(name)
				if seen[key] || strings.HasPrefix(name, "@") {
					return false
				}
				seen[key] = true
			}
			return true
		},
		gen.SliceOf(handle),
	))

	properties.TestingRun(t)
}
