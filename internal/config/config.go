// Package config provides configuration management for the feed mirror.
// It loads configuration from environment variables and .env files and
// validates it once, before any job is allowed to start.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/joho/godotenv"

	apperrors "github.com/x-mirror/internal/errors"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Upstream   UpstreamConfig
	Monitor    MonitorConfig
	MediaCache MediaCacheConfig
	Tasks      TaskConfig
	Logging    LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string
	Host         string
	RateLimitRPS float64
	RateBurst    int
}

// DatabaseConfig holds store configuration
type DatabaseConfig struct {
	Driver     string // sqlite or postgres
	SQLitePath string
	Postgres   PostgresConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds the optional identity cache configuration. An empty
// Host disables the cache.
type RedisConfig struct {
	Host        string
	Port        string
	Password    string
	DB          int
	IdentityTTL time.Duration
}

// UpstreamConfig holds the social platform API client configuration
type UpstreamConfig struct {
	BearerToken       string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Proxy             string

	// Shared request budget, enforced through Redis when it is configured.
	// Reserved requests are only spent on priority accounts.
	BudgetTotal    int
	BudgetReserved int
	BudgetWindow   time.Duration
}

// Monitor modes
const (
	ModeStatic  = "static"
	ModeDynamic = "dynamic"
)

// MonitorConfig controls which accounts are fetched and how
type MonitorConfig struct {
	Mode              string
	Schedule          string
	MaxPerUser        int
	Concurrency       int
	StaticUsernames   []string
	PriorityUsernames []string
	FetchOnStartup    bool
}

// MediaCacheConfig controls local mirroring of tweet media
type MediaCacheConfig struct {
	Enabled              bool
	RootDir              string
	CacheForPriorityOnly bool
	IncludeVideoFiles    bool
	RequestTimeoutMs     int
	MaxDiskUsageMB       int
	TTLDays              int
	CleanupCron          string
}

// RequestTimeout is the per-download timeout
func (c MediaCacheConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// MaxDiskBytes is the capacity budget in bytes
func (c MediaCacheConfig) MaxDiskBytes() int64 {
	if c.MaxDiskUsageMB <= 0 {
		return 0
	}
	return int64(c.MaxDiskUsageMB) * 1024 * 1024
}

// TaskConfig holds lease protocol tuning
type TaskConfig struct {
	StaleAfter time.Duration
	RetryDelay time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			RateLimitRPS: getEnvAsFloat("API_RATE_LIMIT_RPS", 10),
			RateBurst:    getEnvAsInt("API_RATE_LIMIT_BURST", 20),
		},
		Database: DatabaseConfig{
			Driver:     strings.ToLower(getEnv("DATABASE_DRIVER", "sqlite")),
			SQLitePath: getEnv("SQLITE_PATH", filepath.Join("data", "x-mirror.db")),
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "x_mirror"),
				User:           getEnv("POSTGRES_USER", "mirror"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 10),
			},
			Redis: RedisConfig{
				Host:        getEnv("REDIS_HOST", ""),
				Port:        getEnv("REDIS_PORT", "6379"),
				Password:    getEnv("REDIS_PASSWORD", ""),
				DB:          getEnvAsInt("REDIS_DB", 0),
				IdentityTTL: getEnvAsDuration("IDENTITY_CACHE_TTL", 6*time.Hour),
			},
		},
		Upstream: UpstreamConfig{
			BearerToken:       getEnv("X_BEARER_TOKEN", ""),
			BaseURL:           getEnv("X_API_BASE_URL", "https://api.x.com/2"),
			Timeout:           getEnvAsDuration("X_REQUEST_TIMEOUT", 15*time.Second),
			RequestsPerSecond: getEnvAsFloat("X_REQUESTS_PER_SECOND", 1),
			Proxy:             getEnv("MONITOR_PROXY", getEnv("HTTPS_PROXY", getEnv("HTTP_PROXY", ""))),
			BudgetTotal:       getEnvAsInt("X_REQUEST_BUDGET", 900),
			BudgetReserved:    getEnvAsInt("X_REQUEST_BUDGET_RESERVED", 300),
			BudgetWindow:      getEnvAsDuration("X_REQUEST_BUDGET_WINDOW", 15*time.Minute),
		},
		Monitor: MonitorConfig{
			Mode:              strings.ToLower(getEnv("MONITOR_MODE", ModeStatic)),
			Schedule:          getEnv("MONITOR_SCHEDULE", "*/5 * * * *"),
			MaxPerUser:        getEnvAsInt("MONITOR_MAX_PER_USER", 20),
			Concurrency:       getEnvAsInt("MONITOR_CONCURRENCY", 3),
			StaticUsernames:   getEnvAsList("MONITOR_STATIC_USERNAMES"),
			PriorityUsernames: getEnvAsList("MONITOR_PRIORITY_USERNAMES"),
			FetchOnStartup:    getEnvAsBool("MONITOR_FETCH_ON_STARTUP", true),
		},
		MediaCache: MediaCacheConfig{
			Enabled:              getEnvAsBool("MEDIA_CACHE_ENABLED", true),
			RootDir:              getEnv("MEDIA_CACHE_ROOT_DIR", "media-cache"),
			CacheForPriorityOnly: getEnvAsBool("MEDIA_CACHE_PRIORITY_ONLY", true),
			IncludeVideoFiles:    getEnvAsBool("MEDIA_CACHE_INCLUDE_VIDEO", false),
			RequestTimeoutMs:     getEnvAsInt("MEDIA_CACHE_REQUEST_TIMEOUT_MS", 12000),
			MaxDiskUsageMB:       getEnvAsInt("MEDIA_CACHE_MAX_DISK_MB", 2048),
			TTLDays:              getEnvAsInt("MEDIA_CACHE_TTL_DAYS", 30),
			CleanupCron:          getEnv("MEDIA_CACHE_CLEANUP_CRON", "0 * * * *"),
		},
		Tasks: TaskConfig{
			StaleAfter: getEnvAsDuration("TASK_STALE_AFTER", 10*time.Minute),
			RetryDelay: getEnvAsDuration("TASK_RETRY_DELAY", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)

// NormalizeUsername strips a leading "@" and surrounding whitespace
func NormalizeUsername(value string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), "@"))
}

// NormalizeUsernames normalizes a list and drops empty and case-insensitive
// duplicate entries, keeping the first spelling seen.
func NormalizeUsernames(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, raw := range list {
		clean := NormalizeUsername(raw)
		if clean == "" {
			continue
		}
		key := strings.ToLower(clean)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, clean)
	}
	return out
}

// ValidateUsername checks a normalized handle against the platform's rules
func ValidateUsername(name string) error {
	if !usernamePattern.MatchString(name) {
		return apperrors.NewInvalidParameterError("username", fmt.Sprintf("%q is not a valid handle", name))
	}
	return nil
}

// ValidateCron checks that expr is a parseable cron expression
func ValidateCron(key, expr string) error {
	if _, err := cronexpr.Parse(expr); err != nil {
		return apperrors.NewInvalidConfigError(key, err.Error())
	}
	return nil
}

// Validate normalizes username lists and rejects out-of-range values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return apperrors.NewInvalidConfigError("DATABASE_DRIVER", "must be sqlite or postgres")
	}

	m := &c.Monitor
	if m.Mode != ModeStatic && m.Mode != ModeDynamic {
		return apperrors.NewInvalidConfigError("MONITOR_MODE", "must be static or dynamic")
	}
	if err := ValidateCron("MONITOR_SCHEDULE", m.Schedule); err != nil {
		return err
	}
	if m.MaxPerUser < 1 {
		return apperrors.NewInvalidConfigError("MONITOR_MAX_PER_USER", "must be at least 1")
	}
	if m.Concurrency < 1 || m.Concurrency > 10 {
		return apperrors.NewInvalidConfigError("MONITOR_CONCURRENCY", "must be between 1 and 10")
	}
	m.StaticUsernames = NormalizeUsernames(m.StaticUsernames)
	m.PriorityUsernames = NormalizeUsernames(m.PriorityUsernames)
	for _, list := range [][]string{m.StaticUsernames, m.PriorityUsernames} {
		for _, name := range list {
			if err := ValidateUsername(name); err != nil {
				return err
			}
		}
	}

	mc := &c.MediaCache
	if strings.TrimSpace(mc.RootDir) == "" {
		return apperrors.NewInvalidConfigError("MEDIA_CACHE_ROOT_DIR", "must not be empty")
	}
	if mc.RequestTimeoutMs < 1000 || mc.RequestTimeoutMs > 60000 {
		return apperrors.NewInvalidConfigError("MEDIA_CACHE_REQUEST_TIMEOUT_MS", "must be between 1000 and 60000")
	}
	if mc.MaxDiskUsageMB < 100 || mc.MaxDiskUsageMB > 1048576 {
		return apperrors.NewInvalidConfigError("MEDIA_CACHE_MAX_DISK_MB", "must be between 100 and 1048576")
	}
	if mc.TTLDays < 1 || mc.TTLDays > 3650 {
		return apperrors.NewInvalidConfigError("MEDIA_CACHE_TTL_DAYS", "must be between 1 and 3650")
	}
	if err := ValidateCron("MEDIA_CACHE_CLEANUP_CRON", mc.CleanupCron); err != nil {
		return err
	}

	if c.Upstream.Proxy != "" {
		if _, err := url.Parse(c.Upstream.Proxy); err != nil {
			return apperrors.NewInvalidConfigError("MONITOR_PROXY", err.Error())
		}
	}
	if c.Upstream.RequestsPerSecond <= 0 {
		return apperrors.NewInvalidConfigError("X_REQUESTS_PER_SECOND", "must be positive")
	}
	if c.Upstream.BudgetTotal < 1 || c.Upstream.BudgetReserved < 0 || c.Upstream.BudgetReserved > c.Upstream.BudgetTotal {
		return apperrors.NewInvalidConfigError("X_REQUEST_BUDGET_RESERVED", "must be between 0 and X_REQUEST_BUDGET")
	}
	if c.Tasks.StaleAfter <= 0 {
		return apperrors.NewInvalidConfigError("TASK_STALE_AFTER", "must be positive")
	}
	return nil
}

// IsPriority reports whether username is on the priority list
func (m MonitorConfig) IsPriority(username string) bool {
	key := strings.ToLower(NormalizeUsername(username))
	for _, p := range m.PriorityUsernames {
		if strings.ToLower(p) == key {
			return true
		}
	}
	return false
}

// PostgresURL is the connection URL used by migrations
func (c DatabaseConfig) PostgresURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     c.Postgres.Host + ":" + c.Postgres.Port,
		Path:     "/" + c.Postgres.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// MigrationURL is the golang-migrate database URL for the configured driver
func (c DatabaseConfig) MigrationURL() string {
	if c.Driver == "postgres" {
		return c.PostgresURL()
	}
	return "sqlite://" + c.SQLitePath
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(strings.TrimSpace(getEnv(key, "")))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(getEnv(key, "")), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(getEnv(key, "")))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(strings.TrimSpace(getEnv(key, "")))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping blanks
func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
