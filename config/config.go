// Package config provides application configuration management.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oremus-labs/ol-bot-manager/internal/logutil"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	ServerPort string
	LogLevel   string

	// Managed container
	ContainerName     string
	ImageName         string
	HostDataPath      string
	ContainerDataPath string
	EnvPassthrough    []string

	// Image build
	BuildContextPath string
	Dockerfile       string
	BuildTimeout     time.Duration

	// Lifecycle polling
	StatusPollInterval time.Duration
	StatusPollAttempts int
	StopTimeout        time.Duration
	LogTail            int
	MonitorInterval    time.Duration

	// Data files
	DSLFilename   string
	DSLSchemaPath string

	// Persistence
	StatePath       string
	DataStoreDriver string
	DataStoreDSN    string
	MaxJobAttempts  int

	// Retention sweep; zero disables the corresponding pruning.
	RetentionInterval time.Duration
	JobRetention      time.Duration
	HistoryRetention  time.Duration

	// Redis / events configuration
	RedisAddr        string
	RedisUsername    string
	RedisPassword    string
	RedisDB          int
	RedisTLSEnabled  bool
	RedisTLSInsecure bool
	EventsChannel    string
	RedisJobStream   string
	RedisJobGroup    string
	RedisLockKey     string
	LockTTL          time.Duration

	APIToken string
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	statePath := getEnv("STATE_PATH", absPath("./state"))
	dataStoreDriver := getEnv("DATASTORE_DRIVER", "sqlite")
	dataStoreDSN := getEnv("DATASTORE_DSN", "")
	if dataStoreDSN == "" && dataStoreDriver == "postgres" {
		dataStoreDSN = os.Getenv("POSTGRES_DSN")
	}
	if dataStoreDSN == "" {
		dataStoreDSN = filepath.Join(statePath, "bot-manager.db")
	}
	return &Config{
		ServerPort:         getEnv("SERVER_PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		ContainerName:      getEnv("CONTAINER_NAME", "my-trading-bot-managed"),
		ImageName:          getEnv("IMAGE_NAME", "trading-bot"),
		HostDataPath:       absPath(getEnv("HOST_DATA_PATH", "./app/trading_data")),
		ContainerDataPath:  getEnv("CONTAINER_DATA_PATH", "/app/data"),
		EnvPassthrough:     getEnvList("CONTAINER_ENV_PASSTHROUGH", []string{"APPKEY", "APPSECRET"}),
		BuildContextPath:   absPath(getEnv("BUILD_CONTEXT_PATH", ".")),
		Dockerfile:         getEnv("DOCKERFILE", "Dockerfile"),
		BuildTimeout:       getEnvDuration("BUILD_TIMEOUT", 30*time.Minute),
		StatusPollInterval: getEnvDuration("STATUS_POLL_INTERVAL", time.Second),
		StatusPollAttempts: getEnvInt("STATUS_POLL_ATTEMPTS", 10),
		StopTimeout:        getEnvDuration("STOP_TIMEOUT", 10*time.Second),
		LogTail:            getEnvInt("LOG_TAIL", 200),
		MonitorInterval:    getEnvDuration("MONITOR_INTERVAL", 15*time.Second),
		DSLFilename:        getEnv("DSL_FILENAME", "dsl.txt"),
		DSLSchemaPath:      getEnv("DSL_SCHEMA_PATH", ""),
		StatePath:          statePath,
		DataStoreDriver:    dataStoreDriver,
		DataStoreDSN:       dataStoreDSN,
		MaxJobAttempts:     getEnvInt("MAX_JOB_ATTEMPTS", 1),
		RetentionInterval:  getEnvDuration("RETENTION_INTERVAL", time.Hour),
		JobRetention:       getEnvDuration("JOB_RETENTION", 7*24*time.Hour),
		HistoryRetention:   getEnvDuration("HISTORY_RETENTION", 30*24*time.Hour),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisUsername:      getEnv("REDIS_USERNAME", ""),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		RedisTLSEnabled:    getEnvBool("REDIS_TLS_ENABLED", false),
		RedisTLSInsecure:   getEnvBool("REDIS_TLS_INSECURE_SKIP_VERIFY", false),
		EventsChannel:      getEnv("EVENTS_CHANNEL", "bot-manager-events"),
		RedisJobStream:     getEnv("REDIS_JOB_STREAM", "bot-manager:jobs"),
		RedisJobGroup:      getEnv("REDIS_JOB_GROUP", "bot-workers"),
		RedisLockKey:       getEnv("REDIS_LOCK_KEY", "bot-manager:lifecycle"),
		LockTTL:            getEnvDuration("LIFECYCLE_LOCK_TTL", time.Minute),
		APIToken:           os.Getenv("BOT_MANAGER_API_TOKEN"),
	}
}

// ContainerEnv resolves the passthrough variable names against the current
// environment, skipping unset ones.
func (c *Config) ContainerEnv() []string {
	var env []string
	for _, key := range c.EnvPassthrough {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	return env
}

func absPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		logutil.Warn("invalid_config_value", map[string]interface{}{"key": key, "value": value, "default": defaultValue.String()})
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
		logutil.Warn("invalid_config_value", map[string]interface{}{"key": key, "value": value, "default": defaultValue})
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "y":
			return true
		case "0", "false", "no", "n":
			return false
		default:
			logutil.Warn("invalid_config_value", map[string]interface{}{"key": key, "value": value, "default": defaultValue})
		}
	}
	return defaultValue
}
