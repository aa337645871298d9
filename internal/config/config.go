package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aditya08deole/MAIN-sub001/common/config"
)

// Config 遥测接入服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	HTTP struct {
		Addr string
	}

	// Provider 遥测提供方（ThingSpeak 风格）
	Provider struct {
		BaseURL        string
		Timeout        time.Duration
		CallsPerMinute int
	}

	Breaker struct {
		FailureThreshold int
		SuccessThreshold int
		OpenTimeout      time.Duration
	}

	Scheduler struct {
		Workers          int
		AlertInterval    time.Duration
		CriticalInterval time.Duration
		StandardInterval time.Duration
		BorewellInterval time.Duration
		DeferDelay       time.Duration
		MaxSleep         time.Duration
		ShutdownGrace    time.Duration
	}

	State struct {
		OfflineThreshold int
		MaxRetries       int
	}

	Alert struct {
		MinGuardTTL        time.Duration
		RuleCacheTTL       time.Duration
		NotificationStream string
		NotificationGroup  string
	}

	Broadcast struct {
		ReplaySize int
		ReplayTTL  time.Duration
	}

	Cache struct {
		FieldMappingTTL     time.Duration
		InvalidationChannel string
	}

	Jobs struct {
		DeviceRefreshInterval time.Duration
		SweepInterval         time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database = config.DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", "postgres"),
		Database: getEnv("DB_NAME", "telemetry"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
		MaxConns: getEnvInt("DB_MAX_CONNS", 20),
		MaxIdle:  getEnvInt("DB_MAX_IDLE", 5),
	}

	cfg.Redis = config.RedisConfig{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getEnvInt("REDIS_DB", 0),
	}

	cfg.MQTT = config.MQTTConfig{
		ClientID:    "telemetry-ingest",
		TopicPrefix: "telemetry",
	}
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Provider.BaseURL = getEnv("PROVIDER_BASE_URL", "https://api.thingspeak.com")
	cfg.Provider.Timeout = getEnvDuration("PROVIDER_TIMEOUT", 5*time.Second)
	cfg.Provider.CallsPerMinute = getEnvInt("PROVIDER_CALLS_PER_MINUTE", 60)

	cfg.Breaker.FailureThreshold = getEnvInt("BREAKER_FAILURE_THRESHOLD", 5)
	cfg.Breaker.SuccessThreshold = getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2)
	cfg.Breaker.OpenTimeout = getEnvDuration("BREAKER_OPEN_TIMEOUT", 60*time.Second)

	cfg.Scheduler.Workers = getEnvInt("SCHEDULER_WORKERS", 16)
	cfg.Scheduler.AlertInterval = getEnvDuration("POLL_ALERT_INTERVAL", 30*time.Second)
	cfg.Scheduler.CriticalInterval = getEnvDuration("POLL_CRITICAL_INTERVAL", 60*time.Second)
	cfg.Scheduler.StandardInterval = getEnvDuration("POLL_STANDARD_INTERVAL", 5*time.Minute)
	cfg.Scheduler.BorewellInterval = getEnvDuration("POLL_BOREWELL_INTERVAL", 15*time.Minute)
	cfg.Scheduler.DeferDelay = getEnvDuration("POLL_DEFER_DELAY", 5*time.Second)
	cfg.Scheduler.MaxSleep = time.Second
	cfg.Scheduler.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", 10*time.Second)

	cfg.State.OfflineThreshold = getEnvInt("OFFLINE_THRESHOLD", 3)
	cfg.State.MaxRetries = getEnvInt("STATE_MAX_RETRIES", 5)

	cfg.Alert.MinGuardTTL = getEnvDuration("ALERT_MIN_GUARD_TTL", 60*time.Second)
	cfg.Alert.RuleCacheTTL = getEnvDuration("ALERT_RULE_CACHE_TTL", 5*time.Minute)
	cfg.Alert.NotificationStream = getEnv("NOTIFICATION_STREAM", "notifications:alerts")
	cfg.Alert.NotificationGroup = getEnv("NOTIFICATION_GROUP", "notification-workers")

	cfg.Broadcast.ReplaySize = getEnvInt("REPLAY_SIZE", 10)
	cfg.Broadcast.ReplayTTL = getEnvDuration("REPLAY_TTL", 5*time.Minute)

	cfg.Cache.FieldMappingTTL = getEnvDuration("FIELD_MAPPING_TTL", time.Hour)
	cfg.Cache.InvalidationChannel = getEnv("INVALIDATION_CHANNEL", "admin:invalidate")

	cfg.Jobs.DeviceRefreshInterval = getEnvDuration("DEVICE_REFRESH_INTERVAL", 5*time.Minute)
	cfg.Jobs.SweepInterval = getEnvDuration("ALERT_SWEEP_INTERVAL", 10*time.Minute)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Provider.CallsPerMinute <= 0 {
		return fmt.Errorf("PROVIDER_CALLS_PER_MINUTE must be positive, got %d", c.Provider.CallsPerMinute)
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("SCHEDULER_WORKERS must be positive, got %d", c.Scheduler.Workers)
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker thresholds must be positive")
	}
	if c.Broadcast.ReplaySize <= 0 {
		return fmt.Errorf("REPLAY_SIZE must be positive, got %d", c.Broadcast.ReplaySize)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration 接受 "30s"、"5m" 或纯秒数
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}
