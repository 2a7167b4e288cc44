package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	DBUser        string
	DBPassword    string
	DBName        string
	DBHost        string
	DBPort        string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	BotToken      string

	LogLevel  string
	LogFormat string

	MetricsAddr            string
	MetricsShutdownTimeout time.Duration

	SweepInterval        time.Duration
	ReconcileInterval    time.Duration
	ReconcileConcurrency int

	PanelHTTPTimeout       time.Duration
	PanelDefaultQuotaGB    int64
	PanelDefaultExpiryDays int

	// FreezeExtendsEndDate adds the frozen period back onto end_date on unfreeze.
	FreezeExtendsEndDate bool

	LockBackend string // "local" or "redis"
	LockTTL     time.Duration
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using system environment variables")
	}

	return &Config{
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "popovka_vpn"),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		BotToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "auto"),

		MetricsAddr:            getEnv("METRICS_ADDR", ":9091"),
		MetricsShutdownTimeout: getDuration("METRICS_SHUTDOWN_TIMEOUT", 5*time.Second),

		SweepInterval:        getDuration("SWEEP_INTERVAL", time.Hour),
		ReconcileInterval:    getDuration("RECONCILE_INTERVAL", 6*time.Hour),
		ReconcileConcurrency: getInt("RECONCILE_CONCURRENCY", 4),

		PanelHTTPTimeout:       getDuration("PANEL_HTTP_TIMEOUT", 10*time.Second),
		PanelDefaultQuotaGB:    int64(getInt("PANEL_DEFAULT_QUOTA_GB", 1)),
		PanelDefaultExpiryDays: getInt("PANEL_DEFAULT_EXPIRY_DAYS", 30),

		FreezeExtendsEndDate: getBool("FREEZE_EXTENDS_END_DATE", false),

		LockBackend: getEnv("LOCK_BACKEND", "local"),
		LockTTL:     getDuration("LOCK_TTL", 2*time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid boolean in environment, using default")
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return d
}
