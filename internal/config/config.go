package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// JWT
	JWTSecret string

	// Event buffer
	BatchSize     int
	FlushInterval time.Duration
	BufferCap     int

	// Reconnect backoff
	ReconnectBaseDelay   time.Duration
	ReconnectGrowth      float64
	ReconnectMaxAttempts int
	HeartbeatInterval    time.Duration

	// Presence thresholds
	ViewingWindow    time.Duration
	IdleAfter        time.Duration
	OfflineAfter     time.Duration
	ReevalInterval   time.Duration
	SnapshotInterval time.Duration

	// Persistence workers
	WorkerCount int

	// Frontend
	FrontendURL string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:        getEnvOrDefault("PORT", "8080"),
		Env:         getEnvOrDefault("ENV", "development"),
		DatabaseURL: mustGetEnv("DATABASE_URL"),
		RedisURL:    mustGetEnv("REDIS_URL"),
		JWTSecret:   mustGetEnv("JWT_SECRET"),

		BatchSize:     getEnvAsIntOrDefault("ACTIVITY_BATCH_SIZE", 10),
		FlushInterval: getEnvAsDurationOrDefault("ACTIVITY_FLUSH_INTERVAL", 30*time.Second),
		BufferCap:     getEnvAsIntOrDefault("ACTIVITY_BUFFER_CAP", 500),

		ReconnectBaseDelay:   getEnvAsDurationOrDefault("RECONNECT_BASE_DELAY", time.Second),
		ReconnectGrowth:      getEnvAsFloatOrDefault("RECONNECT_GROWTH_FACTOR", 1.5),
		ReconnectMaxAttempts: getEnvAsIntOrDefault("RECONNECT_MAX_ATTEMPTS", 5),
		HeartbeatInterval:    getEnvAsDurationOrDefault("HEARTBEAT_INTERVAL", 25*time.Second),

		ViewingWindow:    getEnvAsDurationOrDefault("PRESENCE_VIEWING_WINDOW", 5*time.Minute),
		IdleAfter:        getEnvAsDurationOrDefault("PRESENCE_IDLE_AFTER", 10*time.Minute),
		OfflineAfter:     getEnvAsDurationOrDefault("PRESENCE_OFFLINE_AFTER", 2*time.Minute),
		ReevalInterval:   getEnvAsDurationOrDefault("PRESENCE_REEVAL_INTERVAL", 30*time.Second),
		SnapshotInterval: getEnvAsDurationOrDefault("PRESENCE_SNAPSHOT_INTERVAL", 30*time.Second),

		WorkerCount: getEnvAsIntOrDefault("PERSIST_WORKER_COUNT", 3),

		FrontendURL: getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
	}

	return cfg
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsFloatOrDefault(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
