package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server-process settings.
type Config struct {
	// Server
	ServerAddr    string
	PublicBaseURL string // base URL the scorer uses to fetch blobs

	// Redis (job queue + result bus)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PostgreSQL
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Blob store
	BlobPath      string // SQLite file backing the blob store
	MaxFrameBytes int

	// Connection manager
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration

	// Job queue
	StallInterval      time.Duration // a claimed job must report progress within this window
	MaxStalls          int           // stall requeues before a job is failed
	QueueSweepInterval time.Duration // how often the stall watchdog runs

	// In-process workers
	RunWorkers        bool
	WorkerConcurrency int
	WorkerRateLimit   float64 // job starts per second, shared by the whole pool

	// External scorer
	ScorerURL     string // empty = built-in static scorer
	ScorerModels  []string
	ScorerTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ServerAddr:         envOr("SERVER_ADDR", ":8080"),
		PublicBaseURL:      envOr("PUBLIC_BASE_URL", "http://localhost:8080"),
		RedisAddr:          envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      envOr("REDIS_PASSWORD", ""),
		RedisDB:            envIntOr("REDIS_DB", 0),
		DBHost:             envOr("DB_HOST", "localhost"),
		DBPort:             envOr("DB_PORT", "5432"),
		DBUser:             envOr("DB_USER", "postgres"),
		DBPassword:         envOr("DB_PASSWORD", "postgres"),
		DBName:             envOr("DB_NAME", "frames"),
		DBSSLMode:          envOr("DB_SSLMODE", "disable"),
		BlobPath:           envOr("BLOB_PATH", "./data/blobs.db"),
		MaxFrameBytes:      envIntOr("MAX_FRAME_BYTES", 8<<20),
		HeartbeatInterval:  envDurationOr("HEARTBEAT_INTERVAL", 30*time.Second),
		ShutdownTimeout:    envDurationOr("SHUTDOWN_TIMEOUT", 10*time.Second),
		StallInterval:      envDurationOr("STALL_INTERVAL", 30*time.Second),
		MaxStalls:          envIntOr("MAX_STALLS", 1),
		QueueSweepInterval: envDurationOr("QUEUE_SWEEP_INTERVAL", 5*time.Second),
		RunWorkers:         envBoolOr("RUN_WORKERS", true),
		WorkerConcurrency:  envIntOr("WORKER_CONCURRENCY", 5),
		WorkerRateLimit:    envFloatOr("WORKER_RATE_LIMIT", 10),
		ScorerURL:          envOr("SCORER_URL", ""),
		ScorerModels:       envListOr("SCORER_MODELS", []string{"default"}),
		ScorerTimeout:      envDurationOr("SCORER_TIMEOUT", 20*time.Second),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		LogFormat:          envOr("LOG_FORMAT", "json"),
	}
}

// ─── helpers ───

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envListOr splits a comma separated value, dropping empty entries.
func envListOr(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
