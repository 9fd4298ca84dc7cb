package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerConfig holds the standalone worker process configuration.
type WorkerConfig struct {
	Worker struct {
		ID string `yaml:"id"` // identifies this process in logs
	} `yaml:"worker"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Database struct {
		DSN string `yaml:"dsn"` // PostgreSQL DSN
	} `yaml:"database"`

	Blob struct {
		BaseURL string `yaml:"base_url"` // fallback for jobs enqueued without a blob url
	} `yaml:"blob"`

	Scorer struct {
		URL     string        `yaml:"url"`     // empty = static scorer
		Models  []string      `yaml:"models"`  // model ids called in parallel per frame
		Timeout time.Duration `yaml:"timeout"` // per call
	} `yaml:"scorer"`

	Pool struct {
		Concurrency int     `yaml:"concurrency"` // in-flight jobs per pool (default: 5)
		RateLimit   float64 `yaml:"rate_limit"`  // job starts per second (default: 10)
	} `yaml:"pool"`

	Queue struct {
		StallInterval time.Duration `yaml:"stall_interval"` // default: 30s
		MaxStalls     int           `yaml:"max_stalls"`     // default: 1
		SweepInterval time.Duration `yaml:"sweep_interval"` // default: 5s
	} `yaml:"queue"`

	Status struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"` // serves /metrics and /healthz (default: :9090)
	} `yaml:"status"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// LoadWorker reads the worker configuration from a YAML file.
func LoadWorker(path string) (*WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseWorker(data)
}

// ParseWorker decodes and validates a YAML worker configuration.
func ParseWorker(data []byte) (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Validate required fields
	if cfg.Worker.ID == "" {
		return nil, fmt.Errorf("worker.id is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	// Defaults
	if len(cfg.Scorer.Models) == 0 {
		cfg.Scorer.Models = []string{"default"}
	}
	if cfg.Scorer.Timeout == 0 {
		cfg.Scorer.Timeout = 20 * time.Second
	}
	if cfg.Pool.Concurrency <= 0 {
		cfg.Pool.Concurrency = 5
	}
	if cfg.Pool.RateLimit <= 0 {
		cfg.Pool.RateLimit = 10
	}
	if cfg.Queue.StallInterval == 0 {
		cfg.Queue.StallInterval = 30 * time.Second
	}
	if cfg.Queue.MaxStalls == 0 {
		cfg.Queue.MaxStalls = 1
	}
	if cfg.Queue.SweepInterval == 0 {
		cfg.Queue.SweepInterval = 5 * time.Second
	}
	if cfg.Status.Enabled && cfg.Status.Address == "" {
		cfg.Status.Address = ":9090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	return &cfg, nil
}
