package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL", "")
	t.Setenv("WORKER_CONCURRENCY", "")
	t.Setenv("SCORER_MODELS", "")

	cfg := Load()
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", cfg.ShutdownTimeout)
	}
	if cfg.WorkerConcurrency != 5 {
		t.Errorf("WorkerConcurrency = %d, want 5", cfg.WorkerConcurrency)
	}
	if cfg.WorkerRateLimit != 10 {
		t.Errorf("WorkerRateLimit = %v, want 10", cfg.WorkerRateLimit)
	}
	if len(cfg.ScorerModels) != 1 || cfg.ScorerModels[0] != "default" {
		t.Errorf("ScorerModels = %v, want [default]", cfg.ScorerModels)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL", "5s")
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("RUN_WORKERS", "false")
	t.Setenv("SCORER_MODELS", "face, pose ,,scene")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 5s", cfg.HeartbeatInterval)
	}
	if cfg.WorkerConcurrency != 12 {
		t.Errorf("WorkerConcurrency = %d, want 12", cfg.WorkerConcurrency)
	}
	if cfg.RunWorkers {
		t.Error("RunWorkers should be false")
	}
	if got := strings.Join(cfg.ScorerModels, "|"); got != "face|pose|scene" {
		t.Errorf("ScorerModels = %q", got)
	}
	if cfg.RedisDB != 0 {
		t.Errorf("invalid REDIS_DB should fall back to 0, got %d", cfg.RedisDB)
	}
}

func TestParseWorker(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing id",
			yaml:    "redis:\n  addr: localhost:6379\n",
			wantErr: "worker.id is required",
		},
		{
			name:    "missing dsn",
			yaml:    "worker:\n  id: w1\nredis:\n  addr: localhost:6379\n",
			wantErr: "database.dsn is required",
		},
		{
			name: "valid",
			yaml: `worker:
  id: w1
redis:
  addr: localhost:6379
database:
  dsn: host=db
blob:
  base_url: http://server:8080
pool:
  concurrency: 3
queue:
  stall_interval: 45s
status:
  enabled: true
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseWorker([]byte(tt.yaml))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Pool.Concurrency != 3 {
				t.Errorf("Concurrency = %d, want 3", cfg.Pool.Concurrency)
			}
			if cfg.Pool.RateLimit != 10 {
				t.Errorf("RateLimit default = %v, want 10", cfg.Pool.RateLimit)
			}
			if cfg.Queue.StallInterval != 45*time.Second {
				t.Errorf("StallInterval = %v, want 45s", cfg.Queue.StallInterval)
			}
			if cfg.Queue.MaxStalls != 1 {
				t.Errorf("MaxStalls default = %d, want 1", cfg.Queue.MaxStalls)
			}
			if cfg.Status.Address != ":9090" {
				t.Errorf("Status.Address default = %q, want :9090", cfg.Status.Address)
			}
		})
	}
}
