package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.ServerPort != "8090" {
		t.Errorf("server port = %s, want 8090", cfg.ServerPort)
	}
	if cfg.CDCExchange != "ledger.cdc" {
		t.Errorf("exchange = %s, want ledger.cdc", cfg.CDCExchange)
	}
	if cfg.CDCQueue != "ledger_cdc_service.transfer_events" {
		t.Errorf("queue = %s, want ledger_cdc_service.transfer_events", cfg.CDCQueue)
	}
	if cfg.CDCDeadLetterExchange != "ledger.cdc.dlx" {
		t.Errorf("dead-letter exchange = %s, want ledger.cdc.dlx", cfg.CDCDeadLetterExchange)
	}
	if cfg.WorkerPoolSize != 8 {
		t.Errorf("worker pool = %d, want 8", cfg.WorkerPoolSize)
	}
	if cfg.PrefetchCount != 64 {
		t.Errorf("prefetch = %d, want 64", cfg.PrefetchCount)
	}
	if cfg.MaxDeliveryAttempts != 5 {
		t.Errorf("max attempts = %d, want 5", cfg.MaxDeliveryAttempts)
	}
	if cfg.ReconcileSchedule != "@every 30s" {
		t.Errorf("reconcile schedule = %s, want @every 30s", cfg.ReconcileSchedule)
	}
	if cfg.DedupTTLMinutes != 1440 {
		t.Errorf("dedup ttl = %d, want 1440", cfg.DedupTTLMinutes)
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://cdc:secret@db/cdc")
	t.Setenv("RABBITMQ_URL", "amqp://guest:guest@mq:5672/")
	t.Setenv("CDC_EXCHANGE", "custom.exchange")
	t.Setenv("WORKER_POOL_SIZE", "16")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://cdc:secret@db/cdc" {
		t.Errorf("database url = %s", cfg.DatabaseURL)
	}
	if cfg.RabbitMQURL != "amqp://guest:guest@mq:5672/" {
		t.Errorf("rabbitmq url = %s", cfg.RabbitMQURL)
	}
	if cfg.CDCExchange != "custom.exchange" {
		t.Errorf("exchange = %s, want custom.exchange", cfg.CDCExchange)
	}
	if cfg.WorkerPoolSize != 16 {
		t.Errorf("worker pool = %d, want 16", cfg.WorkerPoolSize)
	}
}

func TestLoadConfigPortOverride(t *testing.T) {
	t.Setenv("SERVER_PORT", "8090")
	t.Setenv("PORT", "9999")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9999" {
		t.Errorf("server port = %s, want PORT override 9999", cfg.ServerPort)
	}
}

func TestLoadConfigClampsWorkerPool(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "0")
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.WorkerPoolSize != 8 {
		t.Errorf("worker pool = %d for zero setting, want fallback 8", cfg.WorkerPoolSize)
	}

	t.Setenv("WORKER_POOL_SIZE", "4096")
	cfg, err = LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.WorkerPoolSize != 256 {
		t.Errorf("worker pool = %d for oversized setting, want cap 256", cfg.WorkerPoolSize)
	}
}

func TestLoadConfigBackoffBounds(t *testing.T) {
	t.Setenv("RETRY_BACKOFF_BASE_MS", "500")
	t.Setenv("RETRY_BACKOFF_MAX_MS", "100")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.RetryBackoffMaxMS != cfg.RetryBackoffBaseMS {
		t.Errorf("backoff max = %d, want raised to base %d", cfg.RetryBackoffMaxMS, cfg.RetryBackoffBaseMS)
	}
}

func TestLoadConfigReadsDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("CDC_QUEUE=from_file.queue\n")
	if err := os.WriteFile(filepath.Join(dir, ".env"), content, 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.CDCQueue != "from_file.queue" {
		t.Errorf("queue = %s, want from_file.queue", cfg.CDCQueue)
	}
}
