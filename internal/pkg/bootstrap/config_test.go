// internal/pkg/bootstrap/config_test.go
package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Saga.Timeout.Std() != 2*time.Minute {
		t.Errorf("default saga timeout = %v, want 2m", cfg.Saga.Timeout.Std())
	}
	if cfg.Saga.MaxReserveRetries != 3 {
		t.Errorf("default max reserve retries = %d, want 3", cfg.Saga.MaxReserveRetries)
	}
	if cfg.Saga.ConsumerWorkers != 4 {
		t.Errorf("default consumer workers = %d, want 4", cfg.Saga.ConsumerWorkers)
	}
	if len(cfg.Infra.Kafka.Brokers) == 0 {
		t.Error("default kafka brokers must not be empty")
	}
}

func TestLoadConfigYamlAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
log:
  level: debug
infra:
  kafka:
    brokers: [broker-a:9092]
saga:
  timeout: 30s
  pollInterval: 250ms
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("KAFKA_BROKERS", "broker-b:9092,broker-c:9092")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug from yaml", cfg.Log.Level)
	}
	if cfg.Saga.Timeout.Std() != 30*time.Second {
		t.Errorf("saga timeout = %v, want 30s from yaml", cfg.Saga.Timeout.Std())
	}
	if cfg.Saga.PollInterval.Std() != 250*time.Millisecond {
		t.Errorf("poll interval = %v, want 250ms from yaml", cfg.Saga.PollInterval.Std())
	}
	// 环境变量覆盖 yaml
	if len(cfg.Infra.Kafka.Brokers) != 2 || cfg.Infra.Kafka.Brokers[0] != "broker-b:9092" {
		t.Errorf("brokers = %v, want env override", cfg.Infra.Kafka.Brokers)
	}
	// yaml 没写的字段保持默认
	if cfg.Saga.MaxDeliveryRetries != 5 {
		t.Errorf("max delivery retries = %d, want default 5", cfg.Saga.MaxDeliveryRetries)
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("saga:\n  timeout: not-a-duration\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	if _, err := loadConfig(); err == nil {
		t.Error("expected an error for an unparseable duration")
	}
}
