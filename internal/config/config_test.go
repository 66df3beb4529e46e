package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/snehjoshi/relayq/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Database.Driver != config.DriverPostgres {
		t.Errorf("expected default driver postgres, got %s", cfg.Database.Driver)
	}
	if cfg.Queue.Name != "example_queue" {
		t.Errorf("expected default queue example_queue, got %s", cfg.Queue.Name)
	}
	if cfg.Stream.Name != "example_stream" {
		t.Errorf("expected default stream example_stream, got %s", cfg.Stream.Name)
	}
	if cfg.Queue.BatchSize != 5 || cfg.Stream.BatchSize != 5 {
		t.Errorf("expected default batch size 5, got queue=%d stream=%d",
			cfg.Queue.BatchSize, cfg.Stream.BatchSize)
	}
	if cfg.Queue.WaitTimeout.D() != 5*time.Second {
		t.Errorf("expected default wait timeout 5s, got %s", cfg.Queue.WaitTimeout)
	}
	if cfg.Offsets.Backend != config.OffsetsDatabase {
		t.Errorf("expected default offsets backend database, got %s", cfg.Offsets.Backend)
	}
}

func TestDefault_PassesValidation(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	t.Setenv("RELAYQ_DB_PASSWORD_FILE", writeTemp(t, "secret", "hunter2\n"))

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Queue.BatchSize != 5 {
		t.Errorf("expected default batch size for missing file, got %d", cfg.Queue.BatchSize)
	}
	if cfg.Database.Password != "hunter2" {
		t.Errorf("expected password read from secret file, got %q", cfg.Database.Password)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
database:
  driver: sqlite
  path: /tmp/relayq_test.db
queue:
  name: orders
  batch_size: 20
  wait_timeout: 250ms
  failure_policy: dead_letter
  reclaim_after: 0s
stream:
  name: audit
  consumer_id: 3b469834-6551-4c97-9004-7aabeade4d49
  failure_policy: skip
offsets:
  backend: bolt
  bolt_path: /tmp/offsets.db
`
	cfg, err := config.Load(writeTemp(t, "config.yaml", yaml))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Database.Driver != config.DriverSQLite {
		t.Errorf("expected sqlite driver, got %s", cfg.Database.Driver)
	}
	if cfg.Queue.Name != "orders" || cfg.Queue.BatchSize != 20 {
		t.Errorf("queue overrides not applied: %+v", cfg.Queue)
	}
	if cfg.Queue.WaitTimeout.D() != 250*time.Millisecond {
		t.Errorf("expected wait_timeout 250ms, got %s", cfg.Queue.WaitTimeout)
	}
	if cfg.Queue.ReclaimAfter != 0 {
		t.Errorf("expected reclaim disabled, got %s", cfg.Queue.ReclaimAfter)
	}
	if cfg.Stream.ConsumerID != "3b469834-6551-4c97-9004-7aabeade4d49" {
		t.Errorf("unexpected consumer id %q", cfg.Stream.ConsumerID)
	}
	if cfg.Offsets.Backend != config.OffsetsBolt {
		t.Errorf("expected bolt backend, got %s", cfg.Offsets.Backend)
	}
	// Unset fields keep their defaults.
	if cfg.Stream.BatchSize != 5 {
		t.Errorf("expected default stream batch size, got %d", cfg.Stream.BatchSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoad_UnreadableSecretIsFatal(t *testing.T) {
	t.Setenv("RELAYQ_DB_PASSWORD_FILE", filepath.Join(t.TempDir(), "missing"))

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for unreadable secret file")
	}
	if !strings.Contains(err.Error(), "secret file") {
		t.Errorf("error should mention the secret file, got %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := config.Load(writeTemp(t, "bad.yaml", "queue: [unterminated")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	yaml := `
database:
  driver: sqlite
queue:
  wait_timeout: soon
`
	if _, err := config.Load(writeTemp(t, "bad.yaml", yaml)); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RELAYQ_DB_DRIVER", "sqlite")
	t.Setenv("RELAYQ_DB_PATH", "/tmp/env.db")
	t.Setenv("RELAYQ_CONSUMER_ID", "consumer-from-env")
	t.Setenv("RELAYQ_METRICS_PORT", "9191")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Database.Driver != config.DriverSQLite || cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("database env overrides not applied: %+v", cfg.Database)
	}
	if cfg.Stream.ConsumerID != "consumer-from-env" {
		t.Errorf("expected consumer id from env, got %q", cfg.Stream.ConsumerID)
	}
	if cfg.Metrics.Port != 9191 {
		t.Errorf("expected metrics port 9191, got %d", cfg.Metrics.Port)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown driver", func(c *config.Config) { c.Database.Driver = "mysql" }},
		{"bad port", func(c *config.Config) { c.Database.Port = 0 }},
		{"bad queue name", func(c *config.Config) { c.Queue.Name = "Bad-Name" }},
		{"zero batch", func(c *config.Config) { c.Queue.BatchSize = 0 }},
		{"zero wait", func(c *config.Config) { c.Stream.WaitTimeout = 0 }},
		{"unknown queue policy", func(c *config.Config) { c.Queue.FailurePolicy = "drop" }},
		{"retry without attempts", func(c *config.Config) { c.Queue.MaxAttempts = 0 }},
		{"unknown stream policy", func(c *config.Config) { c.Stream.FailurePolicy = "dead_letter" }},
		{"reclaim without interval", func(c *config.Config) { c.Queue.ReclaimInterval = 0 }},
		{"negative retry delay", func(c *config.Config) { c.Queue.RetryDelay = config.Duration(-time.Second) }},
		{"bolt without path", func(c *config.Config) {
			c.Offsets.Backend = config.OffsetsBolt
			c.Offsets.BoltPath = ""
		}},
		{"webhook without url", func(c *config.Config) { c.Handler.Kind = "webhook" }},
		{"bad metrics port", func(c *config.Config) { c.Metrics.Port = 70000 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	db := config.Default().Database
	db.Password = "p@ss word"

	dsn := db.PostgresDSN()
	for _, want := range []string{
		"host=postgres",
		"port=5432",
		"user=postgres",
		"dbname=postgres",
		"sslmode=disable",
		"password='p@ss word'",
	} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN %q missing %q", dsn, want)
		}
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}
