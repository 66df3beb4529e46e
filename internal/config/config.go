// Package config holds all configuration types and loading logic for relayq.
// Config structure never shrinks: fields are only added, never renamed or removed.
//
// One Config value is built per process and handed explicitly to every
// constructor; nothing in relayq reads connection settings from globals, so
// several consumers with different backing stores can share one program.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/relayq/internal/channel"
)

// Config is the root configuration for a relayq process.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Database DatabaseConfig `yaml:"database"`
	Listener ListenerConfig `yaml:"listener"`
	Queue    QueueConfig    `yaml:"queue"`
	Stream   StreamConfig   `yaml:"stream"`
	Offsets  OffsetsConfig  `yaml:"offsets"`
	Prune    PruneConfig    `yaml:"prune"`
	Handler  HandlerConfig  `yaml:"handler"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// NodeConfig holds the identity of this process.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate one at startup.
	ID string `yaml:"id"`
}

// Driver selects the relational backing store.
type Driver string

const (
	DriverPostgres Driver = "postgres" // production; LISTEN/NOTIFY wake-ups
	DriverSQLite   Driver = "sqlite"   // single host; in-process wake-ups + polling
)

// DatabaseConfig describes how to reach the backing store.
type DatabaseConfig struct {
	Driver Driver `yaml:"driver"`

	// Postgres connection settings.
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"sslmode"`
	// PasswordFile is read once by Load (typically a mounted container secret).
	// An unreadable file is a fatal configuration error.
	PasswordFile string `yaml:"password_file"`
	// Password is populated from PasswordFile; never read from YAML.
	Password string `yaml:"-"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	MaxOpenConns int `yaml:"max_open_conns"`
}

// ListenerConfig tunes the dedicated LISTEN connection.
type ListenerConfig struct {
	MinReconnect Duration `yaml:"min_reconnect"`
	MaxReconnect Duration `yaml:"max_reconnect"`
}

// QueueConfig configures the work-queue consumer.
type QueueConfig struct {
	Name        string   `yaml:"name"`
	BatchSize   int      `yaml:"batch_size"`
	WaitTimeout Duration `yaml:"wait_timeout"`
	// FailurePolicy is one of "ack", "retry", "dead_letter".
	FailurePolicy string `yaml:"failure_policy"`
	// MaxAttempts bounds deliveries under the "retry" policy.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryDelay pauses fetching after a batch that released an item for
	// retry. "0s" redelivers at once.
	RetryDelay Duration `yaml:"retry_delay"`
	// ReclaimAfter returns items claimed longer than this to pending.
	// "0s" disables the sweep: an item claimed by a crashed process is lost.
	ReclaimAfter    Duration `yaml:"reclaim_after"`
	ReclaimInterval Duration `yaml:"reclaim_interval"`
}

// StreamConfig configures the stream consumer.
type StreamConfig struct {
	Name string `yaml:"name"`
	// ConsumerID is the externally assigned, stable identity of this consumer.
	ConsumerID  string   `yaml:"consumer_id"`
	BatchSize   int      `yaml:"batch_size"`
	WaitTimeout Duration `yaml:"wait_timeout"`
	// FailurePolicy is one of "skip", "retry".
	FailurePolicy string `yaml:"failure_policy"`
	// MaxAttempts bounds redeliveries of one event under "retry"; 0 = forever.
	MaxAttempts int `yaml:"max_attempts"`
}

// OffsetBackend selects where stream cursors live.
type OffsetBackend string

const (
	OffsetsDatabase OffsetBackend = "database" // consumer table next to the stream
	OffsetsBolt     OffsetBackend = "bolt"     // local bbolt file
)

// OffsetsConfig configures the consumer offset store.
type OffsetsConfig struct {
	Backend  OffsetBackend `yaml:"backend"`
	BoltPath string        `yaml:"bolt_path"`
}

// PruneConfig configures the cleanup job.
type PruneConfig struct {
	// Interval between runs of `relayq prune --loop`.
	Interval Duration `yaml:"interval"`
	// Retention keeps done queue items at least this long.
	Retention Duration `yaml:"retention"`
}

// HandlerConfig selects the business-logic callback.
type HandlerConfig struct {
	// Kind is "log" (print id and payload) or "webhook".
	Kind    string   `yaml:"kind"`
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret"`
	Timeout Duration `yaml:"timeout"`
}

// MetricsConfig controls the ops HTTP server: /metrics, /health and the
// queue, dead-letter and consumer inspection routes.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
	// APIKey, when set, is required in X-Api-Key on every route but /health.
	APIKey string `yaml:"api_key"`
	// RateLimit is the per-client request rate; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{ID: "auto"},
		Database: DatabaseConfig{
			Driver:       DriverPostgres,
			Host:         "postgres",
			Port:         5432,
			User:         "postgres",
			Name:         "postgres",
			SSLMode:      "disable",
			PasswordFile: "/run/secrets/postgres_password",
			Path:         "./relayq.db",
			MaxOpenConns: 4,
		},
		Listener: ListenerConfig{
			MinReconnect: Duration(10 * time.Second),
			MaxReconnect: Duration(time.Minute),
		},
		Queue: QueueConfig{
			Name:            "example_queue",
			BatchSize:       5,
			WaitTimeout:     Duration(5 * time.Second),
			FailurePolicy:   "retry",
			MaxAttempts:     5,
			RetryDelay:      Duration(time.Second),
			ReclaimAfter:    Duration(5 * time.Minute),
			ReclaimInterval: Duration(30 * time.Second),
		},
		Stream: StreamConfig{
			Name:          "example_stream",
			BatchSize:     5,
			WaitTimeout:   Duration(5 * time.Second),
			FailurePolicy: "retry",
			MaxAttempts:   5,
		},
		Offsets: OffsetsConfig{
			Backend:  OffsetsDatabase,
			BoltPath: "./offsets.db",
		},
		Prune: PruneConfig{
			Interval:  Duration(time.Hour),
			Retention: Duration(24 * time.Hour),
		},
		Handler: HandlerConfig{
			Kind:    "log",
			Timeout: Duration(10 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Port:      9090,
			RateLimit: 20,
			RateBurst: 40,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is used, making it easy to
// run relayq with environment variables only.
//
// After loading the file, environment variables are applied as overrides:
//
//	RELAYQ_DB_DRIVER        sets database.driver
//	RELAYQ_DB_HOST          sets database.host
//	RELAYQ_DB_PASSWORD_FILE sets database.password_file
//	RELAYQ_DB_PATH          sets database.path
//	RELAYQ_CONSUMER_ID      sets stream.consumer_id
//	RELAYQ_METRICS_PORT     sets metrics.port
//	RELAYQ_API_KEY          sets metrics.api_key
//
// Finally the Postgres password is read from database.password_file. A file
// that cannot be read fails the load: the process must not start its loops
// with credentials it does not have.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.loadSecrets(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAYQ_DB_DRIVER"); v != "" {
		cfg.Database.Driver = Driver(v)
	}
	if v := os.Getenv("RELAYQ_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("RELAYQ_DB_PASSWORD_FILE"); v != "" {
		cfg.Database.PasswordFile = v
	}
	if v := os.Getenv("RELAYQ_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("RELAYQ_CONSUMER_ID"); v != "" {
		cfg.Stream.ConsumerID = v
	}
	if v := os.Getenv("RELAYQ_METRICS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Metrics.Port = p
		}
	}
	if v := os.Getenv("RELAYQ_API_KEY"); v != "" {
		cfg.Metrics.APIKey = v
	}
}

// loadSecrets reads the Postgres password file.
func (c *Config) loadSecrets() error {
	if c.Database.Driver != DriverPostgres || c.Database.PasswordFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.Database.PasswordFile)
	if err != nil {
		return fmt.Errorf("config: read secret file: %w", err)
	}
	c.Database.Password = strings.TrimSpace(string(data))
	return nil
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" {
			return errors.New("database.host must not be empty")
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return errors.New("database.port must be between 1 and 65535")
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path must not be empty for the sqlite driver")
		}
	default:
		return errors.New(`database.driver must be one of "postgres", "sqlite"`)
	}
	if c.Database.MaxOpenConns < 1 {
		return errors.New("database.max_open_conns must be at least 1")
	}
	if c.Listener.MinReconnect <= 0 || c.Listener.MaxReconnect < c.Listener.MinReconnect {
		return errors.New("listener.max_reconnect must be >= listener.min_reconnect > 0")
	}

	if err := channel.Validate(c.Queue.Name); err != nil {
		return fmt.Errorf("queue.name: %w", err)
	}
	if c.Queue.BatchSize < 1 {
		return errors.New("queue.batch_size must be at least 1")
	}
	if c.Queue.WaitTimeout <= 0 {
		return errors.New("queue.wait_timeout must be positive")
	}
	switch c.Queue.FailurePolicy {
	case "ack", "dead_letter":
	case "retry":
		if c.Queue.MaxAttempts < 1 {
			return errors.New("queue.max_attempts must be at least 1 with the retry policy")
		}
	default:
		return errors.New(`queue.failure_policy must be one of "ack", "retry", "dead_letter"`)
	}
	if c.Queue.RetryDelay < 0 {
		return errors.New("queue.retry_delay must be >= 0")
	}
	if c.Queue.ReclaimAfter < 0 {
		return errors.New("queue.reclaim_after must be >= 0")
	}
	if c.Queue.ReclaimAfter > 0 && c.Queue.ReclaimInterval <= 0 {
		return errors.New("queue.reclaim_interval must be positive when reclaim is enabled")
	}

	if err := channel.Validate(c.Stream.Name); err != nil {
		return fmt.Errorf("stream.name: %w", err)
	}
	if c.Stream.BatchSize < 1 {
		return errors.New("stream.batch_size must be at least 1")
	}
	if c.Stream.WaitTimeout <= 0 {
		return errors.New("stream.wait_timeout must be positive")
	}
	switch c.Stream.FailurePolicy {
	case "skip", "retry":
	default:
		return errors.New(`stream.failure_policy must be one of "skip", "retry"`)
	}
	if c.Stream.MaxAttempts < 0 {
		return errors.New("stream.max_attempts must be >= 0")
	}

	switch c.Offsets.Backend {
	case OffsetsDatabase:
	case OffsetsBolt:
		if c.Offsets.BoltPath == "" {
			return errors.New("offsets.bolt_path must not be empty for the bolt backend")
		}
	default:
		return errors.New(`offsets.backend must be one of "database", "bolt"`)
	}

	if c.Prune.Interval <= 0 {
		return errors.New("prune.interval must be positive")
	}
	if c.Prune.Retention < 0 {
		return errors.New("prune.retention must be >= 0")
	}

	switch c.Handler.Kind {
	case "log":
	case "webhook":
		if c.Handler.URL == "" {
			return errors.New("handler.url must not be empty for the webhook handler")
		}
	default:
		return errors.New(`handler.kind must be one of "log", "webhook"`)
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.Metrics.RateLimit < 0 || (c.Metrics.RateLimit > 0 && c.Metrics.RateBurst < 1) {
		return errors.New("metrics.rate_burst must be at least 1 when metrics.rate_limit is set")
	}
	return nil
}

// PostgresDSN renders the libpq key/value connection string.
func (d DatabaseConfig) PostgresDSN() string {
	kv := []struct{ k, v string }{
		{"host", d.Host},
		{"port", strconv.Itoa(d.Port)},
		{"user", d.User},
		{"password", d.Password},
		{"dbname", d.Name},
		{"sslmode", d.SSLMode},
	}
	parts := make([]string, 0, len(kv))
	for _, p := range kv {
		if p.v == "" {
			continue
		}
		parts = append(parts, p.k+"="+quoteDSNValue(p.v))
	}
	return strings.Join(parts, " ")
}

// quoteDSNValue quotes a libpq connection-string value when it contains
// spaces, quotes or backslashes.
func quoteDSNValue(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Duration is a time.Duration written in YAML as a Go duration string ("5s").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
