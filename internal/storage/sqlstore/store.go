// Package sqlstore is the relational backing store for relayq.
//
// One Store serves both sides of the system: the work-queue and stream reads
// the consumers perform, the producer writes used by the CLI, and the
// table-backed consumer offset store. Two dialects are supported:
//
//   - postgres (github.com/lib/pq): the production store. Row claiming uses
//     FOR UPDATE SKIP LOCKED so any number of consumers can share a queue,
//     and triggers publish change notifications with pg_notify.
//   - sqlite (github.com/mattn/go-sqlite3): a single-host store. The pool is
//     limited to one connection, which serialises writers, and change
//     notifications are delivered in-process through a Notifier.
//
// Every method runs one short statement or transaction and returns the
// connection to the pool before returning.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/juju/clock"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/snehjoshi/relayq/internal/config"
	"github.com/snehjoshi/relayq/internal/storage"
)

//go:embed schema_postgres.sql
var schemaPostgres string

//go:embed schema_sqlite.sql
var schemaSQLite string

// Notifier receives a wake-up for a channel after a write committed. The
// postgres dialect does not need one: its triggers notify inside the database.
type Notifier interface {
	Notify(channel string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string) {}

// dialect captures the SQL differences between the supported drivers.
type dialect struct {
	driver string
	schema string
	// lockClause is appended to the claim subquery.
	lockClause string
	// payloadParam is the placeholder expression for a JSON payload.
	payloadParam string
	// inDatabaseNotify is true when triggers publish change notifications.
	inDatabaseNotify bool
}

var (
	postgresDialect = dialect{
		driver:           "postgres",
		schema:           schemaPostgres,
		lockClause:       " FOR UPDATE SKIP LOCKED",
		payloadParam:     "CAST(? AS jsonb)",
		inDatabaseNotify: true,
	}
	sqliteDialect = dialect{
		driver:       "sqlite3",
		schema:       schemaSQLite,
		payloadParam: "?",
	}
)

// payloadArg converts a payload to the driver argument its column expects.
func (d dialect) payloadArg(p []byte) any {
	if d.inDatabaseNotify {
		return string(p)
	}
	return p
}

// Store is a sqlx-backed implementation of storage.QueueStore,
// storage.StreamStore, storage.OffsetStore and storage.Producer.
type Store struct {
	db       *sqlx.DB
	dialect  dialect
	clock    clock.Clock
	notifier Notifier
	owner    string
	log      *slog.Logger
}

var (
	_ storage.QueueStore  = (*Store)(nil)
	_ storage.StreamStore = (*Store)(nil)
	_ storage.OffsetStore = (*Store)(nil)
	_ storage.Producer    = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for every timestamp the store writes.
func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

// WithNotifier sets the in-process notifier used by the sqlite dialect.
func WithNotifier(n Notifier) Option { return func(s *Store) { s.notifier = n } }

// WithOwner sets the instance ID written to claimed_by on every claim.
func WithOwner(id string) Option { return func(s *Store) { s.owner = id } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

// Open connects to the store described by cfg. The schema is not touched;
// call Migrate to create it.
func Open(cfg config.DatabaseConfig, opts ...Option) (*Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return OpenPostgres(cfg.PostgresDSN(), cfg.MaxOpenConns, opts...)
	case config.DriverSQLite:
		return OpenSQLite(cfg.Path, opts...)
	default:
		return nil, fmt.Errorf("sqlstore: unknown driver %q", cfg.Driver)
	}
}

// OpenPostgres connects to Postgres using a libpq connection string.
func OpenPostgres(dsn string, maxOpenConns int, opts ...Option) (*Store, error) {
	db, err := sqlx.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: connect postgres: %w", err)
	}
	return newStore(db, postgresDialect, opts), nil
}

// OpenSQLite opens (or creates) a SQLite database file.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - a 5 second busy timeout for lock contention
//   - a single pooled connection, so claims are serialised
func OpenSQLite(path string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open(sqliteDialect.driver, path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: connect sqlite: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: apply pragmas: %w", err)
	}
	return newStore(db, sqliteDialect, opts), nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func newStore(db *sqlx.DB, d dialect, opts []Option) *Store {
	s := &Store{
		db:       db,
		dialect:  d,
		clock:    clock.WallClock,
		notifier: nopNotifier{},
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "sqlstore", "driver", d.driver)
	return s
}

// Migrate applies the dialect's schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

// Driver returns the database/sql driver name ("postgres" or "sqlite3").
func (s *Store) Driver() string { return s.dialect.driver }

// NotifiesInDatabase reports whether the database itself publishes change
// notifications (postgres triggers). When false, wake-ups only reach
// listeners registered with the store's Notifier in this process.
func (s *Store) NotifiesInDatabase() bool { return s.dialect.inDatabaseNotify }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlstore: ping: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// nowMs returns the store clock's current time in UTC milliseconds.
func (s *Store) nowMs() int64 {
	return s.clock.Now().UTC().UnixMilli()
}

// notify is called after a write committed.
func (s *Store) notify(channel string) {
	if s.dialect.inDatabaseNotify {
		return
	}
	s.notifier.Notify(channel)
}
