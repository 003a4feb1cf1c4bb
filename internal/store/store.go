// ABOUTME: Transactional SQL store over SQLite (modernc or mattn) and Postgres (pgx)
// ABOUTME: Store owns the pool; Queries runs statements against the pool or a single tx

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3  = "sqlite3" // mattn/go-sqlite3, cgo
	DriverPostgres = "postgres"
)

var (
	// ErrDefaultConflict is returned when a concurrent transaction set a
	// different default queue first. The catalog retries on it.
	ErrDefaultConflict = errors.New("another default queue was set concurrently")
)

// Options configures Open.
type Options struct {
	Driver string
	// Path is the SQLite database file, or ":memory:".
	Path string
	// DSN is the Postgres connection string.
	DSN          string
	MaxOpenConns int
	// BusyRetries bounds how often a SQLite transaction is re-run after
	// SQLITE_BUSY from another process.
	BusyRetries int
	Logger      *slog.Logger
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs the store's statements. Store embeds one bound to the pool;
// WithTx hands out one bound to the transaction.
type Queries struct {
	db      querier
	dialect dialect
	logger  *slog.Logger
	inTx    bool
}

// Store is the persistence layer for conversations, queues, items, audit
// events, webhooks, deliveries and operators.
type Store struct {
	*Queries
	sqlDB       *sql.DB
	busyRetries int
}

// Open connects, applies pragmas and runs migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	var (
		sqlDB *sql.DB
		d     dialect
		err   error
	)
	switch opts.Driver {
	case DriverSQLite, DriverSQLite3, "":
		d = sqliteDialect{}
		sqlDB, err = openSQLite(opts)
	case DriverPostgres, "pgx":
		d = postgresDialect{}
		sqlDB, err = openPostgres(opts)
	default:
		return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	retries := opts.BusyRetries
	if retries <= 0 {
		retries = 3
	}
	s := &Store{
		Queries:     &Queries{db: sqlDB, dialect: d, logger: logger},
		sqlDB:       sqlDB,
		busyRetries: retries,
	}

	if err := s.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("store initialized", "driver", d.name(), "path", opts.Path)
	return s, nil
}

func openSQLite(opts Options) (*sql.DB, error) {
	path := opts.Path
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	driver, dsn := "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	if opts.Driver == DriverSQLite3 {
		driver, dsn = "sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes transactions in-process; the pool wait is
	// bounded by the caller's context deadline.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}
	return db, nil
}

func openPostgres(opts Options) (*sql.DB, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("database dsn is required for postgres")
	}
	db, err := sql.Open("pgx", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	maxConns := opts.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.sqlDB
}

// Driver returns the dialect name ("sqlite" or "postgres").
func (s *Store) Driver() string {
	return s.dialect.name()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.logger.Info("closing store")
	return s.sqlDB.Close()
}

// WithTx runs fn inside one transaction, committing when fn returns nil.
// On SQLite, fn may be re-run after SQLITE_BUSY, so it must re-read what it
// needs. Never call Store methods from inside fn; use q.
func (s *Store) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	if !s.dialect.retriesBusy() {
		return s.runTx(ctx, fn)
	}
	return retryOnBusy(ctx, s.busyRetries, func() error {
		return s.runTx(ctx, fn)
	})
}

func (s *Store) runTx(ctx context.Context, fn func(q *Queries) error) (err error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", s.dialect.classify(err))
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	q := &Queries{db: tx, dialect: s.dialect, logger: s.logger, inTx: true}
	if err := fn(q); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", s.dialect.classify(err))
	}
	committed = true
	return nil
}

// SetLockTimeout bounds how long row locks taken later in this transaction
// may wait. It is a no-op outside a transaction and on SQLite, where the
// context deadline bounds the wait for the single connection instead.
func (q *Queries) SetLockTimeout(ctx context.Context, d time.Duration) error {
	if !q.inTx || d <= 0 {
		return nil
	}
	stmt := q.dialect.lockTimeoutStmt(d)
	if stmt == "" {
		return nil
	}
	if _, err := q.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("setting lock timeout: %w", q.dialect.classify(err))
	}
	return nil
}

func (q *Queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(ctx, q.dialect.rebind(query), args...)
}

func (q *Queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.db.QueryContext(ctx, q.dialect.rebind(query), args...)
}

func (q *Queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.dialect.rebind(query), args...)
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with
// exponential backoff and jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 20 * time.Millisecond
	const maxDelay = 250 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
	return err
}
