// ABOUTME: Per-database differences: placeholders, row locks, lock timeouts and error codes
// ABOUTME: SQLite busy errors use modernc result codes; cgo driver errors fall back to SQLite's messages

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/2389/shovel-router/internal/model"
)

type dialect interface {
	name() string
	rebind(query string) string
	// forUpdate is appended to a SELECT that must lock the row it reads.
	forUpdate() string
	lockTimeoutStmt(d time.Duration) string
	// classify maps driver errors onto model.ErrLockTimeout where it applies.
	classify(err error) error
	// uniqueViolation reports a unique-constraint failure and names the
	// column or constraint that failed.
	uniqueViolation(err error) (string, bool)
	retriesBusy() bool
}

type sqliteDialect struct{}

func (sqliteDialect) name() string               { return "sqlite" }
func (sqliteDialect) rebind(query string) string { return query }
func (sqliteDialect) forUpdate() string          { return "" }
func (sqliteDialect) retriesBusy() bool          { return true }

func (sqliteDialect) lockTimeoutStmt(time.Duration) string { return "" }

func (sqliteDialect) classify(err error) error {
	if err == nil {
		return nil
	}
	if isBusy(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", model.ErrLockTimeout, err)
	}
	return err
}

func (sqliteDialect) uniqueViolation(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	msg := err.Error()
	const marker = "UNIQUE constraint failed: "
	i := strings.Index(msg, marker)
	if i < 0 {
		return "", false
	}
	return msg[i+len(marker):], true
}

type postgresDialect struct{}

func (postgresDialect) name() string      { return "postgres" }
func (postgresDialect) forUpdate() string { return " FOR UPDATE" }
func (postgresDialect) retriesBusy() bool { return false }

// rebind rewrites ? placeholders to $1..$n. Queries in this package never
// contain a literal question mark.
func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (postgresDialect) lockTimeoutStmt(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)
}

func (postgresDialect) classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", // lock_not_available
			"40P01", // deadlock_detected
			"57014": // query_canceled (statement or lock timeout)
			return fmt.Errorf("%w: %w", model.ErrLockTimeout, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", model.ErrLockTimeout, err)
	}
	return err
}

func (postgresDialect) uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// isBusy reports SQLITE_BUSY or SQLITE_LOCKED from either driver.
// mattn/go-sqlite3 only defines its error type in cgo builds, so its errors
// are recognized by the messages SQLite itself returns for those codes.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff { // primary code; extended codes set higher bits
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
