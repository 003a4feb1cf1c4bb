// Package store provides transactional persistence for the routing engine.
//
// # Architecture
//
// Store owns the *sql.DB. Every statement lives on Queries, which is bound
// either to the pool (Store embeds one) or to a single transaction:
//
//	err := st.WithTx(ctx, func(q *store.Queries) error {
//	    conv, err := q.GetConversation(ctx, id)
//	    if err != nil {
//	        return err
//	    }
//	    ...
//	    return q.UpdateConversation(ctx, next)
//	})
//
// Inside fn only q may be used. On SQLite the pool has one connection, so
// calling a Store method from inside fn blocks until the context expires.
//
// # Drivers
//
//   - sqlite: modernc.org/sqlite, pure Go (default)
//   - sqlite3: github.com/mattn/go-sqlite3, cgo
//   - postgres: github.com/jackc/pgx/v5/stdlib
//
// Queries are written with ? placeholders and rebound for Postgres.
//
// # Concurrency
//
// Conversations carry a version column. UpdateConversation commits only if
// the version still matches the snapshot that was read and reports
// model.ErrVersionConflict otherwise. Queue items are removed with a
// compare-and-delete on (id, version), and LockQueueItem takes a row lock
// on Postgres (SELECT ... FOR UPDATE) whose wait is bounded by
// SetLockTimeout. SQLite serializes transactions through its single
// connection; the wait for it is bounded by the caller's context deadline.
// Both timeouts surface as model.ErrLockTimeout.
//
// The single default queue is enforced by a partial unique index on
// queues(is_default) WHERE is_default = 1.
//
// # Timestamps
//
// Times are stored as fixed-width UTC TEXT (see timeLayout) so ORDER BY on
// the column is chronological under both engines.
//
// # Error Handling
//
//   - model.ErrNotFound: the row does not exist
//   - model.ErrVersionConflict: a concurrent commit won
//   - model.ErrDuplicateSlug: queue slug already taken
//   - model.ErrLockTimeout: a lock or connection wait expired
//   - ErrDefaultConflict: a concurrent transaction set another default queue
package store
