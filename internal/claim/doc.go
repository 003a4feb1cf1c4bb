// Package claim resolves competing operator claims on queue items.
//
// A claim locks the item row (Postgres) or holds the single writer
// connection (SQLite), applies the claimed transition, and deletes the item
// only at the version it read. Exactly one concurrent claimer can commit;
// the rest see ErrAlreadyClaimed. A claim that cannot get its lock inside
// the configured window fails with ErrClaimContended and may be retried.
package claim
