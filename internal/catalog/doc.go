// Package catalog owns the set of queues. It validates queue definitions,
// generates slugs, and keeps the single-default invariant by clearing the
// old default and setting the new one in one transaction.
//
// Deleting a queue is refused while it is the default or while it still
// holds live items. Changing a queue's skills never touches items already
// waiting in it.
package catalog
