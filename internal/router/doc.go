// Package router maps a conversation needing a human to exactly one queue
// and defines the order in which a queue's items are dequeued.
//
// Selection keeps queues whose skills_required is a subset of the
// conversation's required skills and whose operator pool can serve them,
// then prefers the largest skills_required. With no match the default
// queue is used.
//
// Priority policies are evaluated as a weighted sum; the dequeue order is
// the total order (score desc, enqueued_at asc, conversation id asc), so
// repeated listings of the same items are identical.
package router
