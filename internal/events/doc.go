// Package events records what the routing engine did and tells the
// outside world about it.
//
// A Sink writes one AuditEvent per committed transition, claim or admin
// change, plus one outbox delivery per active webhook subscribed to the
// event type, all inside the caller's transaction:
//
//	var batch *events.Batch
//	err := st.WithTx(ctx, func(q *store.Queries) error {
//	    batch = sink.Begin(q)
//	    ...
//	    return batch.RecordTransition(ctx, tr, next.QueueID)
//	})
//	if err == nil {
//	    batch.Publish()
//	}
//
// Publish feeds the in-memory Broadcaster that backs the live event
// stream. Webhook delivery itself is done by package webhook's relay.
package events
