// Package conversation is the inbound side of the routing engine.
//
// # Signals
//
// Signal applies one lifecycle event to a conversation:
//
//	res, err := svc.Signal(ctx, id, model.EventHandoffRequested, statemachine.Context{
//		RequiredSkills: []string{"billing"},
//	})
//
// Every transition reads the current snapshot, applies the pure state
// machine, and commits with a version check in one transaction together
// with its audit event. A commit that loses to a concurrent writer is
// re-read and re-applied, up to MaxCommitRetries times.
//
// # Routing
//
// handoff_requested commits AwaitingHuman first, then selects a queue
// outside the transaction and enqueues in a second one. When routing fails
// (no queue matches and no default exists, the operator directory errors,
// or the selected queue is deleted before the enqueue commits) the
// conversation stays in AwaitingHuman, a conversation.routing_failed event
// is recorded, and the caller gets the cause, model.ErrNoRoutableQueue in
// the first case. Reroute retries routing later.
//
// # Claims
//
// A claimed signal is delegated to the claim coordinator so the exactly-once
// guarantees are the same as for the claim endpoint.
//
// # Messages
//
// Requester messages bump last_activity_at and, when the conversation is
// New or Resolved, start automation with agent_begins. Automation itself
// runs elsewhere; it consumes the committed event.
package conversation
