// Package statemachine owns the conversation lifecycle transition table.
//
// The machine is a closed enum of states plus an explicit table keyed by
// event. It holds no process-wide mutable state: Apply takes one
// conversation snapshot and returns the next one for the caller to persist
// in a single atomic commit.
//
//	next, tr, err := statemachine.Apply(conv, model.EventClaimed, statemachine.Context{
//		OperatorID: "op-1",
//		Actor:      model.Actor{Type: model.ActorOperator, ID: "op-1"},
//	})
//
// Every successful Apply yields a Transition describing the event, the old
// and new state, and the context. Callers hand it to the event sink inside
// the same transaction that persists next.
package statemachine
