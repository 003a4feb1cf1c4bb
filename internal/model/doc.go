// Package model holds the data types shared by the routing engine.
//
// # Lifecycle
//
// A Conversation moves through the states
//
//	new -> ai_handling -> awaiting_human -> queued -> assigned -> resolved
//
// and may be abandoned from any non-terminal state. The transition table
// itself lives in package statemachine; this package only names the states
// and events so that the store, router and claim packages can share them
// without importing each other.
//
// # Invariants
//
// Conversation.AssignedOperatorID is non-nil exactly when State is
// StateAssigned, and Conversation.QueueID is non-nil exactly when State is
// StateQueued or StateAssigned. Conversation.CheckInvariants reports a
// violation of either rule.
//
// # Errors
//
// Every failure kind the engine can report is a sentinel in errors.go. The
// HTTP layer maps each one to a distinct status and code, so callers should
// always compare with errors.Is rather than by message.
package model
