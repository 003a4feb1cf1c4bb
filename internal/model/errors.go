// ABOUTME: Error taxonomy for the routing engine
// ABOUTME: Every kind stays distinguishable end-to-end via errors.Is

package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition: the event is not legal from the current state. Not retried.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNoRoutableQueue: no skill-matching queue and no default queue configured.
	ErrNoRoutableQueue = errors.New("no routable queue")
	// ErrAlreadyClaimed: another operator won the claim. Terminal for this attempt.
	ErrAlreadyClaimed = errors.New("queue item already claimed")
	// ErrClaimContended: the item's lock was not acquired in time. Safe to retry.
	ErrClaimContended = errors.New("claim contended")
	// ErrQueueNotEmpty: the queue still holds live items.
	ErrQueueNotEmpty = errors.New("queue not empty")
	// ErrCannotDeleteDefault: the default queue cannot be deleted.
	ErrCannotDeleteDefault = errors.New("cannot delete the default queue")
	// ErrNotEligible: the operator lacks a skill the queue requires.
	ErrNotEligible = errors.New("operator not eligible for queue")

	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicateSlug   = errors.New("queue slug already exists")
	ErrInvalidInput    = errors.New("invalid input")
	// ErrLockTimeout is reported by the store when a row lock or connection
	// could not be acquired inside the caller's window.
	ErrLockTimeout = errors.New("lock timeout")
)

// TransitionError describes a rejected state machine event.
type TransitionError struct {
	ConversationID string
	From           State
	Event          Event
	Reason         string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition: %s from %s", e.Event, e.From)
	if e.ConversationID != "" {
		msg += " (conversation " + e.ConversationID + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// InvalidInput wraps ErrInvalidInput with a field-level message.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
