// Package directory answers the two operator/skill questions the router
// and claim coordinator delegate: does any active operator cover a queue's
// skills, and may a given operator take work from a queue.
package directory
