// Package api exposes the routing engine over HTTP.
//
// Routes live under /api and use JSON bodies. Errors share one shape:
//
//	{"error": {"code": "already_claimed", "message": "..."}}
//
// The caller is identified by the X-Shovel-Actor-Type and X-Shovel-Actor-ID
// headers; requests without them act as admin. POST requests may carry an
// Idempotency-Key header: a repeat of a finished request replays the first
// response, and a repeat that races the first gets 409 duplicate_request.
//
// /api/events/stream serves committed audit events as Server-Sent Events,
// scoped by conversation_id or queue_id query parameters.
package api
