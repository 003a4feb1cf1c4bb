// ABOUTME: Audit event persistence and the filtered read model
// ABOUTME: Actor id and name are denormalized columns so actor search never parses payload JSON

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/shovel-router/internal/model"
)

// AuditFilter specifies filtering options for listing audit events.
type AuditFilter struct {
	ConversationID *string
	QueueID        *string
	EventType      *string
	Since          *time.Time // inclusive
	Until          *time.Time // inclusive
	Actor          string     // substring of actor id or name, case-insensitive
	Limit          int        // default 50, max 500
	Offset         int
}

// InsertAuditEvent appends an audit event. Generates ID and OccurredAt if
// not set.
func (q *Queries) InsertAuditEvent(ctx context.Context, e *model.AuditEvent) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling audit payload: %w", err)
	}
	actorType := e.Actor.Type
	if actorType == "" {
		actorType = model.ActorSystem
	}

	_, err = q.exec(ctx, `
		INSERT INTO audit_events (id, event_type, conversation_id, queue_id, actor_type, actor_id, actor_name, payload_json, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.EventType, e.ConversationID, e.QueueID,
		string(actorType), e.Actor.ID, e.Actor.Name, string(data), formatTime(e.OccurredAt))
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", q.dialect.classify(err))
	}

	q.logger.Debug("appended audit event",
		"id", e.ID,
		"type", e.EventType,
		"actor", string(actorType)+"/"+e.Actor.ID,
	)
	return nil
}

const auditWhere = `
	WHERE (CAST(? AS TEXT) IS NULL OR conversation_id = ?)
	  AND (CAST(? AS TEXT) IS NULL OR queue_id = ?)
	  AND (CAST(? AS TEXT) IS NULL OR event_type = ?)
	  AND (CAST(? AS TEXT) IS NULL OR occurred_at >= ?)
	  AND (CAST(? AS TEXT) IS NULL OR occurred_at <= ?)
	  AND (CAST(? AS TEXT) IS NULL OR LOWER(actor_id) LIKE ? ESCAPE '\' OR LOWER(actor_name) LIKE ? ESCAPE '\')
`

// ListAuditEvents returns audit events matching the filter, newest first,
// plus the total number of matches.
func (q *Queries) ListAuditEvents(ctx context.Context, f AuditFilter) ([]model.AuditEvent, int, error) {
	var since, until, actor *string
	if f.Since != nil {
		s := formatTime(*f.Since)
		since = &s
	}
	if f.Until != nil {
		s := formatTime(*f.Until)
		until = &s
	}
	if a := strings.TrimSpace(f.Actor); a != "" {
		p := "%" + escapeLike(strings.ToLower(a)) + "%"
		actor = &p
	}
	args := []any{
		f.ConversationID, f.ConversationID,
		f.QueueID, f.QueueID,
		f.EventType, f.EventType,
		since, since,
		until, until,
		actor, actor, actor,
	}

	var total int
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM audit_events`+auditWhere, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting audit events: %w", q.dialect.classify(err))
	}

	rows, err := q.query(ctx, `
		SELECT id, event_type, conversation_id, queue_id, actor_type, actor_id, actor_name, payload_json, occurred_at
		FROM audit_events`+auditWhere+`
		ORDER BY occurred_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, append(args, normalizeLimit(f.Limit, 50, 500), max(f.Offset, 0))...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying audit events: %w", q.dialect.classify(err))
	}
	defer func() { _ = rows.Close() }()

	events := []model.AuditEvent{}
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating audit events: %w", err)
	}
	return events, total, nil
}

// scanAuditEvent scans a row into an AuditEvent.
func scanAuditEvent(scanner interface{ Scan(dest ...any) error }) (model.AuditEvent, error) {
	var e model.AuditEvent
	var actorType, payload, occurred string

	if err := scanner.Scan(&e.ID, &e.EventType, &e.ConversationID, &e.QueueID,
		&actorType, &e.Actor.ID, &e.Actor.Name, &payload, &occurred); err != nil {
		return e, fmt.Errorf("scanning audit event: %w", err)
	}
	e.Actor.Type = model.ActorType(actorType)

	var err error
	if e.OccurredAt, err = parseTime(occurred); err != nil {
		return e, fmt.Errorf("parsing occurred_at: %w", err)
	}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return e, fmt.Errorf("unmarshaling payload: %w", err)
		}
	}
	return e, nil
}
