// ABOUTME: Conversation and message persistence with optimistic version checks
// ABOUTME: UpdateConversation commits a snapshot only if nobody else committed since it was read

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/shovel-router/internal/model"
)

const conversationColumns = `id, state, queue_id, assigned_operator_id, requester_type, requester_identifier,
	requester_tier, channel, required_skills, last_activity_at, created_at, updated_at, version`

// InsertConversation stores a new conversation at version 1.
func (q *Queries) InsertConversation(ctx context.Context, c *model.Conversation) error {
	skills, err := marshalStrings(c.RequiredSkills)
	if err != nil {
		return err
	}
	c.Version = 1
	_, err = q.exec(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, string(c.State), c.QueueID, c.AssignedOperatorID,
		c.Requester.Type, c.Requester.Identifier, c.Requester.Tier,
		c.Channel, skills,
		formatTime(c.LastActivityAt), formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
		c.Version,
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", q.dialect.classify(err))
	}
	q.logger.Debug("inserted conversation", "id", c.ID, "state", c.State)
	return nil
}

// GetConversation loads one conversation snapshot.
// Returns model.ErrNotFound if it doesn't exist.
func (q *Queries) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := q.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", q.dialect.classify(err))
	}
	return c, nil
}

// UpdateConversation commits c if the stored version still equals
// c.Version, then bumps c.Version. A stale snapshot yields
// model.ErrVersionConflict; a missing row yields model.ErrNotFound.
func (q *Queries) UpdateConversation(ctx context.Context, c *model.Conversation) error {
	skills, err := marshalStrings(c.RequiredSkills)
	if err != nil {
		return err
	}
	res, err := q.exec(ctx, `
		UPDATE conversations
		SET state = ?, queue_id = ?, assigned_operator_id = ?, channel = ?, required_skills = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		string(c.State), c.QueueID, c.AssignedOperatorID, c.Channel, skills,
		formatTime(c.UpdatedAt),
		c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", q.dialect.classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := q.queryRow(ctx, `SELECT 1 FROM conversations WHERE id = ?`, c.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("conversation %s: %w", c.ID, model.ErrNotFound)
		}
		return fmt.Errorf("conversation %s at version %d: %w", c.ID, c.Version, model.ErrVersionConflict)
	}
	c.Version++
	q.logger.Debug("updated conversation", "id", c.ID, "state", c.State, "version", c.Version)
	return nil
}

// TouchConversation moves last_activity_at forward to at. It does not bump
// the version, so it never conflicts with a concurrent transition.
func (q *Queries) TouchConversation(ctx context.Context, id string, at time.Time) error {
	ts := formatTime(at)
	res, err := q.exec(ctx, `
		UPDATE conversations SET last_activity_at = ?
		WHERE id = ? AND last_activity_at < ?
	`, ts, id, ts)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", q.dialect.classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := q.GetConversation(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	State   *model.State
	QueueID *string
	Limit   int
	Offset  int
}

// ListConversations returns conversations newest-activity first.
func (q *Queries) ListConversations(ctx context.Context, f ConversationFilter) ([]*model.Conversation, error) {
	var state *string
	if f.State != nil {
		s := string(*f.State)
		state = &s
	}
	rows, err := q.query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE (CAST(? AS TEXT) IS NULL OR state = ?)
		  AND (CAST(? AS TEXT) IS NULL OR queue_id = ?)
		ORDER BY last_activity_at DESC, id ASC
		LIMIT ? OFFSET ?
	`, state, state, f.QueueID, f.QueueID, normalizeLimit(f.Limit, 50, 500), max(f.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", q.dialect.classify(err))
	}
	defer func() { _ = rows.Close() }()

	out := []*model.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return out, nil
}

func scanConversation(scanner interface{ Scan(dest ...any) error }) (*model.Conversation, error) {
	var (
		c                          model.Conversation
		state, skills              string
		lastActivity, created, upd string
	)
	if err := scanner.Scan(
		&c.ID, &state, &c.QueueID, &c.AssignedOperatorID,
		&c.Requester.Type, &c.Requester.Identifier, &c.Requester.Tier,
		&c.Channel, &skills, &lastActivity, &created, &upd, &c.Version,
	); err != nil {
		return nil, err
	}
	c.State = model.State(state)

	var err error
	if c.RequiredSkills, err = unmarshalStrings(skills); err != nil {
		return nil, fmt.Errorf("parsing required_skills: %w", err)
	}
	if c.LastActivityAt, err = parseTime(lastActivity); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(upd); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// InsertMessage appends to a conversation's transcript.
func (q *Queries) InsertMessage(ctx context.Context, m *model.Message) error {
	_, err := q.exec(ctx, `
		INSERT INTO messages (id, conversation_id, author, author_id, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, string(m.Author), m.AuthorID, m.Body, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", q.dialect.classify(err))
	}
	q.logger.Debug("inserted message", "id", m.ID, "conversation_id", m.ConversationID, "author", m.Author)
	return nil
}

// ListMessages returns up to limit messages oldest first.
func (q *Queries) ListMessages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error) {
	rows, err := q.query(ctx, `
		SELECT id, conversation_id, author, author_id, body, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, conversationID, normalizeLimit(limit, 200, 1000))
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", q.dialect.classify(err))
	}
	defer func() { _ = rows.Close() }()

	out := []*model.Message{}
	for rows.Next() {
		var m model.Message
		var author, created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &author, &m.AuthorID, &m.Body, &created); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Author = model.MessageAuthor(author)
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling string list: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// normalizeLimit applies a default and a cap.
func normalizeLimit(limit, def, maxLimit int) int {
	switch {
	case limit <= 0:
		return def
	case limit > maxLimit:
		return maxLimit
	default:
		return limit
	}
}
