// ABOUTME: QueueItem persistence: insert, row-locked read, compare-and-delete, dequeue view
// ABOUTME: DeleteQueueItem only succeeds for the version that was read, which makes claims exactly-once

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/2389/shovel-router/internal/model"
)

const queueItemColumns = `id, queue_id, conversation_id, enqueued_at, priority_score, version`

// InsertQueueItem materializes a queue item. A second live item for the
// same conversation is rejected with model.ErrVersionConflict.
func (q *Queries) InsertQueueItem(ctx context.Context, it *model.QueueItem) error {
	if it.Version == 0 {
		it.Version = 1
	}
	_, err := q.exec(ctx, `
		INSERT INTO queue_items (`+queueItemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`, it.ID, it.QueueID, it.ConversationID, formatTime(it.EnqueuedAt), it.PriorityScore, it.Version)
	if err != nil {
		if _, ok := q.dialect.uniqueViolation(err); ok {
			return fmt.Errorf("conversation %s already has a live queue item: %w", it.ConversationID, model.ErrVersionConflict)
		}
		return fmt.Errorf("inserting queue item: %w", q.dialect.classify(err))
	}
	q.logger.Debug("inserted queue item", "id", it.ID, "queue_id", it.QueueID, "conversation_id", it.ConversationID)
	return nil
}

// GetQueueItem reads an item without locking it.
func (q *Queries) GetQueueItem(ctx context.Context, id string) (*model.QueueItem, error) {
	return q.getQueueItemWhere(ctx, "id = ?", "", id)
}

// LockQueueItem reads an item and, on Postgres, holds its row lock until
// the transaction ends. The wait is bounded by SetLockTimeout.
func (q *Queries) LockQueueItem(ctx context.Context, id string) (*model.QueueItem, error) {
	return q.getQueueItemWhere(ctx, "id = ?", q.dialect.forUpdate(), id)
}

// GetQueueItemByConversation returns the conversation's live item, if any.
func (q *Queries) GetQueueItemByConversation(ctx context.Context, conversationID string) (*model.QueueItem, error) {
	return q.getQueueItemWhere(ctx, "conversation_id = ?", q.dialect.forUpdate(), conversationID)
}

func (q *Queries) getQueueItemWhere(ctx context.Context, where, suffix string, args ...any) (*model.QueueItem, error) {
	row := q.queryRow(ctx, `SELECT `+queueItemColumns+` FROM queue_items WHERE `+where+suffix, args...)
	it, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue item: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying queue item: %w", q.dialect.classify(err))
	}
	return it, nil
}

// DeleteQueueItem removes the item only if it is still at version. Zero
// rows means someone else removed it first: model.ErrVersionConflict.
func (q *Queries) DeleteQueueItem(ctx context.Context, id string, version int64) error {
	res, err := q.exec(ctx, `DELETE FROM queue_items WHERE id = ? AND version = ?`, id, version)
	if err != nil {
		return fmt.Errorf("deleting queue item: %w", q.dialect.classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("queue item %s: %w", id, model.ErrVersionConflict)
	}
	q.logger.Debug("deleted queue item", "id", id)
	return nil
}

// DeleteQueueItemsByConversation drops any live item for the conversation
// and reports how many were removed.
func (q *Queries) DeleteQueueItemsByConversation(ctx context.Context, conversationID string) (int64, error) {
	res, err := q.exec(ctx, `DELETE FROM queue_items WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("deleting queue items: %w", q.dialect.classify(err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountQueueItems returns the number of live items in a queue.
func (q *Queries) CountQueueItems(ctx context.Context, queueID string) (int, error) {
	var n int
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM queue_items WHERE queue_id = ?`, queueID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting queue items: %w", q.dialect.classify(err))
	}
	return n, nil
}

// QueueDepths returns live item counts keyed by queue id.
func (q *Queries) QueueDepths(ctx context.Context) (map[string]int, error) {
	rows, err := q.query(ctx, `SELECT queue_id, COUNT(*) FROM queue_items GROUP BY queue_id`)
	if err != nil {
		return nil, fmt.Errorf("counting queue depths: %w", q.dialect.classify(err))
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scanning queue depth: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// ListQueueEntries returns a queue's items joined with the conversation
// fields priority rules read, in FIFO order. Callers rescore and sort.
func (q *Queries) ListQueueEntries(ctx context.Context, queueID string) ([]model.QueueEntry, error) {
	rows, err := q.query(ctx, `
		SELECT qi.id, qi.queue_id, qi.conversation_id, qi.enqueued_at, qi.priority_score, qi.version,
			c.requester_type, c.requester_identifier, c.requester_tier, c.channel
		FROM queue_items qi
		JOIN conversations c ON c.id = qi.conversation_id
		WHERE qi.queue_id = ?
		ORDER BY qi.enqueued_at ASC, qi.conversation_id ASC
	`, queueID)
	if err != nil {
		return nil, fmt.Errorf("querying queue entries: %w", q.dialect.classify(err))
	}
	defer func() { _ = rows.Close() }()

	out := []model.QueueEntry{}
	for rows.Next() {
		var e model.QueueEntry
		var enq string
		if err := rows.Scan(&e.Item.ID, &e.Item.QueueID, &e.Item.ConversationID, &enq,
			&e.Item.PriorityScore, &e.Item.Version,
			&e.Requester.Type, &e.Requester.Identifier, &e.Requester.Tier, &e.Channel); err != nil {
			return nil, fmt.Errorf("scanning queue entry: %w", err)
		}
		if e.Item.EnqueuedAt, err = parseTime(enq); err != nil {
			return nil, fmt.Errorf("parsing enqueued_at: %w", err)
		}
		e.Score = e.Item.PriorityScore
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue entries: %w", err)
	}
	return out, nil
}

func scanQueueItem(scanner interface{ Scan(dest ...any) error }) (*model.QueueItem, error) {
	var it model.QueueItem
	var enq string
	if err := scanner.Scan(&it.ID, &it.QueueID, &it.ConversationID, &enq, &it.PriorityScore, &it.Version); err != nil {
		return nil, err
	}
	var err error
	if it.EnqueuedAt, err = parseTime(enq); err != nil {
		return nil, fmt.Errorf("parsing enqueued_at: %w", err)
	}
	return &it, nil
}
