// ABOUTME: Queue catalog persistence: CRUD, default flag swaps and paginated search
// ABOUTME: A partial unique index guarantees at most one committed default queue

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/shovel-router/internal/model"
)

const queueColumns = `id, name, slug, description, skills_required, priority_policy, is_default, created_at, updated_at`

// InsertQueue stores a new queue.
func (q *Queries) InsertQueue(ctx context.Context, qu *model.Queue) error {
	skills, policy, err := marshalQueueJSON(qu)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, `
		INSERT INTO queues (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, qu.ID, qu.Name, qu.Slug, qu.Description, skills, policy, boolInt(qu.IsDefault),
		formatTime(qu.CreatedAt), formatTime(qu.UpdatedAt))
	if err != nil {
		return q.queueWriteError("inserting queue", err)
	}
	q.logger.Debug("inserted queue", "id", qu.ID, "slug", qu.Slug, "default", qu.IsDefault)
	return nil
}

// UpdateQueue overwrites every mutable column of an existing queue.
func (q *Queries) UpdateQueue(ctx context.Context, qu *model.Queue) error {
	skills, policy, err := marshalQueueJSON(qu)
	if err != nil {
		return err
	}
	res, err := q.exec(ctx, `
		UPDATE queues
		SET name = ?, slug = ?, description = ?, skills_required = ?, priority_policy = ?,
			is_default = ?, updated_at = ?
		WHERE id = ?
	`, qu.Name, qu.Slug, qu.Description, skills, policy, boolInt(qu.IsDefault),
		formatTime(qu.UpdatedAt), qu.ID)
	if err != nil {
		return q.queueWriteError("updating queue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue %s: %w", qu.ID, model.ErrNotFound)
	}
	q.logger.Debug("updated queue", "id", qu.ID, "slug", qu.Slug, "default", qu.IsDefault)
	return nil
}

func (q *Queries) queueWriteError(op string, err error) error {
	if detail, ok := q.dialect.uniqueViolation(err); ok {
		switch {
		case strings.Contains(detail, "slug"):
			return model.ErrDuplicateSlug
		case strings.Contains(detail, "default"):
			return ErrDefaultConflict
		}
	}
	return fmt.Errorf("%s: %w", op, q.dialect.classify(err))
}

// ClearDefaults unsets is_default on every queue except keepID and returns
// the ids that were cleared.
func (q *Queries) ClearDefaults(ctx context.Context, keepID string) ([]string, error) {
	rows, err := q.query(ctx, `SELECT id FROM queues WHERE is_default = 1 AND id <> ?`+q.dialect.forUpdate(), keepID)
	if err != nil {
		return nil, fmt.Errorf("querying default queues: %w", q.dialect.classify(err))
	}
	var cleared []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning queue id: %w", err)
		}
		cleared = append(cleared, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating default queues: %w", err)
	}

	if len(cleared) == 0 {
		return nil, nil
	}
	if _, err := q.exec(ctx, `UPDATE queues SET is_default = 0 WHERE is_default = 1 AND id <> ?`, keepID); err != nil {
		return nil, fmt.Errorf("clearing default queues: %w", q.dialect.classify(err))
	}
	q.logger.Debug("cleared default queues", "ids", cleared)
	return cleared, nil
}

// GetQueue loads a queue by id.
func (q *Queries) GetQueue(ctx context.Context, id string) (*model.Queue, error) {
	return q.getQueueWhere(ctx, "id = ?", id)
}

// LockQueue loads a queue and, on Postgres, holds its row lock so a
// concurrent enqueue cannot reference it until the transaction ends.
func (q *Queries) LockQueue(ctx context.Context, id string) (*model.Queue, error) {
	return q.getQueueWhere(ctx, "id = ?"+q.dialect.forUpdate(), id)
}

// GetQueueBySlug loads a queue by its unique slug.
func (q *Queries) GetQueueBySlug(ctx context.Context, slug string) (*model.Queue, error) {
	return q.getQueueWhere(ctx, "slug = ?", slug)
}

// GetDefaultQueue returns the default queue or model.ErrNotFound.
func (q *Queries) GetDefaultQueue(ctx context.Context) (*model.Queue, error) {
	return q.getQueueWhere(ctx, "is_default = 1")
}

func (q *Queries) getQueueWhere(ctx context.Context, where string, args ...any) (*model.Queue, error) {
	row := q.queryRow(ctx, `SELECT `+queueColumns+` FROM queues WHERE `+where, args...)
	qu, err := scanQueue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying queue: %w", q.dialect.classify(err))
	}
	return qu, nil
}

// DeleteQueue removes a queue row.
func (q *Queries) DeleteQueue(ctx context.Context, id string) error {
	res, err := q.exec(ctx, `DELETE FROM queues WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting queue: %w", q.dialect.classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue %s: %w", id, model.ErrNotFound)
	}
	q.logger.Debug("deleted queue", "id", id)
	return nil
}

// ListAllQueues returns the whole catalog ordered by name.
func (q *Queries) ListAllQueues(ctx context.Context) ([]model.Queue, error) {
	rows, err := q.query(ctx, `SELECT `+queueColumns+` FROM queues ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying queues: %w", q.dialect.classify(err))
	}
	return collectQueues(rows)
}

// QueueFilter narrows ListQueues.
type QueueFilter struct {
	Search string // case-insensitive substring of name or slug
	Limit  int
	Offset int
}

// ListQueues returns one page of queues ordered by name, plus the total
// number of matches.
func (q *Queries) ListQueues(ctx context.Context, f QueueFilter) ([]model.Queue, int, error) {
	var pattern *string
	if s := strings.TrimSpace(f.Search); s != "" {
		p := "%" + escapeLike(strings.ToLower(s)) + "%"
		pattern = &p
	}
	const where = `WHERE (CAST(? AS TEXT) IS NULL OR LOWER(name) LIKE ? ESCAPE '\' OR LOWER(slug) LIKE ? ESCAPE '\')`

	var total int
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM queues `+where, pattern, pattern, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting queues: %w", q.dialect.classify(err))
	}

	rows, err := q.query(ctx, `SELECT `+queueColumns+` FROM queues `+where+`
		ORDER BY name ASC, id ASC LIMIT ? OFFSET ?`,
		pattern, pattern, pattern, normalizeLimit(f.Limit, 50, 100), max(f.Offset, 0))
	if err != nil {
		return nil, 0, fmt.Errorf("querying queues: %w", q.dialect.classify(err))
	}
	queues, err := collectQueues(rows)
	if err != nil {
		return nil, 0, err
	}
	return queues, total, nil
}

func collectQueues(rows *sql.Rows) ([]model.Queue, error) {
	defer func() { _ = rows.Close() }()
	out := []model.Queue{}
	for rows.Next() {
		qu, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *qu)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queues: %w", err)
	}
	return out, nil
}

func scanQueue(scanner interface{ Scan(dest ...any) error }) (*model.Queue, error) {
	var (
		qu               model.Queue
		skills, policy   string
		isDefault        int
		created, updated string
	)
	if err := scanner.Scan(&qu.ID, &qu.Name, &qu.Slug, &qu.Description, &skills, &policy,
		&isDefault, &created, &updated); err != nil {
		return nil, err
	}
	qu.IsDefault = isDefault == 1

	var err error
	if qu.SkillsRequired, err = unmarshalStrings(skills); err != nil {
		return nil, fmt.Errorf("parsing skills_required: %w", err)
	}
	if policy != "" && policy != "[]" {
		if err := json.Unmarshal([]byte(policy), &qu.PriorityPolicy); err != nil {
			return nil, fmt.Errorf("parsing priority_policy: %w", err)
		}
	}
	if qu.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if qu.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &qu, nil
}

func marshalQueueJSON(qu *model.Queue) (string, string, error) {
	skills, err := marshalStrings(qu.SkillsRequired)
	if err != nil {
		return "", "", err
	}
	policy := qu.PriorityPolicy
	if policy == nil {
		policy = []model.PriorityRule{}
	}
	data, err := json.Marshal(policy)
	if err != nil {
		return "", "", fmt.Errorf("marshaling priority_policy: %w", err)
	}
	return skills, string(data), nil
}

// escapeLike escapes LIKE wildcards so user input matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
