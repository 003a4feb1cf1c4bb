// ABOUTME: Operator directory rows: id, name, active flag and skill set
// ABOUTME: Read by the directory package to answer pool-coverage and eligibility lookups

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/2389/shovel-router/internal/model"
)

// UpsertOperator inserts or replaces an operator.
func (q *Queries) UpsertOperator(ctx context.Context, op *model.Operator) error {
	skills, err := marshalStrings(op.Skills)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, `
		INSERT INTO operators (id, name, active, skills, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active,
			skills = excluded.skills,
			updated_at = excluded.updated_at
	`, op.ID, op.Name, boolInt(op.Active), skills, formatTime(op.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting operator: %w", q.dialect.classify(err))
	}
	q.logger.Debug("upserted operator", "id", op.ID, "active", op.Active, "skills", op.Skills)
	return nil
}

// GetOperator loads one operator.
func (q *Queries) GetOperator(ctx context.Context, id string) (*model.Operator, error) {
	row := q.queryRow(ctx, `SELECT id, name, active, skills, updated_at FROM operators WHERE id = ?`, id)
	op, err := scanOperator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operator %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying operator: %w", q.dialect.classify(err))
	}
	return op, nil
}

// ListOperators returns operators ordered by id.
func (q *Queries) ListOperators(ctx context.Context, activeOnly bool) ([]*model.Operator, error) {
	query := `SELECT id, name, active, skills, updated_at FROM operators`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	rows, err := q.query(ctx, query+` ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying operators: %w", q.dialect.classify(err))
	}
	defer func() { _ = rows.Close() }()

	out := []*model.Operator{}
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operators: %w", err)
	}
	return out, nil
}

// DeleteOperator removes an operator from the directory.
func (q *Queries) DeleteOperator(ctx context.Context, id string) error {
	res, err := q.exec(ctx, `DELETE FROM operators WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting operator: %w", q.dialect.classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operator %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func scanOperator(scanner interface{ Scan(dest ...any) error }) (*model.Operator, error) {
	var op model.Operator
	var active int
	var skills, updated string
	if err := scanner.Scan(&op.ID, &op.Name, &active, &skills, &updated); err != nil {
		return nil, err
	}
	op.Active = active == 1
	var err error
	if op.Skills, err = unmarshalStrings(skills); err != nil {
		return nil, fmt.Errorf("parsing skills: %w", err)
	}
	if op.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &op, nil
}
