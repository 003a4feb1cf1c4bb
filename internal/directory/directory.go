// ABOUTME: Operator/skill directory lookups backed by the operators table or a static list
// ABOUTME: Produces the pure queue -> bool pool check the router consumes

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/shovel-router/internal/model"
	"github.com/2389/shovel-router/internal/router"
	"github.com/2389/shovel-router/internal/store"
)

// Directory resolves operator skill coverage.
type Directory interface {
	// Operators returns the currently active operators.
	Operators(ctx context.Context) ([]*model.Operator, error)
	// Operator returns one operator, or model.ErrNotFound.
	Operator(ctx context.Context, id string) (*model.Operator, error)
}

// Eligible reports whether operatorID is active and holds every skill the
// queue requires. Unknown operators are not eligible.
func Eligible(ctx context.Context, d Directory, queue model.Queue, operatorID string) (bool, error) {
	op, err := d.Operator(ctx, operatorID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("looking up operator %s: %w", operatorID, err)
	}
	return op.Active && op.HasSkills(queue.SkillsRequired), nil
}

// PoolCheck snapshots the active operators once and returns the pure
// coverage function the router filters with. A queue with no required
// skills is always covered.
func PoolCheck(ctx context.Context, d Directory) (router.PoolCheck, error) {
	ops, err := d.Operators(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing operators: %w", err)
	}
	return func(q model.Queue) bool {
		if len(q.SkillsRequired) == 0 {
			return true
		}
		for _, op := range ops {
			if op.Active && op.HasSkills(q.SkillsRequired) {
				return true
			}
		}
		return false
	}, nil
}

// SQL reads operators from the store.
type SQL struct {
	store  *store.Store
	logger *slog.Logger
}

// NewSQL creates a store-backed directory. Pass nil logger for default.
func NewSQL(st *store.Store, logger *slog.Logger) *SQL {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQL{store: st, logger: logger.With("component", "directory")}
}

// Operators implements Directory.
func (d *SQL) Operators(ctx context.Context) ([]*model.Operator, error) {
	ops, err := d.store.ListOperators(ctx, true)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("loaded active operators", "count", len(ops))
	return ops, nil
}

// Operator implements Directory.
func (d *SQL) Operator(ctx context.Context, id string) (*model.Operator, error) {
	return d.store.GetOperator(ctx, id)
}

// Upsert validates and stores an operator. Skills are normalized.
func (d *SQL) Upsert(ctx context.Context, op model.Operator) (*model.Operator, error) {
	op.ID = strings.TrimSpace(op.ID)
	op.Name = strings.TrimSpace(op.Name)
	if op.ID == "" {
		return nil, model.InvalidInput("operator id is required")
	}
	if op.Name == "" {
		op.Name = op.ID
	}
	op.Skills = model.NormalizeSkills(op.Skills)
	op.UpdatedAt = time.Now().UTC()
	if err := d.store.UpsertOperator(ctx, &op); err != nil {
		return nil, err
	}
	d.logger.Info("operator saved", "id", op.ID, "active", op.Active, "skills", op.Skills)
	return &op, nil
}

// List returns every operator, or only active ones.
func (d *SQL) List(ctx context.Context, activeOnly bool) ([]*model.Operator, error) {
	return d.store.ListOperators(ctx, activeOnly)
}

// Remove deletes an operator. Conversations already assigned to it keep
// their assignment.
func (d *SQL) Remove(ctx context.Context, id string) error {
	if err := d.store.DeleteOperator(ctx, id); err != nil {
		return err
	}
	d.logger.Info("operator removed", "id", id)
	return nil
}

// Static is an in-memory directory, used when operators come from config
// and in tests.
type Static struct {
	mu  sync.RWMutex
	ops map[string]model.Operator
}

// NewStatic creates a directory holding ops.
func NewStatic(ops ...model.Operator) *Static {
	s := &Static{ops: make(map[string]model.Operator, len(ops))}
	for _, op := range ops {
		s.ops[op.ID] = op
	}
	return s
}

// Set adds or replaces an operator.
func (s *Static) Set(op model.Operator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.ID] = op
}

// Operators implements Directory.
func (s *Static) Operators(context.Context) ([]*model.Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Operator, 0, len(s.ops))
	for _, op := range s.ops {
		if op.Active {
			op := op
			out = append(out, &op)
		}
	}
	return out, nil
}

// Operator implements Directory.
func (s *Static) Operator(_ context.Context, id string) (*model.Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, fmt.Errorf("operator %s: %w", id, model.ErrNotFound)
	}
	return &op, nil
}
