// ABOUTME: Tests for pool coverage and operator eligibility lookups
// ABOUTME: Exercises both the static and the store-backed directory

package directory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/shovel-router/internal/model"
	"github.com/2389/shovel-router/internal/store"
)

func queue(skills ...string) model.Queue {
	return model.Queue{ID: "q", Slug: "q", SkillsRequired: skills}
}

func TestPoolCheck(t *testing.T) {
	d := NewStatic(
		model.Operator{ID: "u1", Active: true, Skills: []string{"billing", "en"}},
		model.Operator{ID: "u2", Active: false, Skills: []string{"tech"}},
	)
	covers, err := PoolCheck(context.Background(), d)
	require.NoError(t, err)

	tests := []struct {
		name   string
		skills []string
		want   bool
	}{
		{"no skills", nil, true},
		{"single covered", []string{"billing"}, true},
		{"all covered", []string{"billing", "en"}, true},
		{"partially covered", []string{"billing", "fr"}, false},
		{"inactive operator only", []string{"tech"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, covers(queue(tt.skills...)))
		})
	}
}

func TestEligible(t *testing.T) {
	ctx := context.Background()
	d := NewStatic(
		model.Operator{ID: "u1", Active: true, Skills: []string{"tech"}},
		model.Operator{ID: "off", Active: false, Skills: []string{"tech"}},
	)

	ok, err := Eligible(ctx, d, queue("tech"), "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Eligible(ctx, d, queue("billing"), "u1")
	require.NoError(t, err)
	assert.False(t, ok, "missing skill")

	ok, err = Eligible(ctx, d, queue("tech"), "off")
	require.NoError(t, err)
	assert.False(t, ok, "inactive operator")

	ok, err = Eligible(ctx, d, queue(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok, "unknown operator")
}

func TestStaticSetReplaces(t *testing.T) {
	d := NewStatic()
	d.Set(model.Operator{ID: "u1", Active: true})
	d.Set(model.Operator{ID: "u1", Active: true, Skills: []string{"vip"}})

	op, err := d.Operator(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vip"}, op.Skills)
}

func TestSQLDirectory(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{
		Driver: store.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "dir.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	now := time.Now().UTC()
	require.NoError(t, st.UpsertOperator(ctx, &model.Operator{ID: "u1", Name: "Ada", Active: true, Skills: []string{"tech"}, UpdatedAt: now}))
	require.NoError(t, st.UpsertOperator(ctx, &model.Operator{ID: "u2", Name: "Bob", Active: false, Skills: []string{"billing"}, UpdatedAt: now}))

	d := NewSQL(st, nil)
	covers, err := PoolCheck(ctx, d)
	require.NoError(t, err)
	assert.True(t, covers(queue("tech")))
	assert.False(t, covers(queue("billing")))

	ok, err := Eligible(ctx, d, queue("tech"), "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Eligible(ctx, d, queue("tech"), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLUpsertListRemove(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{
		Driver: store.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "dir.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	d := NewSQL(st, nil)

	_, err = d.Upsert(ctx, model.Operator{ID: "  "})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	op, err := d.Upsert(ctx, model.Operator{ID: "u1", Active: true, Skills: []string{"tech", " billing", "tech", ""}})
	require.NoError(t, err)
	assert.Equal(t, "u1", op.Name, "name defaults to id")
	assert.Equal(t, []string{"billing", "tech"}, op.Skills)

	_, err = d.Upsert(ctx, model.Operator{ID: "u2", Name: "Bob"})
	require.NoError(t, err)

	all, err := d.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	active, err := d.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "u1", active[0].ID)

	require.NoError(t, d.Remove(ctx, "u2"))
	assert.ErrorIs(t, d.Remove(ctx, "u2"), model.ErrNotFound)
}
