package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func storesUnderTest(t *testing.T) map[string]OutcomeStore {
	t.Helper()

	mr := miniredis.RunT(t)
	redisStore, err := NewRedisStore(RedisStoreConfig{Addr: mr.Addr()})
	require.NoError(t, err)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	gormStore, err := NewGormStore(db)
	require.NoError(t, err)

	return map[string]OutcomeStore{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
		"gorm":   gormStore,
	}
}

func TestOutcomeStoreConformance(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()
			base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

			require.NoError(t, store.Ping(ctx))

			older := &Record{
				Kind: OutcomeAllocation, Subject: "task-1",
				Data: []byte(`{"worker":"w1"}`), RecordedAt: base,
			}
			newer := &Record{
				Kind: OutcomeAllocation, Subject: "task-2",
				Data: []byte(`{"worker":"w2"}`), RecordedAt: base.Add(time.Minute),
			}
			recovery := &Record{
				Kind: OutcomeRecovery, Subject: "task-1",
				Data: []byte(`{"strategy":"reassign"}`), RecordedAt: base.Add(2 * time.Minute),
			}
			for _, r := range []*Record{older, newer, recovery} {
				require.NoError(t, store.Save(ctx, r))
				assert.NotEmpty(t, r.ID)
			}

			got, err := store.Get(ctx, older.ID)
			require.NoError(t, err)
			assert.Equal(t, OutcomeAllocation, got.Kind)
			assert.JSONEq(t, `{"worker":"w1"}`, string(got.Data))

			_, err = store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			allocations, err := store.ListByKind(ctx, OutcomeAllocation, 0)
			require.NoError(t, err)
			require.Len(t, allocations, 2)
			assert.Equal(t, newer.ID, allocations[0].ID) // newest first
			assert.Equal(t, older.ID, allocations[1].ID)

			limited, err := store.ListByKind(ctx, OutcomeAllocation, 1)
			require.NoError(t, err)
			require.Len(t, limited, 1)
			assert.Equal(t, newer.ID, limited[0].ID)

			bySubject, err := store.ListBySubject(ctx, "task-1")
			require.NoError(t, err)
			require.Len(t, bySubject, 2)
			assert.Equal(t, recovery.ID, bySubject[0].ID)

			// Re-save overwrites in place under the same ID.
			older.Data = []byte(`{"worker":"w9"}`)
			require.NoError(t, store.Save(ctx, older))
			got, err = store.Get(ctx, older.ID)
			require.NoError(t, err)
			assert.JSONEq(t, `{"worker":"w9"}`, string(got.Data))

			assert.ErrorIs(t, store.Save(ctx, nil), ErrInvalidInput)
			assert.ErrorIs(t, store.Save(ctx, &Record{}), ErrInvalidInput)
		})
	}
}

func TestNewRecord(t *testing.T) {
	record, err := NewRecord(OutcomeVote, "proposal-7", map[string]string{"outcome": "approved"})
	require.NoError(t, err)
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, OutcomeVote, record.Kind)
	assert.False(t, record.RecordedAt.IsZero())
	assert.JSONEq(t, `{"outcome":"approved"}`, string(record.Data))

	_, err = NewRecord(OutcomeVote, "p", func() {})
	assert.Error(t, err)
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	record := &Record{Kind: OutcomeVote}
	assert.ErrorIs(t, s.Save(context.Background(), record), ErrStoreClosed)
	_, err := s.Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrStoreClosed)
}
