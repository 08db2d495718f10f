package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// exerciseRepository runs the same contract against any implementation.
func exerciseRepository(t *testing.T, repo SessionRepository, prefix string) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	a := SessionRecord{ID: prefix + "A", LeaderID: "u-naomi", Title: "Ruth 1", CreatedAt: t0}
	b := SessionRecord{ID: prefix + "B", LeaderID: "u-boaz", Title: "Ruth 2", CreatedAt: t0.Add(time.Minute)}
	require.NoError(t, repo.Create(ctx, b))
	require.NoError(t, repo.Create(ctx, a))

	err := repo.Create(ctx, a)
	require.True(t, errors.Is(err, ErrAlreadyExists), "got %v", err)

	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "u-naomi", got.LeaderID)
	require.True(t, got.Active())

	_, err = repo.Get(ctx, prefix+"missing")
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, r := range active {
		if len(r.ID) > len(prefix) && r.ID[:len(prefix)] == prefix {
			ids = append(ids, r.ID)
		}
	}
	require.Equal(t, []string{a.ID, b.ID}, ids)

	require.NoError(t, repo.MarkEnded(ctx, a.ID, t0.Add(time.Hour)))
	require.NoError(t, repo.MarkEnded(ctx, a.ID, t0.Add(2*time.Hour)), "ending twice is a no-op")
	got, err = repo.Get(ctx, a.ID)
	require.NoError(t, err)
	require.False(t, got.Active())
	require.True(t, got.EndedAt.Equal(t0.Add(time.Hour)))

	active, err = repo.ListActive(ctx)
	require.NoError(t, err)
	for _, r := range active {
		require.NotEqual(t, a.ID, r.ID)
	}

	err = repo.MarkEnded(ctx, prefix+"missing", t0)
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestMemoryRepository(t *testing.T) {
	exerciseRepository(t, NewMemoryRepository(), "M")
}

func TestMemoryRepository_DefaultsCreatedAt(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.Create(context.Background(), SessionRecord{ID: "X", LeaderID: "u"}))
	got, err := repo.Get(context.Background(), "X")
	require.NoError(t, err)
	require.False(t, got.CreatedAt.IsZero())
}

func TestGormRepository(t *testing.T) {
	dsn := os.Getenv("LIVESYNC_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("LIVESYNC_TEST_DATABASE_DSN not set")
	}
	repo, err := OpenPostgres(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	exerciseRepository(t, repo, uuid.NewString()[:8])
}
