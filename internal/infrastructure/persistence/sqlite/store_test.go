package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/infrastructure/persistence/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) progress.Repository {
		return openTestStore(t)
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.db")
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	first, err := Open(path)
	require.NoError(t, err)
	_, err = first.AddXP(ctx, progress.XPGrant{
		ActivityID: "a1", UserID: "u1", Amount: 40, Type: progress.ActivityManual, At: at,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	var applied int
	require.NoError(t, second.sqlDB.QueryRow(`SELECT COUNT(*) FROM `+migrationTable).Scan(&applied))
	assert.Equal(t, 3, applied)

	p, err := second.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 40, p.TotalXP)
	assert.True(t, p.LastActiveAt.Equal(at))
}

func TestUpSection(t *testing.T) {
	content := "-- +migrate Up\nCREATE TABLE a (x INTEGER);\n-- +migrate Down\nDROP TABLE a;\n"
	assert.Equal(t, "\nCREATE TABLE a (x INTEGER);\n", upSection(content))
	assert.Equal(t, "SELECT 1;", upSection("SELECT 1;"))
}

func TestNanos(t *testing.T) {
	assert.False(t, toNanos(time.Time{}).Valid)
	at := time.Date(2026, 3, 2, 9, 0, 0, 123, time.UTC)
	assert.True(t, fromNanos(toNanos(at)).Equal(at))
	assert.True(t, fromNanos(toNanos(time.Time{})).IsZero())
}
