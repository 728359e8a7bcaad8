package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progression/pkg/timeutil"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeIndex struct {
	users int
	err   error
	calls int
}

func (f *fakeIndex) Reindex(ctx context.Context) (int, error) {
	f.calls++
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("expected a deadline")
	}
	return f.users, f.err
}

func TestReindexXPJob(t *testing.T) {
	idx := &fakeIndex{users: 42}
	job := NewReindexXPJob(idx, nil, timeutil.NewManualClock(epoch), time.Minute)

	assert.Nil(t, job.LastStats())
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, "reindex_xp", job.Name())

	stats := job.LastStats()
	require.NotNil(t, stats)
	assert.Equal(t, 42, stats.Users)
	assert.NotEmpty(t, stats.RunID)
}

func TestReindexXPJob_Failure(t *testing.T) {
	boom := errors.New("redis down")
	job := NewReindexXPJob(&fakeIndex{err: boom}, nil, nil, time.Minute)

	err := job.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, job.LastStats().Err, boom)
}

func TestAuditIntegrityJob(t *testing.T) {
	repo := memory.NewProgressRepository()
	ctx := context.Background()

	for _, user := range []string{"alice", "bob"} {
		_, err := repo.AddXP(ctx, progress.XPGrant{
			ActivityID: "a-" + user, UserID: user, Amount: 50, Type: progress.ActivityManual, At: epoch,
		}, nil)
		require.NoError(t, err)
	}
	_, err := repo.Mutate(ctx, "bob", epoch, func(p *progress.Progress) (bool, error) {
		p.ActiveAvatarEffect = "flame_aura"
		return true, nil
	})
	require.NoError(t, err)

	job := NewAuditIntegrityJob(repo, nil)
	report, err := job.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, []string{"bob"}, report.Violations)

	require.NoError(t, job.Run(ctx))
}
