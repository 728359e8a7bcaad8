// Package storetest holds behaviour tests shared by every progress.Repository implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/domain/shared"
)

// Factory returns an empty repository. Cleanup is registered on t.
type Factory func(t *testing.T) progress.Repository

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// levelTwoRule unlocks "sparkle" once the record reaches level 2.
func levelTwoRule(p *progress.Progress) []string {
	if p.Level >= 2 {
		return []string{"sparkle"}
	}
	return nil
}

func grant(id, user string, amount int, at time.Time) progress.XPGrant {
	return progress.XPGrant{
		ActivityID: id,
		UserID:     user,
		Amount:     amount,
		Type:       progress.ActivityManual,
		Details:    map[string]any{"source": "test"},
		At:         at,
	}
}

// Run executes the suite against repositories built by newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Run("LoadMissing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Load(context.Background(), "ghost")
		assert.ErrorIs(t, err, shared.ErrUserNotFound)
	})

	t.Run("LoadOrInitCreatesZeroRecord", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		p, err := repo.LoadOrInit(ctx, "u1", epoch)
		require.NoError(t, err)
		assert.Equal(t, 0, p.TotalXP)
		assert.Equal(t, 1, p.Level)
		assert.Equal(t, 100, p.NextLevelXP)
		assert.True(t, p.UnlockedEffects.Has(progress.EffectNone))
		assert.Equal(t, progress.EffectNone, p.ActiveAvatarEffect)

		again, err := repo.Load(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, p.UserID, again.UserID)
	})

	t.Run("AddXPRecomputesLevelAndLogs", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		upd, err := repo.AddXP(ctx, grant("a1", "u1", 100, epoch), levelTwoRule)
		require.NoError(t, err)
		assert.True(t, upd.Applied)
		assert.Equal(t, 0, upd.Change.OldXP)
		assert.Equal(t, 100, upd.Change.NewXP)
		assert.Equal(t, 2, upd.Progress.Level)
		assert.Equal(t, []string{"sparkle"}, upd.UnlockedEffects)
		assert.True(t, upd.Progress.LastActiveAt.Equal(epoch))

		upd, err = repo.AddXP(ctx, grant("a2", "u1", 150, epoch.Add(time.Minute)), levelTwoRule)
		require.NoError(t, err)
		assert.Equal(t, 250, upd.Progress.TotalXP)
		assert.Equal(t, 3, upd.Progress.Level)
		assert.Empty(t, upd.UnlockedEffects)

		acts, err := repo.RecentActivities(ctx, "u1", 10)
		require.NoError(t, err)
		require.Len(t, acts, 2)
		assert.Equal(t, "a2", acts[0].ID)
		assert.Equal(t, 150, acts[0].XPGained)
		assert.Equal(t, progress.ActivityManual, acts[0].Type)
		assert.Equal(t, "test", acts[0].Details["source"])
		assert.Equal(t, "a1", acts[1].ID)

		stored, err := repo.Load(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, stored.UnlockedEffects.Has("sparkle"))
	})

	t.Run("RecentActivitiesLimit", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			_, err := repo.AddXP(ctx, grant(fmt.Sprintf("a%d", i), "u1", 5, epoch.Add(time.Duration(i)*time.Second)), nil)
			require.NoError(t, err)
		}

		acts, err := repo.RecentActivities(ctx, "u1", 3)
		require.NoError(t, err)
		require.Len(t, acts, 3)
		assert.Equal(t, "a4", acts[0].ID)

		acts, err = repo.RecentActivities(ctx, "u1", 0)
		require.NoError(t, err)
		assert.Empty(t, acts)
	})

	t.Run("DuplicateActivityIDRejected", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		_, err := repo.AddXP(ctx, grant("a1", "u1", 100, epoch), nil)
		require.NoError(t, err)

		_, err = repo.AddXP(ctx, grant("a1", "u1", 50, epoch.Add(time.Minute)), levelTwoRule)
		assert.ErrorIs(t, err, shared.ErrAlreadyExists)
		assert.False(t, shared.IsRetryable(err))

		stored, err := repo.Load(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 100, stored.TotalXP)
		assert.False(t, stored.UnlockedEffects.Has("sparkle"))

		acts, err := repo.RecentActivities(ctx, "u1", 10)
		require.NoError(t, err)
		assert.Len(t, acts, 1)
	})

	t.Run("CountersSaturate", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		_, err := repo.AddXP(ctx, grant("a1", "u1", progress.MaxCounter-10, epoch), nil)
		require.NoError(t, err)
		upd, err := repo.AddXP(ctx, grant("a2", "u1", 100, epoch.Add(time.Minute)), nil)
		require.NoError(t, err)
		assert.Equal(t, progress.MaxCounter, upd.Progress.TotalXP)
		assert.Equal(t, progress.MaxLevel, upd.Progress.Level)
		assert.GreaterOrEqual(t, upd.Change.NewXP, upd.Change.OldXP)

		_, err = repo.AddStats(ctx, "u1", progress.StatsDelta{QuestionsAnswered: progress.MaxCounter - 1}, epoch, nil)
		require.NoError(t, err)
		upd, err = repo.AddStats(ctx, "u1", progress.StatsDelta{QuestionsAnswered: 5, CorrectAnswers: 3}, epoch, nil)
		require.NoError(t, err)
		assert.Equal(t, progress.MaxCounter, upd.Progress.Stats.QuestionsAnswered)
		assert.Equal(t, 3, upd.Progress.Stats.CorrectAnswers)
	})

	t.Run("AchievementClaimedOnce", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		g := grant("a1", "u1", 10, epoch)
		g.AchievementID = "first_steps"
		upd, err := repo.AddXP(ctx, g, nil)
		require.NoError(t, err)
		assert.True(t, upd.Applied)
		assert.True(t, upd.Progress.UnlockedAchievements.Has("first_steps"))

		g.ActivityID = "a2"
		upd, err = repo.AddXP(ctx, g, nil)
		require.NoError(t, err)
		assert.False(t, upd.Applied)
		assert.Equal(t, 10, upd.Progress.TotalXP)

		acts, err := repo.RecentActivities(ctx, "u1", 10)
		require.NoError(t, err)
		assert.Len(t, acts, 1)
	})

	t.Run("ZeroXPAchievementWritesNoActivity", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		g := grant("a1", "u1", 0, epoch)
		g.AchievementID = "badge_only"
		upd, err := repo.AddXP(ctx, g, nil)
		require.NoError(t, err)
		assert.True(t, upd.Applied)
		assert.Equal(t, 0, upd.Progress.TotalXP)

		acts, err := repo.RecentActivities(ctx, "u1", 10)
		require.NoError(t, err)
		assert.Empty(t, acts)
	})

	t.Run("PrepareDeclinePersistsMutableFields", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		g := grant("a1", "u1", 25, epoch)
		g.Prepare = func(p *progress.Progress) (bool, error) {
			p.Streak = 4
			p.LastStreakAt = epoch
			return false, nil
		}
		upd, err := repo.AddXP(ctx, g, nil)
		require.NoError(t, err)
		assert.False(t, upd.Applied)
		assert.Equal(t, 0, upd.Progress.TotalXP)

		stored, err := repo.Load(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 4, stored.Streak)
		assert.True(t, stored.LastStreakAt.Equal(epoch))
		assert.Equal(t, 0, stored.TotalXP)
	})

	t.Run("PrepareErrorRollsBack", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		g := grant("a1", "u1", 25, epoch)
		g.Prepare = func(p *progress.Progress) (bool, error) {
			p.Streak = 9
			return false, shared.ErrEffectNotUnlocked
		}
		_, err := repo.AddXP(ctx, g, nil)
		assert.ErrorIs(t, err, shared.ErrEffectNotUnlocked)

		stored, err := repo.LoadOrInit(ctx, "u1", epoch)
		require.NoError(t, err)
		assert.Equal(t, 0, stored.Streak)
	})

	t.Run("AddStatsIncrementsAndUnlocks", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		rule := func(p *progress.Progress) []string {
			if p.Stats.QuizzesCompleted >= 2 {
				return []string{"scholar_halo"}
			}
			return nil
		}

		delta := progress.StatsDelta{QuestionsAnswered: 10, CorrectAnswers: 7, QuizzesCompleted: 1}
		upd, err := repo.AddStats(ctx, "u1", delta, epoch, rule)
		require.NoError(t, err)
		assert.Empty(t, upd.UnlockedEffects)

		upd, err = repo.AddStats(ctx, "u1", delta, epoch.Add(time.Hour), rule)
		require.NoError(t, err)
		assert.Equal(t, 20, upd.Progress.Stats.QuestionsAnswered)
		assert.Equal(t, 14, upd.Progress.Stats.CorrectAnswers)
		assert.Equal(t, 2, upd.Progress.Stats.QuizzesCompleted)
		assert.Equal(t, []string{"scholar_halo"}, upd.UnlockedEffects)
		assert.Equal(t, 0, upd.Progress.TotalXP)
	})

	t.Run("MutateKeepsOnlyMutableFields", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		_, err := repo.AddXP(ctx, grant("a1", "u1", 100, epoch), levelTwoRule)
		require.NoError(t, err)

		p, err := repo.Mutate(ctx, "u1", epoch, func(p *progress.Progress) (bool, error) {
			p.ActiveAvatarEffect = "sparkle"
			p.TotalXP = 99999
			return true, nil
		})
		require.NoError(t, err)
		assert.Equal(t, "sparkle", p.ActiveAvatarEffect)
		assert.Equal(t, 100, p.TotalXP)

		stored, err := repo.Load(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "sparkle", stored.ActiveAvatarEffect)
		assert.Equal(t, 100, stored.TotalXP)
	})

	t.Run("MutateErrorLeavesRecord", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		_, err := repo.Mutate(ctx, "u1", epoch, func(p *progress.Progress) (bool, error) {
			p.ActiveProfileEffect = "rainbow_frame"
			return false, shared.ErrEffectNotUnlocked
		})
		assert.ErrorIs(t, err, shared.ErrEffectNotUnlocked)

		stored, err := repo.LoadOrInit(ctx, "u1", epoch)
		require.NoError(t, err)
		assert.Equal(t, progress.EffectNone, stored.ActiveProfileEffect)
	})

	t.Run("TopByXPOrderingAndFilter", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		for i, tc := range []struct {
			user string
			xp   int
		}{{"carol", 300}, {"alice", 500}, {"bob", 300}, {"dave", 50}} {
			_, err := repo.AddXP(ctx, grant(fmt.Sprintf("a%d", i), tc.user, tc.xp, epoch), nil)
			require.NoError(t, err)
		}
		_, err := repo.LoadOrInit(ctx, "zero", epoch)
		require.NoError(t, err)

		top, err := repo.TopByXP(ctx, 10)
		require.NoError(t, err)
		ids := make([]string, 0, len(top))
		for _, p := range top {
			ids = append(ids, p.UserID)
		}
		assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, ids)

		top, err = repo.TopByXP(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, top, 2)

		many, err := repo.LoadMany(ctx, []string{"dave", "ghost", "alice"})
		require.NoError(t, err)
		require.Len(t, many, 2)
		assert.Equal(t, "dave", many[0].UserID)
		assert.Equal(t, "alice", many[1].UserID)
	})

	t.Run("ConcurrentAddXP", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		const workers = 20
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := repo.AddXP(ctx, grant(fmt.Sprintf("c%d", i), "u1", 10, epoch), nil)
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		p, err := repo.Load(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, workers*10, p.TotalXP)
		assert.Equal(t, progress.LevelFromXP(workers*10), p.Level)
	})

	t.Run("ForEachVisitsPositiveXP", func(t *testing.T) {
		repo := newRepo(t)
		lister, ok := repo.(progress.Lister)
		if !ok {
			t.Skip("repository does not implement Lister")
		}
		ctx := context.Background()
		for i, user := range []string{"b", "a", "c"} {
			_, err := repo.AddXP(ctx, grant(fmt.Sprintf("a%d", i), user, 10*(i+1), epoch), nil)
			require.NoError(t, err)
		}
		_, err := repo.LoadOrInit(ctx, "zero", epoch)
		require.NoError(t, err)

		seen := map[string]int{}
		err = lister.ForEach(ctx, func(p *progress.Progress) error {
			seen[p.UserID] = p.TotalXP
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"b": 10, "a": 20, "c": 30}, seen)
	})
}
