package progression

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression/internal/domain/catalog"
	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/domain/shared"
	"github.com/alem-hub/progression/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progression/pkg/timeutil"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	repo  *memory.ProgressRepository
	clock *timeutil.ManualClock
}

func newFixture(t *testing.T, cat *catalog.Catalog) fixture {
	t.Helper()
	if cat == nil {
		cat = catalog.Default()
	}
	var (
		mu  sync.Mutex
		seq int
	)
	repo := memory.NewProgressRepository()
	clock := timeutil.NewManualClock(epoch)
	svc := NewService(repo, cat,
		WithClock(clock),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("act-%d", seq)
		}),
	)
	return fixture{svc: svc, repo: repo, clock: clock}
}

func award(t *testing.T, f fixture, userID string, amount int) *AwardResult {
	t.Helper()
	res, err := f.svc.AwardXP(context.Background(), AwardXPCommand{
		UserID:       userID,
		Amount:       amount,
		ActivityType: progress.ActivityManual,
	})
	require.NoError(t, err)
	return res
}

func TestAwardXP_LevelScenario(t *testing.T) {
	f := newFixture(t, nil)

	res := award(t, f, "u1", 100)
	assert.Equal(t, 100, res.Progress.TotalXP)
	assert.Equal(t, 2, res.Progress.Level)
	assert.True(t, res.LeveledUp)
	assert.Equal(t, 2, res.NewLevel)

	res = award(t, f, "u1", 150)
	assert.Equal(t, 250, res.Progress.TotalXP)
	assert.Equal(t, 3, res.Progress.Level)
	assert.True(t, res.LeveledUp)
	assert.Equal(t, []string{"sparkle"}, res.UnlockedEffects)

	res = award(t, f, "u1", 10)
	assert.Equal(t, 260, res.Progress.TotalXP)
	assert.Equal(t, 3, res.Progress.Level)
	assert.False(t, res.LeveledUp)
	assert.Zero(t, res.NewLevel)
	assert.Empty(t, res.UnlockedEffects)

	assert.Equal(t, 250, res.Progress.CurrentLevelXP)
	assert.Equal(t, 450, res.Progress.NextLevelXP)
}

func TestAwardXP_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, amount := range []int{0, -5, progress.MaxXPAward + 1, int(^uint(0) >> 1)} {
		_, err := f.svc.AwardXP(ctx, AwardXPCommand{UserID: "u1", Amount: amount, ActivityType: progress.ActivityManual})
		assert.ErrorIs(t, err, shared.ErrInvalidAmount)
		assert.False(t, shared.IsRetryable(err))
	}

	_, err := f.svc.AwardXP(ctx, AwardXPCommand{UserID: "", Amount: 10, ActivityType: progress.ActivityManual})
	assert.ErrorIs(t, err, shared.ErrInvalidUserID)

	_, err = f.svc.AwardXP(ctx, AwardXPCommand{UserID: "u1", Amount: 10})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = f.svc.GetProgressStrict(ctx, "u1")
	assert.ErrorIs(t, err, shared.ErrUserNotFound)
}

func TestAwardXP_LogsActivity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	award(t, f, "u1", 10)
	f.clock.Advance(time.Minute)
	_, err := f.svc.AwardXP(ctx, AwardXPCommand{
		UserID:       "u1",
		Amount:       15,
		ActivityType: progress.ActivityQuizCompleted,
		Details:      map[string]any{"quiz": "q1"},
	})
	require.NoError(t, err)

	acts, err := f.svc.RecentActivities(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, "act-2", acts[0].ID)
	assert.Equal(t, progress.ActivityQuizCompleted, acts[0].Type)
	assert.Equal(t, 15, acts[0].XPGained)
	assert.Equal(t, epoch.Add(time.Minute), acts[0].CreatedAt)
	assert.Equal(t, "q1", acts[0].Details["quiz"])
	assert.Equal(t, progress.ActivityManual, acts[1].Type)
}

func TestAwardXP_ConcurrentAwardsAreNotLost(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AwardXP(context.Background(), AwardXPCommand{
				UserID:       "u1",
				Amount:       10,
				ActivityType: progress.ActivityManual,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := f.svc.GetProgress(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 500, p.TotalXP)
	assert.Equal(t, progress.LevelFromXP(500), p.Level)
}

func TestAwardXP_StoreUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.AwardXP(ctx, AwardXPCommand{UserID: "u1", Amount: 10, ActivityType: progress.ActivityManual})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrStoreUnavailable)
	assert.True(t, shared.IsRetryable(err))

	_, err = f.repo.Load(context.Background(), "u1")
	assert.ErrorIs(t, err, shared.ErrUserNotFound)
}

func TestUpdateUserStats_IncrementsAndUnlocksEffects(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.UpdateUserStats(ctx, "u1", progress.StatsDelta{QuestionsAnswered: 60, PerfectScores: 2})
	require.NoError(t, err)
	assert.Empty(t, res.UnlockedEffects)

	res, err = f.svc.UpdateUserStats(ctx, "u1", progress.StatsDelta{QuestionsAnswered: 40, PerfectScores: 3})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"scholar_halo", "rainbow_frame"}, res.UnlockedEffects)
	assert.Equal(t, 100, res.Progress.Stats.QuestionsAnswered)
	assert.Equal(t, 5, res.Progress.Stats.PerfectScores)

	_, err = f.svc.UpdateUserStats(ctx, "u1", progress.StatsDelta{CorrectAnswers: -1})
	assert.ErrorIs(t, err, shared.ErrNegativeStatsDelta)

	p, err := f.svc.GetProgress(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, p.Stats.CorrectAnswers)
	assert.Empty(t, p.UnlockedAchievements, "stats updates never evaluate achievements")
}

func TestCheckAchievements_FirstSteps(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.UpdateUserStats(ctx, "u1", progress.StatsDelta{QuestionsAnswered: 1})
	require.NoError(t, err)

	unlocked, err := f.svc.CheckAchievements(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, unlocked, 1)
	assert.Equal(t, "first_steps", unlocked[0].ID)

	p, err := f.svc.GetProgress(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10, p.TotalXP)
	assert.True(t, p.UnlockedAchievements.Has("first_steps"))

	again, err := f.svc.CheckAchievements(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, again)

	p, err = f.svc.GetProgress(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10, p.TotalXP)

	acts, err := f.svc.RecentActivities(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, progress.ActivityAchievement, acts[0].Type)
	assert.Equal(t, "first_steps", acts[0].Details["achievement_id"])
}

const chainCatalog = `
badges:
  - {id: b, name: B, description: d, icon: i, rarity: common}
achievements:
  - {id: starter, name: Starter, description: d, xpReward: 100, badge: b, criterion: {kind: questionsAnswered, threshold: 1}}
  - {id: climber, name: Climber, description: d, xpReward: 150, badge: b, criterion: {kind: level, threshold: 2}}
  - {id: summit, name: Summit, description: d, xpReward: 0, badge: b, criterion: {kind: level, threshold: 3}}
  - {id: completionist, name: Completionist, description: d, xpReward: 5, badge: b, criterion: {kind: achievementCount, threshold: 3}}
`

func TestCheckAchievements_ReachesFixedPoint(t *testing.T) {
	cat, err := catalog.Parse([]byte(chainCatalog))
	require.NoError(t, err)
	f := newFixture(t, cat)
	ctx := context.Background()

	_, err = f.svc.UpdateUserStats(ctx, "u1", progress.StatsDelta{QuestionsAnswered: 1})
	require.NoError(t, err)

	unlocked, err := f.svc.CheckAchievements(ctx, "u1")
	require.NoError(t, err)

	ids := make([]string, 0, len(unlocked))
	for _, a := range unlocked {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"starter", "climber", "summit", "completionist"}, ids)

	p, err := f.svc.GetProgress(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 255, p.TotalXP)
	assert.Equal(t, 3, p.Level)
	assert.Len(t, p.UnlockedAchievements, cat.Size())

	// Zero-XP achievements are claimed without a log entry.
	acts, err := f.svc.RecentActivities(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, acts, 3)

	again, err := f.svc.CheckAchievements(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestCheckAchievements_ConcurrentCallsAwardOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.UpdateUserStats(ctx, "u1", progress.StatsDelta{QuestionsAnswered: 1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CheckAchievements(ctx, "u1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := f.svc.GetProgress(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10, p.TotalXP)
}

func TestUpdateStreak_FirstCallStartsAtOne(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.UpdateStreak(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Streak)
	assert.Equal(t, progress.StreakStarted, res.Transition)
	assert.Nil(t, res.Bonus)
	assert.Zero(t, res.Progress.TotalXP)
	assert.Equal(t, epoch, res.Progress.LastActiveAt)
}

func TestUpdateStreak_SameDayIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.UpdateStreak(ctx, "u1")
	require.NoError(t, err)

	f.clock.Advance(23 * time.Hour)
	first, err := f.svc.UpdateStreak(ctx, "u1")
	require.NoError(t, err)
	second, err := f.svc.UpdateStreak(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, progress.StreakUnchanged, first.Transition)
	assert.Equal(t, 1, first.Streak)
	assert.Equal(t, first.Streak, second.Streak)
	assert.Equal(t, epoch, second.Progress.LastStreakAt)
	assert.Equal(t, epoch, second.Progress.LastActiveAt)
	assert.Zero(t, second.Progress.TotalXP)
}

func TestUpdateStreak_Boundaries(t *testing.T) {
	tests := []struct {
		name       string
		elapsed    time.Duration
		wantStreak int
		wantBonus  bool
	}{
		{"just under a day", 24*time.Hour - time.Second, 1, false},
		{"exactly a day", 24 * time.Hour, 2, true},
		{"just under two days", 47*time.Hour + 59*time.Minute, 2, true},
		{"exactly two days", 48 * time.Hour, 1, false},
		{"a week", 7 * 24 * time.Hour, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()

			_, err := f.svc.UpdateStreak(ctx, "u1")
			require.NoError(t, err)

			f.clock.Advance(tt.elapsed)
			res, err := f.svc.UpdateStreak(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStreak, res.Streak)
			assert.Equal(t, tt.wantBonus, res.Bonus != nil)
			if tt.wantBonus {
				assert.Equal(t, progress.StreakBonusXP, res.Progress.TotalXP)
			} else {
				assert.Zero(t, res.Progress.TotalXP)
			}
		})
	}
}

func TestUpdateStreak_SixToSevenAtHourThirty(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.UpdateStreak(ctx, "u1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		f.clock.Advance(25 * time.Hour)
		_, err := f.svc.UpdateStreak(ctx, "u1")
		require.NoError(t, err)
	}
	p, err := f.svc.GetProgress(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 6, p.Streak)
	xpBefore := p.TotalXP

	f.clock.Advance(30 * time.Hour)
	res, err := f.svc.UpdateStreak(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 7, res.Streak)
	assert.Equal(t, progress.StreakExtended, res.Transition)
	require.NotNil(t, res.Bonus)
	assert.Equal(t, progress.StreakBonusXP, res.Bonus.XPGained)
	assert.Equal(t, xpBefore+progress.StreakBonusXP, res.Progress.TotalXP)
	assert.Contains(t, res.Bonus.UnlockedEffects, "flame_aura")

	acts, err := f.svc.RecentActivities(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, progress.ActivityStreakBonus, acts[0].Type)
	assert.Equal(t, 7, acts[0].Details["streak"])
}

func TestUpdateStreak_BonusCanLevelUp(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	award(t, f, "u1", 95)
	_, err := f.svc.UpdateStreak(ctx, "u1")
	require.NoError(t, err)

	f.clock.Advance(26 * time.Hour)
	res, err := f.svc.UpdateStreak(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, res.Bonus)
	assert.True(t, res.Bonus.LeveledUp)
	assert.Equal(t, 2, res.Bonus.NewLevel)
}

func TestUpdateStreak_XPAwardsDoNotMoveTheStreakClock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.UpdateStreak(ctx, "u1")
	require.NoError(t, err)

	f.clock.Advance(20 * time.Hour)
	award(t, f, "u1", 10)

	f.clock.Advance(5 * time.Hour)
	res, err := f.svc.UpdateStreak(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Streak)
}

func TestRecordQuizResult_PerfectQuiz(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.svc.RecordQuizResult(context.Background(), "u1", QuizResult{Correct: 10, Total: 10, ChapterCompleted: true, StudyMinutes: 15})
	require.NoError(t, err)

	require.NotNil(t, out.Award)
	assert.Equal(t, 120, out.Award.XPGained)

	ids := make([]string, 0, len(out.Achievements))
	for _, a := range out.Achievements {
		ids = append(ids, a.ID)
	}
	assert.ElementsMatch(t, []string{"first_steps", "perfectionist", "chapter_one"}, ids)

	p := out.Progress
	assert.Equal(t, 120+10+30+20, p.TotalXP)
	assert.Equal(t, progress.Stats{
		QuestionsAnswered: 10,
		CorrectAnswers:    10,
		StudyTimeMinutes:  15,
		ChaptersCompleted: 1,
		PerfectScores:     1,
		QuizzesCompleted:  1,
	}, p.Stats)
}

func TestRecordQuizResult_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, q := range []QuizResult{
		{Correct: 1, Total: 0},
		{Correct: 5, Total: 4},
		{Correct: -1, Total: 4},
		{Correct: 1, Total: 4, StudyMinutes: -3},
		{Correct: 1, Total: MaxQuizQuestions + 1},
		{Correct: 1, Total: 4, StudyMinutes: progress.MaxStatsIncrement + 1},
	} {
		_, err := f.svc.RecordQuizResult(ctx, "u1", q)
		assert.ErrorIs(t, err, shared.ErrInvalidQuizResult, "%+v", q)
	}

	out, err := f.svc.RecordQuizResult(ctx, "u1", QuizResult{Correct: 0, Total: 3})
	require.NoError(t, err)
	assert.Nil(t, out.Award)
	assert.Equal(t, 3, out.Progress.Stats.QuestionsAnswered)
}

func TestRecordLogin(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for day := 0; day < 3; day++ {
		_, err := f.svc.RecordLogin(ctx, "u1")
		require.NoError(t, err)
		f.clock.Advance(25 * time.Hour)
	}

	p, err := f.svc.GetProgress(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Streak)
	assert.True(t, p.UnlockedAchievements.Has("streak_3"))
	assert.Equal(t, 2*progress.StreakBonusXP+30, p.TotalXP)
}

func TestSetActiveEffects(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ptr := func(s string) *string { return &s }

	_, err := f.svc.SetActiveEffects(ctx, "u1", SetEffectsCommand{Avatar: ptr("sparkle")})
	assert.ErrorIs(t, err, shared.ErrEffectNotUnlocked)

	_, err = f.svc.SetActiveEffects(ctx, "u1", SetEffectsCommand{Avatar: ptr("nope")})
	assert.ErrorIs(t, err, shared.ErrUnknownEffect)

	_, err = f.svc.SetActiveEffects(ctx, "u1", SetEffectsCommand{Avatar: ptr("gold_frame")})
	assert.ErrorIs(t, err, shared.ErrEffectSlot)

	award(t, f, "u1", 250)
	p, err := f.svc.SetActiveEffects(ctx, "u1", SetEffectsCommand{Avatar: ptr("sparkle")})
	require.NoError(t, err)
	assert.Equal(t, "sparkle", p.ActiveAvatarEffect)
	assert.Equal(t, progress.EffectNone, p.ActiveProfileEffect)
	assert.NoError(t, p.CheckIntegrity())

	p, err = f.svc.SetActiveEffects(ctx, "u1", SetEffectsCommand{Avatar: ptr(progress.EffectNone)})
	require.NoError(t, err)
	assert.Equal(t, progress.EffectNone, p.ActiveAvatarEffect)
}

func TestRecentActivities_Limits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < MaxActivityLimit+5; i++ {
		award(t, f, "u1", 1)
	}

	acts, err := f.svc.RecentActivities(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, acts, DefaultActivityLimit)

	acts, err = f.svc.RecentActivities(ctx, "u1", 1000)
	require.NoError(t, err)
	assert.Len(t, acts, MaxActivityLimit)
}

func TestAwardXP_LargeAwardsNeverWrap(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.AwardXP(ctx, AwardXPCommand{UserID: "u1", Amount: progress.MaxXPAward, ActivityType: progress.ActivityManual})
	require.NoError(t, err)
	assert.Equal(t, progress.MaxXPAward, res.Progress.TotalXP)
	assert.Equal(t, progress.MaxLevel, res.Progress.Level)

	_, err = f.repo.AddXP(ctx, progress.XPGrant{
		ActivityID: "seed",
		UserID:     "u1",
		Amount:     progress.MaxCounter,
		Type:       progress.ActivityManual,
		At:         epoch,
	}, nil)
	require.NoError(t, err)

	res, err = f.svc.AwardXP(ctx, AwardXPCommand{UserID: "u1", Amount: 1, ActivityType: progress.ActivityManual})
	require.NoError(t, err)
	assert.Equal(t, progress.MaxCounter, res.Progress.TotalXP)
	assert.Positive(t, res.Progress.TotalXP)
	assert.Equal(t, progress.MaxLevel, res.Progress.Level)
	assert.False(t, res.LeveledUp)
}

func TestUpdateUserStats_RejectsOversizedDelta(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.UpdateUserStats(ctx, "u1", progress.StatsDelta{StudyTimeMinutes: progress.MaxStatsIncrement + 1})
	assert.ErrorIs(t, err, shared.ErrStatsDeltaTooLarge)
	assert.True(t, shared.IsValidation(err))

	res, err := f.svc.UpdateUserStats(ctx, "u1", progress.StatsDelta{StudyTimeMinutes: progress.MaxStatsIncrement})
	require.NoError(t, err)
	assert.Equal(t, progress.MaxStatsIncrement, res.Progress.Stats.StudyTimeMinutes)
}
