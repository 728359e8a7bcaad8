package progression

import (
	"context"
	"time"

	"github.com/alem-hub/progression/internal/domain/catalog"
	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/domain/shared"
	"github.com/alem-hub/progression/pkg/logger"
)

// StreakResult describes the outcome of a streak update.
type StreakResult struct {
	// Streak is the streak value after the update.
	Streak int

	// Transition tells which branch of the policy applied.
	Transition progress.StreakTransition

	// Bonus is set when the streak was extended and the bonus was granted.
	Bonus *AwardResult

	// Progress is the record after the update.
	Progress *progress.Progress
}

// UpdateStreak applies the daily streak policy:
//   - less than 24h since the last transition: nothing changes;
//   - 24h up to 48h: streak + 1 and a StreakBonusXP award;
//   - 48h or more, or no previous activity: streak restarts at 1.
//
// The transition and the bonus are written in the same store transaction,
// so two concurrent calls cannot both extend the streak.
func (s *Service) UpdateStreak(ctx context.Context, userID string) (*StreakResult, error) {
	if _, err := shared.NewUserID(userID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	details := map[string]any{}
	var (
		transition   progress.StreakTransition
		previousAt   time.Time
		previousDays int
	)

	upd, err := s.repo.AddXP(ctx, progress.XPGrant{
		ActivityID: s.newID(),
		UserID:     userID,
		Amount:     progress.StreakBonusXP,
		Type:       progress.ActivityStreakBonus,
		Details:    details,
		At:         now,
		Prepare: func(p *progress.Progress) (bool, error) {
			previousAt, previousDays = p.LastStreakAt, p.Streak
			transition = p.AdvanceStreak(now)
			details["streak"] = p.Streak
			return transition == progress.StreakExtended, nil
		},
	}, s.catalog.EvaluateCosmetics)
	if err != nil {
		return nil, err
	}

	res := &StreakResult{
		Streak:     upd.Progress.Streak,
		Transition: transition,
		Progress:   upd.Progress,
	}

	log := s.logger(ctx).With(logger.UserID(userID), logger.StreakDays(res.Streak))
	switch transition {
	case progress.StreakExtended:
		res.Bonus = awardResult(upd)
		log.Info("streak extended")
		s.logAward(ctx, userID, progress.ActivityStreakBonus, res.Bonus)
	case progress.StreakReset:
		log.Info("streak reset",
			logger.Int("previous_streak", previousDays),
			logger.Duration("gap", s.since(previousAt)),
		)
	case progress.StreakStarted:
		log.Debug("streak started")
	}
	return res, nil
}

// LoginResult describes the outcome of a daily login.
type LoginResult struct {
	Streak       *StreakResult
	Achievements []catalog.Achievement
	Progress     *progress.Progress
}

// RecordLogin updates the streak and re-checks achievements.
func (s *Service) RecordLogin(ctx context.Context, userID string) (*LoginResult, error) {
	streak, err := s.UpdateStreak(ctx, userID)
	if err != nil {
		return nil, err
	}
	unlocked, p, err := s.checkAchievements(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Streak: streak, Achievements: unlocked, Progress: p}, nil
}
