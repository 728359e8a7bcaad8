package progression

import (
	"context"

	"github.com/alem-hub/progression/internal/domain/catalog"
	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/domain/shared"
	"github.com/alem-hub/progression/pkg/logger"
)

// CheckAchievements unlocks every achievement whose criterion holds and awards
// its XP. Awards can satisfy further criteria, so evaluation repeats until a
// pass unlocks nothing, bounded by the catalog size.
func (s *Service) CheckAchievements(ctx context.Context, userID string) ([]catalog.Achievement, error) {
	if _, err := shared.NewUserID(userID); err != nil {
		return nil, err
	}
	unlocked, _, err := s.checkAchievements(ctx, userID)
	return unlocked, err
}

func (s *Service) checkAchievements(ctx context.Context, userID string) ([]catalog.Achievement, *progress.Progress, error) {
	p, err := s.repo.LoadOrInit(ctx, userID, s.clock.Now())
	if err != nil {
		return nil, nil, err
	}

	unlocked := []catalog.Achievement{}
	for pass := 0; pass < s.catalog.Size(); pass++ {
		found := s.catalog.EvaluateAchievements(p)
		if len(found) == 0 {
			break
		}
		for _, a := range found {
			upd, err := s.unlock(ctx, userID, a)
			if err != nil {
				return unlocked, p, err
			}
			p = upd.Progress
			// Claimed by a concurrent call; nothing was awarded here.
			if !upd.Applied {
				continue
			}
			unlocked = append(unlocked, a)
		}
	}
	return unlocked, p, nil
}

// unlock claims the achievement and awards its XP in one transaction.
func (s *Service) unlock(ctx context.Context, userID string, a catalog.Achievement) (progress.Update, error) {
	upd, err := s.repo.AddXP(ctx, progress.XPGrant{
		ActivityID: s.newID(),
		UserID:     userID,
		Amount:     a.XPReward,
		Type:       progress.ActivityAchievement,
		Details: map[string]any{
			"achievement_id": a.ID,
			"badge_id":       a.Badge.ID,
		},
		At:            s.clock.Now(),
		AchievementID: a.ID,
	}, s.catalog.EvaluateCosmetics)
	if err != nil || !upd.Applied {
		return upd, err
	}

	res := awardResult(upd)
	s.logger(ctx).Info("achievement unlocked",
		logger.UserID(userID),
		logger.AchievementID(a.ID),
		logger.XPAmount(res.XPGained),
	)
	if res.LeveledUp {
		s.logger(ctx).Info("level up", logger.UserID(userID), logger.NewLevel(res.NewLevel))
	}
	return upd, nil
}
