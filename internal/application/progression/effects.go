package progression

import (
	"context"

	"github.com/alem-hub/progression/internal/domain/catalog"
	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/domain/shared"
	"github.com/alem-hub/progression/pkg/logger"
)

// SetEffectsCommand selects active cosmetic effects. A nil field keeps the current value.
type SetEffectsCommand struct {
	Avatar  *string `json:"avatar,omitempty"`
	Profile *string `json:"profile,omitempty"`
}

// SetActiveEffects equips unlocked effects. "none" is always allowed.
func (s *Service) SetActiveEffects(ctx context.Context, userID string, cmd SetEffectsCommand) (*progress.Progress, error) {
	if _, err := shared.NewUserID(userID); err != nil {
		return nil, err
	}
	if err := s.checkSlot(cmd.Avatar, catalog.SlotAvatar); err != nil {
		return nil, err
	}
	if err := s.checkSlot(cmd.Profile, catalog.SlotProfile); err != nil {
		return nil, err
	}

	p, err := s.repo.Mutate(ctx, userID, s.clock.Now(), func(p *progress.Progress) (bool, error) {
		changed := false
		if cmd.Avatar != nil && *cmd.Avatar != p.ActiveAvatarEffect {
			if !p.UnlockedEffects.Has(*cmd.Avatar) {
				return false, shared.ErrEffectNotUnlocked
			}
			p.ActiveAvatarEffect = *cmd.Avatar
			changed = true
		}
		if cmd.Profile != nil && *cmd.Profile != p.ActiveProfileEffect {
			if !p.UnlockedEffects.Has(*cmd.Profile) {
				return false, shared.ErrEffectNotUnlocked
			}
			p.ActiveProfileEffect = *cmd.Profile
			changed = true
		}
		if changed {
			p.UpdatedAt = s.clock.Now()
		}
		return changed, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger(ctx).Debug("active effects set",
		logger.UserID(userID),
		logger.String("avatar_effect", p.ActiveAvatarEffect),
		logger.String("profile_effect", p.ActiveProfileEffect),
	)
	return p, nil
}

func (s *Service) checkSlot(effectID *string, slot catalog.Slot) error {
	if effectID == nil || *effectID == progress.EffectNone {
		return nil
	}
	rule, ok := s.catalog.Effect(*effectID)
	if !ok {
		return shared.ErrUnknownEffect
	}
	if rule.Slot != slot {
		return shared.ErrEffectSlot
	}
	return nil
}
