package progress

import (
	"strings"
	"time"

	"github.com/alem-hub/progression/internal/domain/shared"
)

// ActivityType - источник начисления XP.
type ActivityType string

const (
	ActivityQuizCompleted ActivityType = "quiz_completed"
	ActivityStreakBonus   ActivityType = "streak_bonus"
	ActivityAchievement   ActivityType = "achievement"
	ActivityManual        ActivityType = "manual"
)

// maxActivityTypeLength ограничивает произвольные типы от вызывающих сервисов.
const maxActivityTypeLength = 64

// Validate проверяет тип активности.
func (t ActivityType) Validate() error {
	s := strings.TrimSpace(string(t))
	if s == "" || len(s) > maxActivityTypeLength {
		return shared.NewDomainError("progress", "AppendActivity", shared.ErrInvalidInput, "invalid activity type")
	}
	return nil
}

// Activity - запись журнала начислений. Пишется один раз и не изменяется.
type Activity struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      ActivityType   `json:"activityType"`
	XPGained  int            `json:"xpGained"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"timestamp"`
}
