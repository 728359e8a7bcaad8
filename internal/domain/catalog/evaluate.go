package catalog

import (
	"errors"

	"github.com/alem-hub/progression/internal/domain/progress"
)

// ══════════════════════════════════════════════════════════════════════════════
// CRITERIA
// ══════════════════════════════════════════════════════════════════════════════

// CriterionKind - показатель, с которым сравнивается порог.
type CriterionKind string

const (
	KindQuestionsAnswered CriterionKind = "questionsAnswered"
	KindCorrectAnswers    CriterionKind = "correctAnswers"
	KindPerfectScores     CriterionKind = "perfectScores"
	KindStreakDays        CriterionKind = "streakDays"
	KindLevel             CriterionKind = "level"
	KindChaptersCompleted CriterionKind = "chaptersCompleted"
	KindAchievementCount  CriterionKind = "achievementCount"
)

// Criterion - условие "показатель >= порог".
type Criterion struct {
	Kind      CriterionKind `yaml:"kind" json:"kind"`
	Threshold int           `yaml:"threshold" json:"threshold"`
}

func (c Criterion) validate() error {
	switch c.Kind {
	case KindQuestionsAnswered, KindCorrectAnswers, KindPerfectScores,
		KindStreakDays, KindLevel, KindChaptersCompleted, KindAchievementCount:
	default:
		return errors.New("unknown criterion kind " + string(c.Kind))
	}
	if c.Threshold < 1 {
		return errors.New("threshold must be at least 1")
	}
	return nil
}

// value возвращает показатель из снимка прогресса.
// Для achievementCount используется число уже разблокированных достижений.
func (c Criterion) value(p *progress.Progress) int {
	switch c.Kind {
	case KindQuestionsAnswered:
		return p.Stats.QuestionsAnswered
	case KindCorrectAnswers:
		return p.Stats.CorrectAnswers
	case KindPerfectScores:
		return p.Stats.PerfectScores
	case KindStreakDays:
		return p.Streak
	case KindLevel:
		return p.Level
	case KindChaptersCompleted:
		return p.Stats.ChaptersCompleted
	case KindAchievementCount:
		return len(p.UnlockedAchievements)
	}
	return 0
}

// SatisfiedBy проверяет условие на снимке прогресса.
func (c Criterion) SatisfiedBy(p *progress.Progress) bool {
	return c.value(p) >= c.Threshold
}

// ══════════════════════════════════════════════════════════════════════════════
// EVALUATION
// ══════════════════════════════════════════════════════════════════════════════

// EvaluateAchievements возвращает достижения, условия которых выполнены на снимке
// и которые ещё не разблокированы. Сначала проверяются все виды, кроме
// achievementCount; затем achievementCount сравнивается с числом разблокированных
// с учётом найденных в этом проходе. Само достижение себя не учитывает.
func (c *Catalog) EvaluateAchievements(p *progress.Progress) []Achievement {
	var found []Achievement
	for _, a := range c.achievements {
		if a.Criterion.Kind == KindAchievementCount || p.UnlockedAchievements.Has(a.ID) {
			continue
		}
		if a.Criterion.SatisfiedBy(p) {
			found = append(found, a)
		}
	}

	count := len(p.UnlockedAchievements) + len(found)
	for _, a := range c.achievements {
		if a.Criterion.Kind != KindAchievementCount || p.UnlockedAchievements.Has(a.ID) {
			continue
		}
		if count >= a.Criterion.Threshold {
			found = append(found, a)
			count++
		}
	}
	return found
}

// EvaluateCosmetics возвращает ID эффектов, условия которых выполнены
// и которые ещё не разблокированы. Повторный вызов ничего не меняет.
func (c *Catalog) EvaluateCosmetics(p *progress.Progress) []string {
	var found []string
	for _, r := range c.cosmetics {
		if p.UnlockedEffects.Has(r.EffectID) {
			continue
		}
		if r.Criterion.SatisfiedBy(p) {
			found = append(found, r.EffectID)
		}
	}
	return found
}
