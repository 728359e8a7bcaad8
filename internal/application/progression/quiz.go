package progression

import (
	"context"

	"github.com/alem-hub/progression/internal/domain/catalog"
	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/domain/shared"
)

const (
	// QuizXPPerCorrect is awarded for every correct answer.
	QuizXPPerCorrect = 10

	// PerfectQuizBonusXP is added when every answer is correct.
	PerfectQuizBonusXP = 20

	// MaxQuizQuestions bounds Total so the quiz award stays under progress.MaxXPAward.
	MaxQuizQuestions = 1000
)

// QuizResult is a completed quiz as reported by the caller.
type QuizResult struct {
	Correct          int  `json:"correct"`
	Total            int  `json:"total"`
	ChapterCompleted bool `json:"chapterCompleted"`
	StudyMinutes     int  `json:"studyMinutes"`
}

// Validate validates the quiz result.
func (q QuizResult) Validate() error {
	if q.Total < 1 || q.Total > MaxQuizQuestions || q.Correct < 0 || q.Correct > q.Total {
		return shared.ErrInvalidQuizResult
	}
	if q.StudyMinutes < 0 || q.StudyMinutes > progress.MaxStatsIncrement {
		return shared.ErrInvalidQuizResult
	}
	return nil
}

// Perfect reports whether every answer was correct.
func (q QuizResult) Perfect() bool {
	return q.Total > 0 && q.Correct == q.Total
}

// XP returns the award for the quiz.
func (q QuizResult) XP() int {
	xp := q.Correct * QuizXPPerCorrect
	if q.Perfect() {
		xp += PerfectQuizBonusXP
	}
	return xp
}

func (q QuizResult) delta() progress.StatsDelta {
	d := progress.StatsDelta{
		QuestionsAnswered: q.Total,
		CorrectAnswers:    q.Correct,
		StudyTimeMinutes:  q.StudyMinutes,
		QuizzesCompleted:  1,
	}
	if q.Perfect() {
		d.PerfectScores = 1
	}
	if q.ChapterCompleted {
		d.ChaptersCompleted = 1
	}
	return d
}

// QuizOutcome describes everything a quiz completion changed.
type QuizOutcome struct {
	// Award is nil when the quiz earned no XP.
	Award           *AwardResult
	UnlockedEffects []string
	Achievements    []catalog.Achievement
	Progress        *progress.Progress
}

// RecordQuizResult updates counters, awards quiz XP and re-checks achievements.
func (s *Service) RecordQuizResult(ctx context.Context, userID string, quiz QuizResult) (*QuizOutcome, error) {
	if _, err := shared.NewUserID(userID); err != nil {
		return nil, err
	}
	if err := quiz.Validate(); err != nil {
		return nil, err
	}

	stats, err := s.UpdateUserStats(ctx, userID, quiz.delta())
	if err != nil {
		return nil, err
	}
	out := &QuizOutcome{
		UnlockedEffects: stats.UnlockedEffects,
		Progress:        stats.Progress,
	}

	if xp := quiz.XP(); xp > 0 {
		award, err := s.AwardXP(ctx, AwardXPCommand{
			UserID:       userID,
			Amount:       xp,
			ActivityType: progress.ActivityQuizCompleted,
			Details: map[string]any{
				"correct": quiz.Correct,
				"total":   quiz.Total,
				"perfect": quiz.Perfect(),
			},
		})
		if err != nil {
			return nil, err
		}
		out.Award = award
		out.UnlockedEffects = append(out.UnlockedEffects, award.UnlockedEffects...)
		out.Progress = award.Progress
	}

	unlocked, p, err := s.checkAchievements(ctx, userID)
	if err != nil {
		return nil, err
	}
	out.Achievements = unlocked
	out.Progress = p
	return out, nil
}
