package progress

import "github.com/alem-hub/progression/internal/domain/shared"

// Stats - счётчики активности студента. Только растут.
type Stats struct {
	QuestionsAnswered int `json:"questionsAnswered"`
	CorrectAnswers    int `json:"correctAnswers"`
	StudyTimeMinutes  int `json:"studyTimeMinutes"`
	ChaptersCompleted int `json:"chaptersCompleted"`
	PerfectScores     int `json:"perfectScores"`
	QuizzesCompleted  int `json:"quizzesCompleted"`
}

// MaxStatsIncrement - верхняя граница приращения одного счётчика за вызов.
const MaxStatsIncrement = 1_000_000

// StatsDelta - частичное приращение счётчиков.
// Нулевое поле означает "не менять".
type StatsDelta struct {
	QuestionsAnswered int `json:"questionsAnswered,omitempty"`
	CorrectAnswers    int `json:"correctAnswers,omitempty"`
	StudyTimeMinutes  int `json:"studyTimeMinutes,omitempty"`
	ChaptersCompleted int `json:"chaptersCompleted,omitempty"`
	PerfectScores     int `json:"perfectScores,omitempty"`
	QuizzesCompleted  int `json:"quizzesCompleted,omitempty"`
}

// Validate проверяет, что каждое поле лежит в [0, MaxStatsIncrement].
func (d StatsDelta) Validate() error {
	for _, v := range []int{
		d.QuestionsAnswered,
		d.CorrectAnswers,
		d.StudyTimeMinutes,
		d.ChaptersCompleted,
		d.PerfectScores,
		d.QuizzesCompleted,
	} {
		if v < 0 {
			return shared.ErrNegativeStatsDelta
		}
		if v > MaxStatsIncrement {
			return shared.ErrStatsDeltaTooLarge
		}
	}
	return nil
}

// IsZero возвращает true, если приращение ничего не меняет.
func (d StatsDelta) IsZero() bool {
	return d == StatsDelta{}
}

// Apply возвращает счётчики после приращения. Каждый счётчик насыщается на MaxCounter.
func (s Stats) Apply(d StatsDelta) Stats {
	s.QuestionsAnswered = SaturatingAdd(s.QuestionsAnswered, d.QuestionsAnswered)
	s.CorrectAnswers = SaturatingAdd(s.CorrectAnswers, d.CorrectAnswers)
	s.StudyTimeMinutes = SaturatingAdd(s.StudyTimeMinutes, d.StudyTimeMinutes)
	s.ChaptersCompleted = SaturatingAdd(s.ChaptersCompleted, d.ChaptersCompleted)
	s.PerfectScores = SaturatingAdd(s.PerfectScores, d.PerfectScores)
	s.QuizzesCompleted = SaturatingAdd(s.QuizzesCompleted, d.QuizzesCompleted)
	return s
}
