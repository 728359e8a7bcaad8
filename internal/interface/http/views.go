package http

import (
	"time"

	"github.com/alem-hub/progression/internal/application/progression"
	"github.com/alem-hub/progression/internal/domain/catalog"
	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/infrastructure/scheduler"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE VIEWS
// ══════════════════════════════════════════════════════════════════════════════

type progressView struct {
	*progress.Progress
	LevelProgressPercent float64 `json:"levelProgressPercent"`
}

func newProgressView(p *progress.Progress) progressView {
	return progressView{Progress: p, LevelProgressPercent: p.LevelProgressPercent()}
}

type awardView struct {
	Progress        progressView `json:"progress"`
	XPGained        int          `json:"xpGained"`
	LeveledUp       bool         `json:"leveledUp"`
	NewLevel        int          `json:"newLevel,omitempty"`
	UnlockedEffects []string     `json:"unlockedEffects"`
}

func newAwardView(res *progression.AwardResult) awardView {
	return awardView{
		Progress:        newProgressView(res.Progress),
		XPGained:        res.XPGained,
		LeveledUp:       res.LeveledUp,
		NewLevel:        res.NewLevel,
		UnlockedEffects: nonNil(res.UnlockedEffects),
	}
}

type statsView struct {
	Progress        progressView `json:"progress"`
	UnlockedEffects []string     `json:"unlockedEffects"`
}

type streakView struct {
	Streak     int                       `json:"streak"`
	Transition progress.StreakTransition `json:"transition"`
	Bonus      *awardView                `json:"bonus,omitempty"`
	Progress   progressView              `json:"progress"`
}

func newStreakView(res *progression.StreakResult) streakView {
	v := streakView{
		Streak:     res.Streak,
		Transition: res.Transition,
		Progress:   newProgressView(res.Progress),
	}
	if res.Bonus != nil {
		bonus := newAwardView(res.Bonus)
		v.Bonus = &bonus
	}
	return v
}

type loginView struct {
	Streak       streakView            `json:"streak"`
	Achievements []catalog.Achievement `json:"achievements"`
	Progress     progressView          `json:"progress"`
}

type quizView struct {
	Award           *awardView            `json:"award,omitempty"`
	UnlockedEffects []string              `json:"unlockedEffects"`
	Achievements    []catalog.Achievement `json:"achievements"`
	Progress        progressView          `json:"progress"`
}

type levelView struct {
	Level      int `json:"level"`
	XPRequired int `json:"xpRequired"`
}

type catalogView struct {
	Levels       []levelView            `json:"levels"`
	Achievements []catalog.Achievement  `json:"achievements"`
	Badges       []catalog.Badge        `json:"badges"`
	Cosmetics    []catalog.CosmeticRule `json:"cosmetics"`
}

func newCatalogView(c *catalog.Catalog) catalogView {
	thresholds := progress.LevelThresholds()
	levels := make([]levelView, len(thresholds))
	for i, xp := range thresholds {
		levels[i] = levelView{Level: i + 1, XPRequired: xp}
	}
	return catalogView{
		Levels:       levels,
		Achievements: c.Achievements(),
		Badges:       c.Badges(),
		Cosmetics:    c.Cosmetics(),
	}
}

type jobResultView struct {
	Job        string    `json:"job"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMS int64     `json:"durationMs"`
	Manual     bool      `json:"manual"`
}

func newJobResultView(r scheduler.JobResult) jobResultView {
	v := jobResultView{
		Job:        r.JobName,
		Success:    r.Success,
		StartedAt:  r.StartedAt,
		DurationMS: r.Duration.Milliseconds(),
		Manual:     r.Manual,
	}
	if r.Error != nil {
		v.Error = r.Error.Error()
	}
	return v
}

type jobView struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schedule    string         `json:"schedule"`
	LastRun     *time.Time     `json:"lastRun,omitempty"`
	NextRun     time.Time      `json:"nextRun"`
	RunCount    int64          `json:"runCount"`
	FailCount   int64          `json:"failCount"`
	Running     bool           `json:"running"`
	LastResult  *jobResultView `json:"lastResult,omitempty"`
}

func newJobView(info scheduler.JobInfo) jobView {
	v := jobView{
		Name:        info.Name,
		Description: info.Description,
		Schedule:    info.Schedule,
		NextRun:     info.NextRun,
		RunCount:    info.RunCount,
		FailCount:   info.FailCount,
		Running:     info.Running,
	}
	if !info.LastRun.IsZero() {
		last := info.LastRun
		v.LastRun = &last
	}
	if info.LastResult != nil {
		res := newJobResultView(*info.LastResult)
		v.LastResult = &res
	}
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilAchievements(a []catalog.Achievement) []catalog.Achievement {
	if a == nil {
		return []catalog.Achievement{}
	}
	return a
}
