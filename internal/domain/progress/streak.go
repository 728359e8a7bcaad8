package progress

import "time"

// ══════════════════════════════════════════════════════════════════════════════
// STREAK POLICY
// ══════════════════════════════════════════════════════════════════════════════

const (
	// StreakBonusXP - бонус за продление серии.
	StreakBonusXP = 5

	// StreakDayWindow - минимальный интервал, после которого серия продлевается.
	StreakDayWindow = 24 * time.Hour

	// StreakBreakWindow - интервал, начиная с которого серия сбрасывается.
	StreakBreakWindow = 48 * time.Hour
)

// StreakTransition - результат применения политики серии.
type StreakTransition string

const (
	// StreakUnchanged - тот же "день", ничего не меняется, включая время.
	StreakUnchanged StreakTransition = "unchanged"
	// StreakExtended - серия увеличена на 1, положен бонус.
	StreakExtended StreakTransition = "extended"
	// StreakReset - перерыв 48 часов и больше, серия начинается заново с 1.
	StreakReset StreakTransition = "reset"
	// StreakStarted - первая активность пользователя, серия равна 1.
	StreakStarted StreakTransition = "started"
)

// Changed возвращает true, если переход изменил запись.
func (t StreakTransition) Changed() bool {
	return t != StreakUnchanged
}

// NextStreak вычисляет новое значение серии по времени с последнего перехода.
func NextStreak(current int, lastStreakAt, now time.Time) (int, StreakTransition) {
	if lastStreakAt.IsZero() {
		return 1, StreakStarted
	}

	elapsed := now.Sub(lastStreakAt)
	switch {
	case elapsed < StreakDayWindow:
		return current, StreakUnchanged
	case elapsed < StreakBreakWindow:
		return current + 1, StreakExtended
	default:
		return 1, StreakReset
	}
}

// AdvanceStreak применяет политику серии к записи.
// При изменении обновляются LastStreakAt и LastActiveAt.
func (p *Progress) AdvanceStreak(now time.Time) StreakTransition {
	next, transition := NextStreak(p.Streak, p.LastStreakAt, now)
	if !transition.Changed() {
		return transition
	}
	p.Streak = next
	p.LastStreakAt = now
	p.LastActiveAt = now
	p.UpdatedAt = now
	return transition
}
