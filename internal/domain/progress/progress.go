// Package progress описывает прогресс студента: XP, уровни, серии, счётчики
// и разблокированные предметы, а также контракт хранилища прогресса.
package progress

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/alem-hub/progression/internal/domain/shared"
)

// EffectNone - косметический эффект "без эффекта". Всегда разблокирован.
const EffectNone = "none"

const (
	// MaxXPAward - верхняя граница одного начисления XP.
	MaxXPAward = 1_000_000

	// MaxCounter - потолок накопленного XP и счётчиков. Значение точно
	// представимо в float64, которым Redis хранит score.
	MaxCounter = 1<<53 - 1
)

// SaturatingAdd складывает неотрицательные значения, не выходя за MaxCounter.
func SaturatingAdd(total, amount int) int {
	if amount <= 0 {
		return total
	}
	if total >= MaxCounter-amount {
		return max(total, MaxCounter)
	}
	return total + amount
}

// ══════════════════════════════════════════════════════════════════════════════
// ID SET
// ══════════════════════════════════════════════════════════════════════════════

// IDSet - множество идентификаторов (достижений или эффектов).
// В JSON сериализуется как отсортированный массив.
type IDSet map[string]struct{}

// NewIDSet создаёт множество из списка.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has проверяет наличие идентификатора.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add добавляет идентификатор и возвращает true, если его не было.
func (s IDSet) Add(id string) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

// Sorted возвращает элементы в лексикографическом порядке.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clone возвращает независимую копию.
func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *IDSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS ENTITY
// ══════════════════════════════════════════════════════════════════════════════

// Progress - изменяемая запись прогресса одного пользователя.
// Level, CurrentLevelXP и NextLevelXP всегда выводятся из TotalXP.
type Progress struct {
	// UserID - идентификатор пользователя от провайдера идентичности.
	UserID string `json:"userId"`

	// TotalXP - накопленный XP. Только растёт.
	TotalXP int `json:"totalXP"`

	// Level - уровень в диапазоне [1, MaxLevel].
	Level int `json:"level"`

	// CurrentLevelXP - порог текущего уровня.
	CurrentLevelXP int `json:"currentLevelXP"`

	// NextLevelXP - порог следующего уровня (равен текущему на максимуме).
	NextLevelXP int `json:"nextLevelXP"`

	// Streak - текущая серия дней.
	Streak int `json:"streak"`

	// LastActiveAt - время последнего начисления XP или перехода серии.
	LastActiveAt time.Time `json:"lastActiveAt"`

	// LastStreakAt - время последнего перехода серии (отсчёт окна 24/48 часов).
	LastStreakAt time.Time `json:"lastStreakAt"`

	UnlockedAchievements IDSet `json:"unlockedAchievements"`
	UnlockedEffects      IDSet `json:"unlockedEffects"`

	ActiveAvatarEffect  string `json:"activeAvatarEffect"`
	ActiveProfileEffect string `json:"activeProfileEffect"`

	Stats Stats `json:"stats"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New создаёт нулевую запись прогресса первого уровня.
func New(userID string, now time.Time) *Progress {
	p := &Progress{
		UserID:               userID,
		UnlockedAchievements: NewIDSet(),
		UnlockedEffects:      NewIDSet(EffectNone),
		ActiveAvatarEffect:   EffectNone,
		ActiveProfileEffect:  EffectNone,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	p.RecomputeLevel()
	return p
}

// RecomputeLevel пересчитывает производные поля уровня из TotalXP.
func (p *Progress) RecomputeLevel() {
	p.Level = LevelFromXP(p.TotalXP)
	p.CurrentLevelXP = XPFloorForLevel(p.Level)
	p.NextLevelXP = XPCeilingForLevel(p.Level)
}

// LevelProgressPercent возвращает прогресс внутри текущего уровня.
func (p *Progress) LevelProgressPercent() float64 {
	return LevelProgressPercent(p.TotalXP, p.Level)
}

// XPChange описывает результат начисления XP.
type XPChange struct {
	OldXP    int
	NewXP    int
	OldLevel int
	NewLevel int
}

// LeveledUp возвращает true, если уровень вырос.
func (c XPChange) LeveledUp() bool {
	return c.NewLevel > c.OldLevel
}

// AddXP увеличивает TotalXP и пересчитывает уровень из нового значения.
// Вызывающий код отвечает за проверку amount > 0. Сумма насыщается на MaxCounter.
func (p *Progress) AddXP(amount int, at time.Time) XPChange {
	change := XPChange{OldXP: p.TotalXP, OldLevel: p.Level}
	p.TotalXP = SaturatingAdd(p.TotalXP, amount)
	p.RecomputeLevel()
	p.LastActiveAt = at
	p.UpdatedAt = at
	change.NewXP = p.TotalXP
	change.NewLevel = p.Level
	return change
}

// ensureSets восстанавливает инварианты множеств после загрузки.
func (p *Progress) ensureSets() {
	if p.UnlockedAchievements == nil {
		p.UnlockedAchievements = NewIDSet()
	}
	if p.UnlockedEffects == nil {
		p.UnlockedEffects = NewIDSet()
	}
	p.UnlockedEffects.Add(EffectNone)
	if p.ActiveAvatarEffect == "" {
		p.ActiveAvatarEffect = EffectNone
	}
	if p.ActiveProfileEffect == "" {
		p.ActiveProfileEffect = EffectNone
	}
}

// Normalize приводит загруженную из хранилища запись к инвариантам сущности.
func (p *Progress) Normalize() {
	p.ensureSets()
	p.RecomputeLevel()
}

// CheckIntegrity проверяет, что активные эффекты разблокированы.
func (p *Progress) CheckIntegrity() error {
	for _, effect := range []string{p.ActiveAvatarEffect, p.ActiveProfileEffect} {
		if effect != EffectNone && !p.UnlockedEffects.Has(effect) {
			return shared.ErrInconsistentCosmeticState
		}
	}
	return nil
}

// Clone возвращает глубокую копию записи.
func (p *Progress) Clone() *Progress {
	c := *p
	c.UnlockedAchievements = p.UnlockedAchievements.Clone()
	c.UnlockedEffects = p.UnlockedEffects.Clone()
	return &c
}

// ApplyUnlockRule добавляет в UnlockedEffects эффекты, найденные правилом,
// и возвращает только новые.
func (p *Progress) ApplyUnlockRule(rule UnlockRule) []string {
	if rule == nil {
		return nil
	}
	var added []string
	for _, id := range rule(p) {
		if p.UnlockedEffects.Add(id) {
			added = append(added, id)
		}
	}
	return added
}

// AdoptMutable копирует поля, которые разрешено менять через MutateFunc:
// серию, отметки времени и активные эффекты.
func (p *Progress) AdoptMutable(from *Progress) {
	p.Streak = from.Streak
	p.LastStreakAt = from.LastStreakAt
	p.LastActiveAt = from.LastActiveAt
	p.ActiveAvatarEffect = from.ActiveAvatarEffect
	p.ActiveProfileEffect = from.ActiveProfileEffect
	p.UpdatedAt = from.UpdatedAt
}
