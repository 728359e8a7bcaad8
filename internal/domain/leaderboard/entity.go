// Package leaderboard содержит доменную модель публичного рейтинга по XP.
// Рейтинг вычисляется по запросу и никогда не сохраняется.
package leaderboard

import (
	"fmt"

	"github.com/alem-hub/progression/internal/domain/progress"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// Rank представляет позицию в рейтинге. Начинается с 1.
type Rank int

// IsValid проверяет, что ранг положительный.
func (r Rank) IsValid() bool {
	return r > 0
}

// String возвращает строковое представление ранга.
func (r Rank) String() string {
	return fmt.Sprintf("#%d", r)
}

// Role - роль пользователя у провайдера идентичности.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
	RoleOwner   Role = "owner"
)

// IsRanked возвращает true только для обычных студентов.
// Преподаватели, администраторы и владельцы в рейтинг не попадают.
func (r Role) IsRanked() bool {
	return r == RoleStudent
}

// Identity - отображаемые данные пользователя. Только для чтения.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
	Role        Role   `json:"role"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ENTRY
// ══════════════════════════════════════════════════════════════════════════════

// Entry - строка рейтинга.
type Entry struct {
	UserID             string `json:"userId"`
	DisplayName        string `json:"displayName"`
	TotalXP            int    `json:"totalXP"`
	Level              int    `json:"level"`
	Streak             int    `json:"streak"`
	ActiveAvatarEffect string `json:"activeAvatarEffect"`
	PhotoURL           string `json:"photoURL,omitempty"`
	Rank               Rank   `json:"rank"`
}

// NewEntry собирает строку рейтинга из прогресса и идентичности.
func NewEntry(p *progress.Progress, id Identity, rank Rank) Entry {
	return Entry{
		UserID:             p.UserID,
		DisplayName:        id.DisplayName,
		TotalXP:            p.TotalXP,
		Level:              p.Level,
		Streak:             p.Streak,
		ActiveAvatarEffect: p.ActiveAvatarEffect,
		PhotoURL:           id.PhotoURL,
		Rank:               rank,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// RANKING
// ══════════════════════════════════════════════════════════════════════════════

// Build отбирает кандидатов со студенческой ролью, обрезает до limit и
// присваивает плотные ранги 1..K в порядке кандидатов.
// Кандидаты без идентичности исключаются.
func Build(candidates []*progress.Progress, identities map[string]Identity, limit int) []Entry {
	if limit <= 0 {
		return []Entry{}
	}

	entries := make([]Entry, 0, min(limit, len(candidates)))
	for _, p := range candidates {
		if len(entries) == limit {
			break
		}
		id, ok := identities[p.UserID]
		if !ok || !id.Role.IsRanked() {
			continue
		}
		entries = append(entries, NewEntry(p, id, Rank(len(entries)+1)))
	}
	return entries
}
