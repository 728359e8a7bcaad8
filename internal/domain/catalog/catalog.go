// Package catalog содержит неизменяемый каталог достижений, значков и правил
// разблокировки косметических эффектов. Каталог загружается один раз при старте.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/domain/shared"
)

//go:embed catalog.yaml
var defaultDocument []byte

// ══════════════════════════════════════════════════════════════════════════════
// TYPES
// ══════════════════════════════════════════════════════════════════════════════

// Rarity - редкость значка.
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// IsValid проверяет редкость.
func (r Rarity) IsValid() bool {
	switch r {
	case RarityCommon, RarityRare, RarityEpic, RarityLegendary:
		return true
	}
	return false
}

// Badge - значок, выдаваемый вместе с достижением.
type Badge struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"displayName"`
	Description string `yaml:"description" json:"description"`
	Icon        string `yaml:"icon" json:"icon"`
	Rarity      Rarity `yaml:"rarity" json:"rarity"`
}

// Achievement - одноразово разблокируемая цель.
type Achievement struct {
	ID          string    `json:"id"`
	Name        string    `json:"displayName"`
	Description string    `json:"description"`
	XPReward    int       `json:"xpReward"`
	Badge       Badge     `json:"badge"`
	Criterion   Criterion `json:"criterion"`
}

// Slot - место, куда надевается косметический эффект.
type Slot string

const (
	SlotAvatar  Slot = "avatar"
	SlotProfile Slot = "profile"
)

// CosmeticRule - правило разблокировки косметического эффекта.
type CosmeticRule struct {
	EffectID  string    `yaml:"effectId" json:"effectId"`
	Name      string    `yaml:"name" json:"displayName"`
	Slot      Slot      `yaml:"slot" json:"slot"`
	Criterion Criterion `yaml:"criterion" json:"criterion"`
}

// document - формат YAML-файла каталога.
type document struct {
	Badges       []Badge `yaml:"badges"`
	Achievements []struct {
		ID          string    `yaml:"id"`
		Name        string    `yaml:"name"`
		Description string    `yaml:"description"`
		XPReward    int       `yaml:"xpReward"`
		Badge       string    `yaml:"badge"`
		Criterion   Criterion `yaml:"criterion"`
	} `yaml:"achievements"`
	Cosmetics []CosmeticRule `yaml:"cosmetics"`
}

// Catalog - неизменяемый реестр. Безопасен для конкурентного чтения.
type Catalog struct {
	achievements []Achievement
	achIndex     map[string]int
	badges       []Badge
	cosmetics    []CosmeticRule
	cosIndex     map[string]int
}

// ══════════════════════════════════════════════════════════════════════════════
// LOADING
// ══════════════════════════════════════════════════════════════════════════════

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default возвращает встроенный каталог. Встроенный документ обязан быть валидным.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(defaultDocument)
		if err != nil {
			panic(fmt.Sprintf("catalog: embedded document is invalid: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Parse разбирает и проверяет YAML-документ каталога.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, shared.WrapError("catalog", "Parse", shared.ErrValidation, "invalid catalog", err)
	}

	badges := make(map[string]Badge, len(doc.Badges))
	for _, b := range doc.Badges {
		if _, dup := badges[b.ID]; dup {
			return nil, invalid("duplicate badge id %q", b.ID)
		}
		badges[b.ID] = b
	}

	c := &Catalog{
		achIndex: make(map[string]int, len(doc.Achievements)),
		badges:   doc.Badges,
		cosIndex: make(map[string]int, len(doc.Cosmetics)),
	}
	for _, a := range doc.Achievements {
		badge, ok := badges[a.Badge]
		if !ok {
			return nil, invalid("achievement %q references unknown badge %q", a.ID, a.Badge)
		}
		c.achIndex[a.ID] = len(c.achievements)
		c.achievements = append(c.achievements, Achievement{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description,
			XPReward:    a.XPReward,
			Badge:       badge,
			Criterion:   a.Criterion,
		})
	}
	for _, r := range doc.Cosmetics {
		c.cosIndex[r.EffectID] = len(c.cosmetics)
		c.cosmetics = append(c.cosmetics, r)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate проверяет инварианты каталога.
func (c *Catalog) Validate() error {
	if len(c.achievements) == 0 {
		return invalid("catalog has no achievements")
	}

	seen := make(map[string]struct{}, len(c.achievements))
	for _, a := range c.achievements {
		if strings.TrimSpace(a.ID) == "" {
			return invalid("achievement with empty id")
		}
		if _, dup := seen[a.ID]; dup {
			return invalid("duplicate achievement id %q", a.ID)
		}
		seen[a.ID] = struct{}{}

		if a.XPReward < 0 {
			return invalid("achievement %q has negative xp reward", a.ID)
		}
		if a.XPReward > progress.MaxXPAward {
			return invalid("achievement %q xp reward exceeds %d", a.ID, progress.MaxXPAward)
		}
		if !a.Badge.Rarity.IsValid() {
			return invalid("badge %q has unknown rarity %q", a.Badge.ID, a.Badge.Rarity)
		}
		if err := a.Criterion.validate(); err != nil {
			return invalid("achievement %q: %v", a.ID, err)
		}
		// Достижение не учитывает само себя, поэтому максимум - размер каталога минус один.
		if a.Criterion.Kind == KindAchievementCount && a.Criterion.Threshold > len(c.achievements)-1 {
			return invalid("achievement %q requires %d achievements, catalog allows at most %d",
				a.ID, a.Criterion.Threshold, len(c.achievements)-1)
		}
	}

	effects := make(map[string]struct{}, len(c.cosmetics))
	for _, r := range c.cosmetics {
		if strings.TrimSpace(r.EffectID) == "" || r.EffectID == progress.EffectNone {
			return invalid("cosmetic rule with reserved or empty effect id %q", r.EffectID)
		}
		if _, dup := effects[r.EffectID]; dup {
			return invalid("duplicate effect id %q", r.EffectID)
		}
		effects[r.EffectID] = struct{}{}

		if r.Slot != SlotAvatar && r.Slot != SlotProfile {
			return invalid("effect %q has unknown slot %q", r.EffectID, r.Slot)
		}
		if r.Criterion.Kind == KindAchievementCount {
			return invalid("effect %q cannot depend on achievement count", r.EffectID)
		}
		if err := r.Criterion.validate(); err != nil {
			return invalid("effect %q: %v", r.EffectID, err)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return shared.WrapError("catalog", "Validate", shared.ErrValidation, "invalid catalog", fmt.Errorf(format, args...))
}

// ══════════════════════════════════════════════════════════════════════════════
// LOOKUPS
// ══════════════════════════════════════════════════════════════════════════════

// Size возвращает количество достижений.
func (c *Catalog) Size() int { return len(c.achievements) }

// Achievements возвращает копию списка достижений в порядке каталога.
func (c *Catalog) Achievements() []Achievement {
	out := make([]Achievement, len(c.achievements))
	copy(out, c.achievements)
	return out
}

// Achievement возвращает достижение по ID.
func (c *Catalog) Achievement(id string) (Achievement, bool) {
	i, ok := c.achIndex[id]
	if !ok {
		return Achievement{}, false
	}
	return c.achievements[i], true
}

// Badges возвращает копию списка значков.
func (c *Catalog) Badges() []Badge {
	out := make([]Badge, len(c.badges))
	copy(out, c.badges)
	return out
}

// Cosmetics возвращает копию правил разблокировки эффектов.
func (c *Catalog) Cosmetics() []CosmeticRule {
	out := make([]CosmeticRule, len(c.cosmetics))
	copy(out, c.cosmetics)
	return out
}

// Effect возвращает правило эффекта по ID.
func (c *Catalog) Effect(id string) (CosmeticRule, bool) {
	i, ok := c.cosIndex[id]
	if !ok {
		return CosmeticRule{}, false
	}
	return c.cosmetics[i], true
}
