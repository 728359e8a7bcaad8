package progress

// ══════════════════════════════════════════════════════════════════════════════
// LEVEL TABLE
// ══════════════════════════════════════════════════════════════════════════════

// MaxLevel - максимальный уровень, после которого прогресс не растёт.
const MaxLevel = 25

// levelThresholds[i] - накопленный XP, необходимый для уровня i+1.
// Таблица неубывающая, первый элемент всегда 0.
var levelThresholds = [MaxLevel]int{
	0, 100, 250, 450, 700,
	1000, 1400, 1900, 2500, 3200,
	4000, 5000, 6200, 7600, 9200,
	11000, 13000, 15500, 18500, 22000,
	26000, 30500, 35500, 41000, 47000,
}

// LevelThresholds возвращает копию таблицы порогов.
func LevelThresholds() []int {
	out := make([]int, MaxLevel)
	copy(out, levelThresholds[:])
	return out
}

// LevelFromXP возвращает наибольший уровень, порог которого не превышает totalXP.
// Отрицательный XP трактуется как 0.
func LevelFromXP(totalXP int) int {
	if totalXP < 0 {
		totalXP = 0
	}
	level := 1
	for i := 1; i < MaxLevel; i++ {
		if levelThresholds[i] > totalXP {
			break
		}
		level = i + 1
	}
	return level
}

// XPFloorForLevel возвращает порог, с которого начинается уровень.
func XPFloorForLevel(level int) int {
	return levelThresholds[clampLevel(level)-1]
}

// XPCeilingForLevel возвращает порог следующего уровня.
// На максимальном уровне потолок совпадает с полом.
func XPCeilingForLevel(level int) int {
	level = clampLevel(level)
	if level == MaxLevel {
		return levelThresholds[MaxLevel-1]
	}
	return levelThresholds[level]
}

// LevelProgressPercent возвращает прогресс внутри уровня в диапазоне [0, 100].
func LevelProgressPercent(totalXP, level int) float64 {
	floor := XPFloorForLevel(level)
	ceiling := XPCeilingForLevel(level)
	if ceiling <= floor {
		return 100
	}

	pct := float64(totalXP-floor) / float64(ceiling-floor) * 100
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	default:
		return pct
	}
}

func clampLevel(level int) int {
	if level < 1 {
		return 1
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}
