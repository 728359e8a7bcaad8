package progress

import (
	"context"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Контракт хранилища прогресса. Все операции атомарны в пределах одного
// пользователя. Реализации находятся в infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// UnlockRule вычисляет эффекты для разблокировки на снимке после изменения.
// Хранилище вызывает правило внутри той же транзакции, что и изменение.
type UnlockRule func(p *Progress) []string

// MutateFunc изменяет запись под блокировкой и сообщает, нужно ли её сохранять.
type MutateFunc func(p *Progress) (changed bool, err error)

// XPGrant - начисление XP вместе с записью журнала.
type XPGrant struct {
	ActivityID string
	UserID     string
	Amount     int
	Type       ActivityType
	Details    map[string]any
	At         time.Time

	// AchievementID, если задан, атомарно добавляется в множество достижений.
	// Если достижение уже было разблокировано, начисление не выполняется.
	AchievementID string

	// Prepare, если задан, выполняется под блокировкой записи до начисления.
	// Изменения серии, времени активности и активных эффектов сохраняются
	// всегда; начисление выполняется, только если Prepare вернул true.
	Prepare MutateFunc
}

// Activity возвращает запись журнала для начисления.
func (g XPGrant) Activity() Activity {
	return Activity{
		ID:        g.ActivityID,
		UserID:    g.UserID,
		Type:      g.Type,
		XPGained:  g.Amount,
		Details:   g.Details,
		CreatedAt: g.At,
	}
}

// Update - результат атомарного изменения.
type Update struct {
	// Applied - false, если начисление отменено: достижение уже было
	// разблокировано или Prepare вернул false.
	Applied bool

	// Change - изменение XP и уровня (нулевое для обновления счётчиков).
	Change XPChange

	// Progress - состояние записи после изменения.
	Progress *Progress

	// UnlockedEffects - эффекты, разблокированные в этой транзакции.
	UnlockedEffects []string
}

// Repository определяет операции над прогрессом и журналом активностей.
type Repository interface {
	// ─────────────────────────────────────────────────────────────────────────
	// Reads
	// ─────────────────────────────────────────────────────────────────────────

	// Load возвращает прогресс пользователя.
	// Возвращает ErrUserNotFound, если записи нет.
	Load(ctx context.Context, userID string) (*Progress, error)

	// LoadOrInit возвращает прогресс, создавая нулевую запись при первом обращении.
	LoadOrInit(ctx context.Context, userID string, now time.Time) (*Progress, error)

	// LoadMany возвращает записи в порядке входного списка, пропуская отсутствующие.
	LoadMany(ctx context.Context, userIDs []string) ([]*Progress, error)

	// TopByXP возвращает до limit записей с TotalXP > 0 по убыванию XP.
	// При равенстве XP порядок определяется UserID по возрастанию.
	TopByXP(ctx context.Context, limit int) ([]*Progress, error)

	// RecentActivities возвращает последние записи журнала, новые первыми.
	RecentActivities(ctx context.Context, userID string, limit int) ([]Activity, error)

	// ─────────────────────────────────────────────────────────────────────────
	// Atomic mutations
	// ─────────────────────────────────────────────────────────────────────────

	// AddXP в одной транзакции: выполняет Prepare, добавляет достижение, атомарно
	// увеличивает TotalXP, пересчитывает уровень из нового значения, обновляет
	// LastActiveAt, пишет запись журнала и разблокирует эффекты по rule.
	AddXP(ctx context.Context, grant XPGrant, rule UnlockRule) (Update, error)

	// AddStats атомарно увеличивает счётчики и разблокирует эффекты по rule.
	AddStats(ctx context.Context, userID string, delta StatsDelta, at time.Time, rule UnlockRule) (Update, error)

	// Mutate выполняет чтение-изменение-запись под блокировкой записи.
	// Сохраняются только серия, LastStreakAt, LastActiveAt и активные эффекты.
	Mutate(ctx context.Context, userID string, now time.Time, fn MutateFunc) (*Progress, error)
}

// Lister перечисляет все записи. Используется для перестроения индексов.
type Lister interface {
	// ForEach вызывает fn для каждой записи с TotalXP > 0.
	ForEach(ctx context.Context, fn func(p *Progress) error) error
}
