// Package query contains read operations following CQRS pattern.
// Queries never modify state - they only read and return data.
package query

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/alem-hub/progression/internal/domain/leaderboard"
	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/domain/shared"
	"github.com/alem-hub/progression/pkg/logger"
	"github.com/alem-hub/progression/pkg/timeutil"
)

const (
	// DefaultLeaderboardLimit - размер рейтинга по умолчанию.
	DefaultLeaderboardLimit = 20

	// MaxLeaderboardLimit - максимальный размер рейтинга.
	MaxLeaderboardLimit = 100

	// overFetchFactor компенсирует кандидатов, отсеянных по роли после join.
	overFetchFactor = 3

	// defaultJoinParallelism - число параллельных запросов к провайдеру идентичности.
	defaultJoinParallelism = 8
)

// ══════════════════════════════════════════════════════════════════════════════
// GET LEADERBOARD QUERY
// Топ-N студентов по XP. Кандидаты берутся из хранилища прогресса с запасом,
// затем к ним присоединяются имя, фото и роль от провайдера идентичности.
// ══════════════════════════════════════════════════════════════════════════════

// GetLeaderboardQuery содержит параметры запроса лидерборда.
type GetLeaderboardQuery struct {
	// Limit - количество записей (по умолчанию 20, максимум 100).
	Limit int
}

// Validate проверяет корректность параметров и подставляет значения по умолчанию.
func (q *GetLeaderboardQuery) Validate() error {
	if q.Limit < 0 {
		return shared.ErrInvalidLimit
	}
	if q.Limit == 0 {
		q.Limit = DefaultLeaderboardLimit
	}
	if q.Limit > MaxLeaderboardLimit {
		q.Limit = MaxLeaderboardLimit
	}
	return nil
}

// GetLeaderboardResult содержит результат запроса лидерборда.
type GetLeaderboardResult struct {
	// Entries - записи с плотными рангами 1..K.
	Entries []leaderboard.Entry `json:"entries"`

	// Limit - применённый лимит.
	Limit int `json:"limit"`

	// GeneratedAt - время генерации результата.
	GeneratedAt time.Time `json:"generatedAt"`
}

// TopReader - часть хранилища прогресса, нужная рейтингу.
type TopReader interface {
	TopByXP(ctx context.Context, limit int) ([]*progress.Progress, error)
}

// GetLeaderboardHandler обрабатывает запросы на получение лидерборда.
type GetLeaderboardHandler struct {
	store       TopReader
	identities  leaderboard.IdentityProvider
	log         *logger.Logger
	clock       timeutil.Clock
	parallelism int64
}

// LeaderboardOption настраивает обработчик.
type LeaderboardOption func(*GetLeaderboardHandler)

// WithLeaderboardLogger задаёт логгер.
func WithLeaderboardLogger(l *logger.Logger) LeaderboardOption {
	return func(h *GetLeaderboardHandler) { h.log = l }
}

// WithLeaderboardClock задаёт часы.
func WithLeaderboardClock(c timeutil.Clock) LeaderboardOption {
	return func(h *GetLeaderboardHandler) { h.clock = c }
}

// WithJoinParallelism ограничивает число параллельных запросов идентичности.
func WithJoinParallelism(n int) LeaderboardOption {
	return func(h *GetLeaderboardHandler) {
		if n > 0 {
			h.parallelism = int64(n)
		}
	}
}

// NewGetLeaderboardHandler создаёт новый обработчик запроса лидерборда.
func NewGetLeaderboardHandler(store TopReader, identities leaderboard.IdentityProvider, opts ...LeaderboardOption) *GetLeaderboardHandler {
	h := &GetLeaderboardHandler{
		store:       store,
		identities:  identities,
		log:         logger.Nop(),
		clock:       timeutil.SystemClock{},
		parallelism: defaultJoinParallelism,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(logger.Component("leaderboard"))
	return h
}

// Handle выполняет запрос. Ошибка возвращается только для некорректного запроса:
// сбой хранилища или провайдера идентичности даёт пустой рейтинг.
func (h *GetLeaderboardHandler) Handle(ctx context.Context, query GetLeaderboardQuery) (*GetLeaderboardResult, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	result := &GetLeaderboardResult{
		Entries:     []leaderboard.Entry{},
		Limit:       query.Limit,
		GeneratedAt: h.clock.Now(),
	}
	log := logger.FromContext(ctx, h.log)

	candidates, err := h.store.TopByXP(ctx, query.Limit*overFetchFactor)
	if err != nil {
		log.Error("leaderboard fetch failed", logger.Err(err))
		return result, nil
	}
	if len(candidates) == 0 {
		return result, nil
	}

	identities, err := h.join(ctx, candidates)
	if err != nil {
		log.Error("leaderboard identity join failed", logger.Err(err), logger.Int("candidates", len(candidates)))
		return result, nil
	}

	result.Entries = leaderboard.Build(candidates, identities, query.Limit)
	return result, nil
}

// join загружает идентичности кандидатов. Неизвестные пользователи пропускаются.
func (h *GetLeaderboardHandler) join(ctx context.Context, candidates []*progress.Progress) (map[string]leaderboard.Identity, error) {
	ids := make([]string, len(candidates))
	for i, p := range candidates {
		ids[i] = p.UserID
	}

	if batch, ok := h.identities.(leaderboard.BatchIdentityProvider); ok {
		return batch.GetIdentities(ctx, ids)
	}

	var (
		mu  sync.Mutex
		out = make(map[string]leaderboard.Identity, len(ids))
		sem = semaphore.NewWeighted(h.parallelism)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			identity, err := h.identities.GetIdentity(gctx, id)
			if shared.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}

			mu.Lock()
			out[id] = identity
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
