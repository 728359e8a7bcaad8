package redis

import (
	"context"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/pkg/circuitbreaker"
	"github.com/alem-hub/progression/pkg/logger"
)

// reindexBatch is the number of members sent per ZADD during a rebuild.
const reindexBatch = 500

// ══════════════════════════════════════════════════════════════════════════════
// INDEXED REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// IndexedRepository decorates a progress.Repository with a Redis sorted set
// of user id -> total XP.
//
// The primary store stays the source of truth. The index only picks the
// candidate ids for TopByXP; records are then loaded from the primary store
// and re-sorted, so a lagging score can change membership but never the
// values returned. Until the first successful Reindex, and after any failed
// index write, reads go straight to the primary store.
type IndexedRepository struct {
	progress.Repository

	lister  progress.Lister
	rdb     redis.Cmdable
	key     string
	breaker *circuitbreaker.Breaker
	log     *logger.Logger

	ready atomic.Bool

	// writeFailures counts failed raises. Reindex compares it before and after
	// the rebuild so a lost write keeps the index cold.
	writeFailures atomic.Uint64
}

var (
	_ progress.Repository = (*IndexedRepository)(nil)
	_ progress.Lister     = (*IndexedRepository)(nil)
)

// IndexOption configures an IndexedRepository.
type IndexOption func(*IndexedRepository)

// WithIndexKey overrides the sorted set key.
func WithIndexKey(key string) IndexOption {
	return func(r *IndexedRepository) {
		if key != "" {
			r.key = key
		}
	}
}

// WithIndexLogger sets the logger.
func WithIndexLogger(l *logger.Logger) IndexOption {
	return func(r *IndexedRepository) {
		if l != nil {
			r.log = l
		}
	}
}

// WithIndexBreaker replaces the default circuit breaker.
func WithIndexBreaker(cb *circuitbreaker.Breaker) IndexOption {
	return func(r *IndexedRepository) {
		if cb != nil {
			r.breaker = cb
		}
	}
}

// NewIndexedRepository wraps inner. Reindex needs inner to implement progress.Lister.
func NewIndexedRepository(inner progress.Repository, rdb redis.Cmdable, opts ...IndexOption) *IndexedRepository {
	r := &IndexedRepository{
		Repository: inner,
		rdb:        rdb,
		key:        DefaultConfig().XPKey(),
		log:        logger.Nop(),
	}
	if l, ok := inner.(progress.Lister); ok {
		r.lister = l
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(logger.Component("xp_index"))
	if r.breaker == nil {
		r.breaker = circuitbreaker.IndexBreaker(func(name string, from, to circuitbreaker.State) {
			r.log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		})
	}
	return r
}

// Ready reports whether TopByXP is currently served from the index.
func (r *IndexedRepository) Ready() bool {
	return r.ready.Load()
}

// AddXP applies the grant to the primary store and then raises the user's score.
func (r *IndexedRepository) AddXP(ctx context.Context, grant progress.XPGrant, rule progress.UnlockRule) (progress.Update, error) {
	upd, err := r.Repository.AddXP(ctx, grant, rule)
	if err != nil || !upd.Applied || upd.Change.NewXP == upd.Change.OldXP {
		return upd, err
	}
	r.raise(ctx, upd.Progress.UserID, upd.Progress.TotalXP)
	return upd, nil
}

// raise uses ZADD GT: XP only grows, so out-of-order writes cannot lower a score.
func (r *IndexedRepository) raise(ctx context.Context, userID string, totalXP int) {
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.rdb.ZAddGT(ctx, r.key, redis.Z{Score: float64(totalXP), Member: userID}).Err()
	})
	if err != nil {
		r.writeFailures.Add(1)
		if r.ready.Swap(false) {
			r.log.Warn("xp index write failed, serving reads from primary store until reindex",
				logger.UserID(userID),
				logger.Err(err),
			)
		}
	}
}

// TopByXP picks candidates from the index and loads them from the primary store.
func (r *IndexedRepository) TopByXP(ctx context.Context, limit int) ([]*progress.Progress, error) {
	if limit <= 0 {
		return []*progress.Progress{}, nil
	}
	if !r.ready.Load() {
		return r.Repository.TopByXP(ctx, limit)
	}

	ids, err := r.candidates(ctx, limit)
	if err != nil {
		r.log.Warn("xp index read failed, falling back to primary store", logger.Err(err))
		return r.Repository.TopByXP(ctx, limit)
	}
	if len(ids) == 0 {
		return []*progress.Progress{}, nil
	}

	records, err := r.Repository.LoadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	return rankByXP(records, limit), nil
}

// candidates returns the top limit members plus every member tied with the last one.
func (r *IndexedRepository) candidates(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		top, err := r.rdb.ZRevRangeWithScores(ctx, r.key, 0, int64(limit-1)).Result()
		if err != nil {
			return err
		}

		ids = make([]string, 0, len(top))
		seen := make(map[string]struct{}, len(top))
		for _, z := range top {
			if id, ok := z.Member.(string); ok {
				ids = append(ids, id)
				seen[id] = struct{}{}
			}
		}
		if len(top) < limit {
			return nil
		}

		edge := strconv.FormatFloat(top[len(top)-1].Score, 'f', -1, 64)
		tied, err := r.rdb.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{Min: edge, Max: edge}).Result()
		if err != nil {
			return err
		}
		for _, id := range tied {
			if _, ok := seen[id]; !ok {
				ids = append(ids, id)
			}
		}
		return nil
	})
	return ids, err
}

// rankByXP drops zero-XP records and orders by XP desc, user id asc.
func rankByXP(records []*progress.Progress, limit int) []*progress.Progress {
	out := make([]*progress.Progress, 0, len(records))
	for _, p := range records {
		if p.TotalXP > 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalXP != out[j].TotalXP {
			return out[i].TotalXP > out[j].TotalXP
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// REBUILD
// ══════════════════════════════════════════════════════════════════════════════

// ForEach delegates to the primary store.
func (r *IndexedRepository) ForEach(ctx context.Context, fn func(p *progress.Progress) error) error {
	if r.lister == nil {
		return ErrNoLister
	}
	return r.lister.ForEach(ctx, fn)
}

// Reindex rebuilds the sorted set from the primary store into a scratch key
// and merges it into the live key with ZUNIONSTORE ... AGGREGATE MAX. Raises
// that land on the live key during the scan survive the merge, since XP only
// grows. Members are never removed. Returns the number of indexed users.
func (r *IndexedRepository) Reindex(ctx context.Context) (int, error) {
	if r.lister == nil {
		return 0, ErrNoLister
	}
	failuresBefore := r.writeFailures.Load()

	scratch := r.key + ":rebuild"
	if err := r.rdb.Del(ctx, scratch).Err(); err != nil {
		return 0, err
	}

	count := 0
	batch := make([]redis.Z, 0, reindexBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.rdb.ZAdd(ctx, scratch, batch...).Err()
		batch = batch[:0]
		return err
	}

	err := r.lister.ForEach(ctx, func(p *progress.Progress) error {
		batch = append(batch, redis.Z{Score: float64(p.TotalXP), Member: p.UserID})
		count++
		if len(batch) >= reindexBatch {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		_ = r.rdb.Del(ctx, scratch).Err()
		return 0, err
	}

	if count > 0 {
		err = r.rdb.ZUnionStore(ctx, r.key, &redis.ZStore{
			Keys:      []string{r.key, scratch},
			Aggregate: "MAX",
		}).Err()
		if err != nil {
			_ = r.rdb.Del(ctx, scratch).Err()
			return 0, err
		}
		if err := r.rdb.Del(ctx, scratch).Err(); err != nil {
			r.log.Warn("xp index scratch key not removed", logger.String("key", scratch), logger.Err(err))
		}
	}

	if r.writeFailures.Load() != failuresBefore {
		r.log.Warn("xp index write failed during rebuild, staying on primary store",
			logger.Int("users", count),
		)
		return count, nil
	}

	r.breaker.Reset()
	r.ready.Store(true)
	r.log.Info("xp index rebuilt", logger.Int("users", count))
	return count, nil
}

// Ping checks the Redis connection.
func (r *IndexedRepository) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
