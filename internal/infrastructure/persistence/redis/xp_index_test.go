package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progression/pkg/circuitbreaker"
)

var at = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// unreachable returns a client pointed at a closed port.
func unreachable(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func seed(t *testing.T, repo progress.Repository, xp map[string]int) {
	t.Helper()
	i := 0
	for user, amount := range xp {
		i++
		_, err := repo.AddXP(context.Background(), progress.XPGrant{
			ActivityID: fmt.Sprintf("a%d", i),
			UserID:     user,
			Amount:     amount,
			Type:       progress.ActivityManual,
			At:         at,
		}, nil)
		require.NoError(t, err)
	}
}

func TestIndexedRepository_ServesPrimaryUntilReindexed(t *testing.T) {
	inner := memory.NewProgressRepository()
	repo := NewIndexedRepository(inner, unreachable(t))
	seed(t, repo, map[string]int{"alice": 300, "bob": 500})

	assert.False(t, repo.Ready())
	top, err := repo.TopByXP(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "bob", top[0].UserID)
}

func TestIndexedRepository_WriteFailureKeepsPrimaryResult(t *testing.T) {
	inner := memory.NewProgressRepository()
	repo := NewIndexedRepository(inner, unreachable(t))
	repo.ready.Store(true)

	upd, err := repo.AddXP(context.Background(), progress.XPGrant{
		ActivityID: "a1", UserID: "alice", Amount: 120, Type: progress.ActivityManual, At: at,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 120, upd.Progress.TotalXP)
	assert.False(t, repo.Ready())
}

func TestIndexedRepository_ReadFailureFallsBack(t *testing.T) {
	inner := memory.NewProgressRepository()
	seed(t, inner, map[string]int{"alice": 300, "carol": 300, "bob": 50})
	repo := NewIndexedRepository(inner, unreachable(t))
	repo.ready.Store(true)

	top, err := repo.TopByXP(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "alice", top[0].UserID)
	assert.Equal(t, "carol", top[1].UserID)
}

func TestIndexedRepository_BreakerOpensOnRepeatedFailures(t *testing.T) {
	inner := memory.NewProgressRepository()
	seed(t, inner, map[string]int{"alice": 10})
	cb := circuitbreaker.New("test", circuitbreaker.WithFailureThreshold(2), circuitbreaker.WithCooldown(time.Hour))
	repo := NewIndexedRepository(inner, unreachable(t), WithIndexBreaker(cb))
	repo.ready.Store(true)

	for i := 0; i < 3; i++ {
		top, err := repo.TopByXP(context.Background(), 5)
		require.NoError(t, err)
		assert.Len(t, top, 1)
	}
	assert.Equal(t, circuitbreaker.StateOpen, cb.State())
}

func TestIndexedRepository_ReindexFailsWithoutRedis(t *testing.T) {
	repo := NewIndexedRepository(memory.NewProgressRepository(), unreachable(t))
	_, err := repo.Reindex(context.Background())
	assert.Error(t, err)
	assert.False(t, repo.Ready())
}

type repoOnly struct{ progress.Repository }

func TestIndexedRepository_ReindexNeedsLister(t *testing.T) {
	repo := NewIndexedRepository(repoOnly{memory.NewProgressRepository()}, unreachable(t))
	_, err := repo.Reindex(context.Background())
	assert.ErrorIs(t, err, ErrNoLister)
	assert.ErrorIs(t, repo.ForEach(context.Background(), func(*progress.Progress) error { return nil }), ErrNoLister)
}

// scanStore runs afterScan once the primary store has been fully scanned,
// before Reindex merges the scratch set.
type scanStore struct {
	*memory.ProgressRepository
	afterScan func()
}

func (s *scanStore) ForEach(ctx context.Context, fn func(p *progress.Progress) error) error {
	if err := s.ProgressRepository.ForEach(ctx, fn); err != nil {
		return err
	}
	if hook := s.afterScan; hook != nil {
		s.afterScan = nil
		hook()
	}
	return nil
}

func award(t *testing.T, repo progress.Repository, id, user string, amount int) {
	t.Helper()
	_, err := repo.AddXP(context.Background(), progress.XPGrant{
		ActivityID: id,
		UserID:     user,
		Amount:     amount,
		Type:       progress.ActivityManual,
		At:         at,
	}, nil)
	require.NoError(t, err)
}

func TestIndexedRepository_ReindexKeepsConcurrentRaises(t *testing.T) {
	ctx := context.Background()
	store := &scanStore{ProgressRepository: memory.NewProgressRepository()}
	rdb := newZSetClient()
	repo := NewIndexedRepository(store, rdb)

	award(t, repo, "a1", "steady", 300)
	award(t, repo, "a2", "riser", 100)
	store.afterScan = func() {
		award(t, repo, "a3", "late", 50)
		award(t, repo, "a4", "riser", 400)
	}

	n, err := repo.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, repo.Ready())

	for user, want := range map[string]float64{"steady": 300, "riser": 500, "late": 50} {
		got, ok := rdb.score(repo.key, user)
		require.True(t, ok, user)
		assert.Equal(t, want, got, user)
	}
	_, ok := rdb.score(repo.key+":rebuild", "steady")
	assert.False(t, ok, "scratch key removed")

	top, err := repo.TopByXP(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "riser", top[0].UserID)
	assert.Equal(t, 500, top[0].TotalXP)

	top, err = repo.TopByXP(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "late", top[2].UserID)
}

func TestIndexedRepository_ReindexRestoresLowerScores(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewProgressRepository()
	award(t, inner, "a1", "alice", 250)

	rdb := newZSetClient()
	rdb.ZAdd(ctx, DefaultConfig().XPKey(), redis.Z{Score: 40, Member: "alice"})
	repo := NewIndexedRepository(inner, rdb)

	_, err := repo.Reindex(ctx)
	require.NoError(t, err)
	got, ok := rdb.score(repo.key, "alice")
	require.True(t, ok)
	assert.Equal(t, float64(250), got)
}

func TestIndexedRepository_ReindexStaysColdAfterLostRaise(t *testing.T) {
	ctx := context.Background()
	store := &scanStore{ProgressRepository: memory.NewProgressRepository()}
	rdb := newZSetClient()
	repo := NewIndexedRepository(store, rdb, WithIndexBreaker(
		circuitbreaker.New("test", circuitbreaker.WithFailureThreshold(100)),
	))

	award(t, repo, "a1", "alice", 100)
	store.afterScan = func() {
		rdb.failRaise = true
		award(t, repo, "a2", "bob", 900)
		rdb.failRaise = false
	}

	_, err := repo.Reindex(ctx)
	require.NoError(t, err)
	assert.False(t, repo.Ready())
	_, ok := rdb.score(repo.key, "bob")
	assert.False(t, ok)

	top, err := repo.TopByXP(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "bob", top[0].UserID)

	n, err := repo.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, repo.Ready())
	got, ok := rdb.score(repo.key, "bob")
	require.True(t, ok)
	assert.Equal(t, float64(900), got)
}

func TestRankByXP(t *testing.T) {
	records := []*progress.Progress{
		{UserID: "dave", TotalXP: 0},
		{UserID: "carol", TotalXP: 200},
		{UserID: "alice", TotalXP: 500},
		{UserID: "bob", TotalXP: 200},
	}
	ranked := rankByXP(records, 2)
	require.Len(t, ranked, 2)
	assert.Equal(t, "alice", ranked[0].UserID)
	assert.Equal(t, "bob", ranked[1].UserID)
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr())
	assert.Equal(t, "progress:xp", cfg.XPKey())
	assert.Equal(t, cfg.Addr(), cfg.Options().Addr)
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 1
	cfg.DialTimeout = 100 * time.Millisecond
	cfg.MaxRetries = -1
	_, err := Connect(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrConnection)
}
