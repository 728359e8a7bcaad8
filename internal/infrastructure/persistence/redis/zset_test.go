package redis

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// zsetClient keeps sorted sets in memory and implements the subset of
// redis.Cmdable used by IndexedRepository. Any other command panics on the
// nil embedded interface.
type zsetClient struct {
	redis.Cmdable

	mu   sync.Mutex
	sets map[string]map[string]float64

	// failRaise makes ZAddGT return an error.
	failRaise bool
}

func newZSetClient() *zsetClient {
	return &zsetClient{sets: make(map[string]map[string]float64)}
}

var errInjected = errors.New("injected redis failure")

func (c *zsetClient) set(key string) map[string]float64 {
	s, ok := c.sets[key]
	if !ok {
		s = make(map[string]float64)
		c.sets[key] = s
	}
	return s
}

func (c *zsetClient) score(key, member string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.sets[key][member]
	return v, ok
}

func (c *zsetClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, k := range keys {
		if _, ok := c.sets[k]; ok {
			delete(c.sets, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (c *zsetClient) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.set(key)
	for _, m := range members {
		s[m.Member.(string)] = m.Score
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(members)))
	return cmd
}

func (c *zsetClient) ZAddGT(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	if c.failRaise {
		cmd.SetErr(errInjected)
		return cmd
	}
	s := c.set(key)
	for _, m := range members {
		id := m.Member.(string)
		if cur, ok := s[id]; !ok || m.Score > cur {
			s[id] = m.Score
		}
	}
	cmd.SetVal(int64(len(members)))
	return cmd
}

func (c *zsetClient) ZUnionStore(ctx context.Context, dest string, store *redis.ZStore) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	if store.Aggregate != "MAX" {
		cmd.SetErr(errors.New("zsetClient: only AGGREGATE MAX is supported"))
		return cmd
	}
	out := make(map[string]float64)
	for _, k := range store.Keys {
		for id, v := range c.sets[k] {
			if cur, ok := out[id]; !ok || v > cur {
				out[id] = v
			}
		}
	}
	c.sets[dest] = out
	cmd.SetVal(int64(len(out)))
	return cmd
}

func (c *zsetClient) sorted(key string) []redis.Z {
	out := make([]redis.Z, 0, len(c.sets[key]))
	for id, v := range c.sets[key] {
		out = append(out, redis.Z{Score: v, Member: id})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Member.(string) > out[j].Member.(string)
	})
	return out
}

func (c *zsetClient) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	all := c.sorted(key)
	cmd := redis.NewZSliceCmd(ctx)
	if start >= int64(len(all)) {
		cmd.SetVal([]redis.Z{})
		return cmd
	}
	if stop >= int64(len(all)) {
		stop = int64(len(all)) - 1
	}
	cmd.SetVal(all[start : stop+1])
	return cmd
}

func (c *zsetClient) ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := redis.NewStringSliceCmd(ctx)
	lo, err := strconv.ParseFloat(opt.Min, 64)
	if err != nil {
		cmd.SetErr(err)
		return cmd
	}
	hi, err := strconv.ParseFloat(opt.Max, 64)
	if err != nil {
		cmd.SetErr(err)
		return cmd
	}
	var ids []string
	for id, v := range c.sets[key] {
		if v >= lo && v <= hi {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	cmd.SetVal(ids)
	return cmd
}
