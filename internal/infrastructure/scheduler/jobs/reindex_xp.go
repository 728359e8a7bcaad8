// Package jobs contains the scheduled maintenance jobs of the progression service.
package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/progression/pkg/logger"
	"github.com/alem-hub/progression/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// REINDEX XP JOB
// ══════════════════════════════════════════════════════════════════════════════

// Reindexer rebuilds a secondary XP index from the primary store.
type Reindexer interface {
	Reindex(ctx context.Context) (int, error)
}

// ReindexStats describes one rebuild.
type ReindexStats struct {
	RunID       string
	StartedAt   time.Time
	CompletedAt time.Time
	Users       int
	Err         error
}

// ReindexXPJob rebuilds the XP index so that leaderboard reads can use it
// again after a failed index write or a Redis restart.
type ReindexXPJob struct {
	index   Reindexer
	log     *logger.Logger
	clock   timeutil.Clock
	timeout time.Duration

	last atomic.Pointer[ReindexStats]
}

// NewReindexXPJob creates the job. A non-positive timeout means no limit.
func NewReindexXPJob(index Reindexer, log *logger.Logger, clock timeutil.Clock, timeout time.Duration) *ReindexXPJob {
	if log == nil {
		log = logger.Nop()
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &ReindexXPJob{index: index, log: log, clock: clock, timeout: timeout}
}

// Name returns the job name.
func (j *ReindexXPJob) Name() string { return "reindex_xp" }

// Description returns a human-readable description.
func (j *ReindexXPJob) Description() string {
	return "Rebuilds the Redis XP index from the primary progress store"
}

// Run executes the rebuild.
func (j *ReindexXPJob) Run(ctx context.Context) error {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	stats := &ReindexStats{RunID: uuid.NewString(), StartedAt: j.clock.Now()}
	users, err := j.index.Reindex(ctx)
	stats.CompletedAt = j.clock.Now()
	stats.Users = users
	stats.Err = err
	j.last.Store(stats)

	if err != nil {
		return fmt.Errorf("reindex xp (run %s): %w", stats.RunID, err)
	}
	j.log.Debug("xp index rebuilt",
		logger.String("run_id", stats.RunID),
		logger.Int("users", users),
		logger.Latency(timeutil.Elapsed(stats.StartedAt, stats.CompletedAt)),
	)
	return nil
}

// LastStats returns the most recent rebuild, or nil before the first run.
func (j *ReindexXPJob) LastStats() *ReindexStats {
	return j.last.Load()
}
