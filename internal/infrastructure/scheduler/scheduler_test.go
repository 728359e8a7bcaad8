package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression/pkg/timeutil"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type countingJob struct {
	name  string
	runs  atomic.Int32
	err   error
	block chan struct{}
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "counts runs" }
func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
		}
	}
	return j.err
}

func newTestScheduler(clock timeutil.Clock) *Scheduler {
	return New(Config{Clock: clock, TickInterval: 5 * time.Millisecond})
}

func TestScheduler_RunsDueJobs(t *testing.T) {
	clock := timeutil.NewManualClock(epoch)
	s := newTestScheduler(clock)
	job := &countingJob{name: "count"}
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Minute)))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), job.runs.Load())

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	info := s.ListJobs()
	require.Len(t, info, 1)
	assert.Equal(t, epoch.Add(2*time.Minute), info[0].NextRun)
}

func TestScheduler_DoesNotOverlapRuns(t *testing.T) {
	clock := timeutil.NewManualClock(epoch)
	s := newTestScheduler(clock)
	job := &countingJob{name: "slow", block: make(chan struct{})}
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Second)))
	require.NoError(t, s.Start(context.Background()))

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(time.Minute)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), job.runs.Load())

	_, err := s.RunNow(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrJobBusy)

	close(job.block)
	require.NoError(t, s.Stop())
}

func TestScheduler_RunNowRecordsFailure(t *testing.T) {
	s := newTestScheduler(timeutil.NewManualClock(epoch))
	boom := errors.New("boom")
	require.NoError(t, s.Register(&countingJob{name: "fail", err: boom}, NewIntervalSchedule(time.Hour)))

	result, err := s.RunNow(context.Background(), "fail")
	assert.ErrorIs(t, err, boom)
	assert.False(t, result.Success)
	assert.True(t, result.Manual)

	m := s.Metrics()
	assert.Equal(t, int64(1), m.TotalExecutions)
	assert.Equal(t, int64(1), m.TotalFailures)
	assert.Equal(t, 0.0, m.SuccessRate())

	info := s.ListJobs()
	require.Len(t, info, 1)
	assert.Equal(t, int64(1), info[0].FailCount)
	require.NotNil(t, info[0].LastResult)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestScheduler_RegisterAndLifecycleErrors(t *testing.T) {
	s := newTestScheduler(timeutil.NewManualClock(epoch))
	job := &countingJob{name: "dup"}

	assert.ErrorIs(t, s.Register(nil, NewIntervalSchedule(time.Second)), ErrNilJob)
	assert.ErrorIs(t, s.Register(job, nil), ErrNilSchedule)
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Second)))
	assert.ErrorIs(t, s.Register(job, NewIntervalSchedule(time.Second)), ErrJobAlreadyExists)

	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)
	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
}

func TestParseCronExpression(t *testing.T) {
	tests := []struct {
		expr  string
		after time.Time
		want  time.Time
	}{
		{"*/15 * * * *", epoch.Add(time.Minute), epoch.Add(15 * time.Minute)},
		{"0 21 * * *", epoch, time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)},
		{"30 3 * * 0", epoch, time.Date(2026, 3, 8, 3, 30, 0, 0, time.UTC)},
		{"0 0 1 * *", epoch, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"5,10-12 9 * * *", epoch.Add(5 * time.Minute), epoch.Add(10 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			ce, err := ParseCronExpression(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ce.Next(tt.after))
			assert.Equal(t, tt.expr, ce.String())
		})
	}
}

func TestParseCronExpression_Invalid(t *testing.T) {
	for _, expr := range []string{"* * * *", "60 * * * *", "*/0 * * * *", "a * * * *", "5-2 * * * *", "* * 0 * *"} {
		_, err := ParseCronExpression(expr)
		assert.Error(t, err, expr)
	}
}

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("@every 10m")
	require.NoError(t, err)
	assert.Equal(t, "@every 10m0s", s.String())
	assert.Equal(t, epoch.Add(10*time.Minute), s.Next(epoch))

	s, err = ParseSchedule("0 3 * * *")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC), s.Next(epoch))

	_, err = ParseSchedule("@every 10ms")
	assert.Error(t, err)
	_, err = ParseSchedule("@every soon")
	assert.Error(t, err)
}
