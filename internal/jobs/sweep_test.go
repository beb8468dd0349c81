package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlink/pairing-broker/internal/middleware"
	"github.com/devlink/pairing-broker/internal/session"
)

type countingTask struct {
	calls atomic.Int32
	err   error
}

func (c *countingTask) prune(context.Context) (int, error) {
	c.calls.Add(1)
	return 1, c.err
}

func TestSweepJob(t *testing.T) {
	t.Run("creates job with tasks and interval", func(t *testing.T) {
		job := NewSweepJob(5*time.Minute, Task{Name: "a", Prune: (&countingTask{}).prune})

		assert.Equal(t, 5*time.Minute, job.interval)
		assert.Equal(t, 1, job.Len())
	})

	t.Run("runs every task on start", func(t *testing.T) {
		first := &countingTask{}
		failing := &countingTask{err: errors.New("boom")}
		job := NewSweepJob(time.Hour,
			Task{Name: "first", Prune: first.prune},
			Task{Name: "failing", Prune: failing.prune},
		)

		job.Start()
		require.Eventually(t, func() bool {
			return first.calls.Load() == 1 && failing.calls.Load() == 1
		}, time.Second, 5*time.Millisecond)
		job.Stop()
	})

	t.Run("runs again on each tick", func(t *testing.T) {
		task := &countingTask{}
		job := NewSweepJob(10*time.Millisecond, Task{Name: "ticking", Prune: task.prune})

		job.Start()
		require.Eventually(t, func() bool { return task.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
		job.Stop()

		after := task.calls.Load()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, after, task.calls.Load())
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		job := NewSweepJob(time.Hour)
		job.Start()
		job.Stop()
		assert.NotPanics(t, job.Stop)
	})
}

func TestSweepJob_MemoryStores(t *testing.T) {
	ctx := context.Background()

	store := session.NewMemoryStore()
	require.NoError(t, store.Save(ctx, "short", session.Data{PairingCode: "abc"}, time.Millisecond))
	require.NoError(t, store.Save(ctx, "long", session.Data{PairingCode: "def"}, time.Hour))

	limiter := middleware.NewMemoryRateLimiter()
	limiter.Check(ctx, "ip:1", 10)

	time.Sleep(5 * time.Millisecond)

	job := NewSweepJob(time.Hour,
		Task{Name: "sessions", Prune: store.Prune},
		Task{Name: "rate limits", Prune: limiter.Prune},
	)
	job.Start()
	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 5*time.Millisecond)
	job.Stop()
}
