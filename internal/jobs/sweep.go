package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const sweepTimeout = 30 * time.Second

// PruneFunc drops expired entries and reports how many were removed.
type PruneFunc func(ctx context.Context) (int, error)

type Task struct {
	Name  string
	Prune PruneFunc
}

// SweepJob runs its tasks once on start and then on every tick until stopped.
type SweepJob struct {
	tasks    []Task
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewSweepJob(interval time.Duration, tasks ...Task) *SweepJob {
	return &SweepJob{
		tasks:    tasks,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *SweepJob) Len() int {
	return len(j.tasks)
}

func (j *SweepJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().Dur("interval", j.interval).Int("tasks", len(j.tasks)).Msg("sweep job started")
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (j *SweepJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
		log.Info().Msg("sweep job stopped")
	})
}

func (j *SweepJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *SweepJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	for _, task := range j.tasks {
		j.runTask(ctx, task)
	}
}

func (j *SweepJob) runTask(ctx context.Context, task Task) {
	count, err := task.Prune(ctx)
	if err != nil {
		log.Error().Err(err).Str("task", task.Name).Msg("sweep failed")
	} else if count > 0 {
		log.Debug().Int("count", count).Str("task", task.Name).Msg("swept expired entries")
	}
}
