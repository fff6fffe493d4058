// Package scheduler runs background maintenance tasks on fixed intervals.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/bulkmail/bulkmail/internal/logger"
)

// Task is a unit of periodic work
type Task struct {
	Name     string
	Interval time.Duration
	// RunOnStart runs the task once immediately instead of waiting a full interval.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Scheduler owns one goroutine per task. Stop cancels them and waits.
type Scheduler struct {
	log   *logger.Logger
	tasks []Task

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a scheduler
func New(log *logger.Logger) *Scheduler {
	return &Scheduler{log: log.WithComponent("scheduler")}
}

// Add registers a task. Tasks added after Start are ignored until the next Start.
func (s *Scheduler) Add(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// Start launches every task. Tasks without a positive interval are skipped.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, t := range s.tasks {
		if t.Interval <= 0 || t.Run == nil {
			s.log.Warn().Str("task", t.Name).Msg("Task disabled, no interval")
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
}

// Stop cancels all tasks and waits for in-flight runs to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	if t.RunOnStart {
		s.runOnce(ctx, t)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("task", t.Name).Msg("Task panicked")
		}
	}()

	start := time.Now()
	if err := t.Run(ctx); err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Str("task", t.Name).Msg("Task failed")
		return
	}
	s.log.Debug().Str("task", t.Name).Dur("duration", time.Since(start)).Msg("Task completed")
}
