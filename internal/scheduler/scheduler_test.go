package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bulkmail/bulkmail/internal/logger"
	"github.com/bulkmail/bulkmail/internal/scheduler"
)

func TestSchedulerRunsTasksUntilStopped(t *testing.T) {
	s := scheduler.New(logger.Nop())

	var runs atomic.Int32
	s.Add(scheduler.Task{
		Name:     "tick",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	s.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if runs.Load() < 3 {
		t.Fatalf("expected at least 3 runs, got %d", runs.Load())
	}

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != after {
		t.Fatalf("task kept running after Stop")
	}
}

func TestSchedulerRunOnStartAndErrors(t *testing.T) {
	s := scheduler.New(logger.Nop())

	ran := make(chan struct{}, 1)
	s.Add(scheduler.Task{
		Name:       "once",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			ran <- struct{}{}
			return errors.New("ignored")
		},
	})
	s.Add(scheduler.Task{
		Name: "disabled",
		Run:  func(ctx context.Context) error { panic("never runs") },
	})

	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("expected RunOnStart task to run immediately")
	}
}

func TestSchedulerRecoversPanics(t *testing.T) {
	s := scheduler.New(logger.Nop())

	var runs atomic.Int32
	s.Add(scheduler.Task{
		Name:     "panicky",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			panic("boom")
		},
	})

	s.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if runs.Load() < 2 {
		t.Fatalf("expected task to keep running after panic, got %d runs", runs.Load())
	}
}
