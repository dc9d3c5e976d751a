package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_RunsJobOnItsInterval(t *testing.T) {
	var runs int32
	job := ScheduledJob{
		Name:      "test-job",
		LockGroup: LockQualityAndPromotion,
		Interval:  10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}

	s := NewScheduler([]ScheduledJob{job})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	time.Sleep(55 * time.Millisecond)

	if atomic.LoadInt32(&runs) < 2 {
		t.Errorf("expected job to have run at least twice, ran %d times", runs)
	}
}

func TestScheduler_StartTwiceErrors(t *testing.T) {
	s := NewScheduler([]ScheduledJob{{Name: "noop", LockGroup: LockConsolidation, Interval: time.Hour, Run: func(ctx context.Context) error { return nil }}})
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer s.Stop()

	if err := s.Start(ctx); err == nil {
		t.Error("expected error starting an already-running scheduler")
	}
}

func TestJobLockRegistry_SerializesSameGroupAndSkipsOnTimeout(t *testing.T) {
	registry := newJobLockRegistry()
	started := make(chan struct{})
	release := make(chan struct{})

	go registry.withJobLock(LockGraphOperations, time.Second, func() {
		close(started)
		<-release
	})
	<-started

	ran := false
	registry.withJobLock(LockGraphOperations, 20*time.Millisecond, func() {
		ran = true
	})
	if ran {
		t.Error("expected second call to skip while first holds the lock")
	}

	close(release)
}
