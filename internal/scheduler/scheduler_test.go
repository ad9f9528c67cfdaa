package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"shardctl/internal/config"
	"shardctl/internal/job"
)

type fakeJob struct {
	startCalled atomic.Bool
	err         error
	done        chan struct{}
	hang        bool
}

func newFakeJob(err error) *fakeJob {
	return &fakeJob{err: err, done: make(chan struct{})}
}

func (f *fakeJob) Start(ctx context.Context) {
	f.startCalled.Store(true)
	if !f.hang {
		close(f.done)
	}
}

func (f *fakeJob) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeJob) Err() error { return f.err }

func TestRunStartsAndWaitsForJob(t *testing.T) {
	s := &Scheduler{deps: job.Deps{DefaultTimeout: time.Second}}
	j := newFakeJob(nil)
	s.run(j, "fam1", "fixup")
	if !j.startCalled.Load() {
		t.Fatalf("Start was not called")
	}
}

func TestRunSurvivesJobFailure(t *testing.T) {
	s := &Scheduler{deps: job.Deps{DefaultTimeout: time.Second}}
	j := newFakeJob(errors.New("boom"))
	s.run(j, "fam1", "fixup")
	if !j.startCalled.Load() {
		t.Fatalf("Start was not called")
	}
}

func TestRunTimesOutOnSlowJob(t *testing.T) {
	s := &Scheduler{deps: job.Deps{DefaultTimeout: time.Millisecond}}
	j := newFakeJob(nil)
	j.hang = true
	s.run(j, "fam1", "fixup")
}

func TestStartRegistersOneSweepPerFamilyPerKind(t *testing.T) {
	s := New(job.Deps{DefaultTimeout: time.Second})
	cfg := SweepConfig{
		Families:          []config.DatabaseFamily{{Name: "fam1"}, {Name: "fam2"}},
		FixUpInterval:     time.Hour,
		ReplicateInterval: time.Hour,
	}
	if err := s.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	if got := s.gc.Len(); got != 4 {
		t.Fatalf("scheduled job count = %d, want 4", got)
	}
}

func TestStartSkipsZeroIntervalSweeps(t *testing.T) {
	s := New(job.Deps{DefaultTimeout: time.Second})
	cfg := SweepConfig{
		Families:      []config.DatabaseFamily{{Name: "fam1"}},
		PurgeInterval: time.Hour,
	}
	if err := s.Start(cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	if got := s.gc.Len(); got != 1 {
		t.Fatalf("scheduled job count = %d, want 1", got)
	}
}
