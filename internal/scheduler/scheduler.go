// Package scheduler is the "external scheduler" of spec.md §2: it
// periodically launches FixUp/Replicate/Purge sweeps per database family so
// replica health converges without an operator driving every job by hand.
// Grounded on the teacher's main.go scheduling its Modrinth update check
// (`scheduler.Every(1).Hour().Do(func() { checkUpdates(db) })`), generalized
// from one fixed poll to one gocron entry per (family, sweep kind).
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"shardctl/internal/config"
	"shardctl/internal/job"
)

// SweepConfig describes which families to sweep and how often. A zero
// interval disables that sweep kind entirely.
type SweepConfig struct {
	Families          []config.DatabaseFamily
	Workers           []string
	FixUpInterval     time.Duration
	ReplicateInterval time.Duration
	PurgeInterval     time.Duration
	NumReplicas       int
}

// Scheduler wraps a gocron.Scheduler bound to a fixed job.Deps, dispatching
// fresh job instances (one uuid per firing) on each tick.
type Scheduler struct {
	gc   *gocron.Scheduler
	deps job.Deps
}

// New returns a Scheduler that will submit jobs built from deps.
func New(deps job.Deps) *Scheduler {
	return &Scheduler{gc: gocron.NewScheduler(time.UTC), deps: deps}
}

// Start registers every configured sweep and begins firing them
// asynchronously. It returns the first scheduling error, if any.
func (s *Scheduler) Start(cfg SweepConfig) error {
	for _, fam := range cfg.Families {
		fam := fam
		if cfg.FixUpInterval > 0 {
			if _, err := s.gc.Every(cfg.FixUpInterval).Do(func() { s.runFixUp(fam, cfg.Workers) }); err != nil {
				return err
			}
		}
		if cfg.ReplicateInterval > 0 {
			if _, err := s.gc.Every(cfg.ReplicateInterval).Do(func() { s.runReplicate(fam, cfg.Workers, cfg.NumReplicas) }); err != nil {
				return err
			}
		}
		if cfg.PurgeInterval > 0 {
			if _, err := s.gc.Every(cfg.PurgeInterval).Do(func() { s.runPurge(fam, cfg.Workers, cfg.NumReplicas) }); err != nil {
				return err
			}
		}
	}
	s.gc.StartAsync()
	return nil
}

// Stop halts the scheduler's background goroutine. Jobs already in flight
// run to completion.
func (s *Scheduler) Stop() { s.gc.Stop() }

func (s *Scheduler) runFixUp(fam config.DatabaseFamily, workers []string) {
	j := job.NewFixUpJob(uuid.NewString(), 0, fam, workers, s.deps)
	s.run(j, fam.Name, "fixup")
}

func (s *Scheduler) runReplicate(fam config.DatabaseFamily, workers []string, numReplicas int) {
	j := job.NewReplicateJob(uuid.NewString(), 0, fam, workers, numReplicas, s.deps)
	s.run(j, fam.Name, "replicate")
}

func (s *Scheduler) runPurge(fam config.DatabaseFamily, workers []string, numReplicas int) {
	j := job.NewPurgeJob(uuid.NewString(), 0, fam, workers, numReplicas, s.deps)
	s.run(j, fam.Name, "purge")
}

// starter is satisfied by every job.Base-embedding job type. Wait only
// reports a context error (spec.md §4.4's jobs always reach Finished on
// their own done channel, never returning failure through Wait itself), so
// a sweep's outcome is read from Err() after waiting.
type starter interface {
	Start(ctx context.Context)
	Wait(ctx context.Context) error
	Err() error
}

func (s *Scheduler) run(j starter, family, kind string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.DefaultTimeout)
	defer cancel()
	j.Start(ctx)
	if err := j.Wait(ctx); err != nil {
		log.Error().Err(err).Str("family", family).Str("sweep", kind).Msg("scheduled sweep timed out")
		return
	}
	if err := j.Err(); err != nil {
		log.Error().Err(err).Str("family", family).Str("sweep", kind).Msg("scheduled sweep failed")
	}
}
