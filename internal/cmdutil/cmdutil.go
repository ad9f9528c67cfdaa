// Package cmdutil is the shared bootstrap sequence every controller-side
// cmd/ binary runs before it does its own work: load config, open+migrate
// the SQLite store, and wire a Messenger on top of it. Factored out of the
// teacher's main.go (which inlines resolveDBPath/ensureFile/sql.Open/initDB
// once, since it is a single binary) because shardctl has six
// controller-side entrypoints that would otherwise each repeat the same
// lines. cmd/worker does its own bootstrap and does not use this package.
package cmdutil

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"shardctl/internal/chunklock"
	"shardctl/internal/clock"
	"shardctl/internal/config"
	"shardctl/internal/job"
	"shardctl/internal/logx"
	"shardctl/internal/messenger"
	"shardctl/internal/services"
)

// Exit codes per spec.md §6: 0 success, 1 argument/configuration error, 2
// runtime error during job execution, 3 partial success.
const (
	ExitOK             = 0
	ExitArgsOrConfig   = 1
	ExitRuntime        = 2
	ExitPartialSuccess = 3
)

// Env bundles the process-wide collaborators a controller-side CLI binary
// needs: configuration, the persistence store, the worker messenger, and
// the locking/timing primitives Jobs share.
type Env struct {
	Config    config.Config
	DB        *sql.DB
	Store     *services.Store
	Messenger *messenger.Messenger
	Locks     *chunklock.Registry
	Clock     *clock.Wheel
	Log       zerolog.Logger
}

// Boot loads configuration from configPath (Defaults() if empty), opens
// and migrates the SQLite store at cfg.DBPath, and constructs a Messenger
// over the result. Every controller-side cmd/ binary starts this way.
func Boot(configPath string) (*Env, error) {
	log := logx.New()

	cfg := config.Defaults()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "shardctl.db"
	}
	db, err := services.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &Env{
		Config:    cfg,
		DB:        db,
		Store:     services.NewStore(db),
		Messenger: messenger.New(cfg),
		Locks:     chunklock.NewRegistry(),
		Clock:     &clock.Wheel{},
		Log:       log,
	}, nil
}

// Close tears down the messenger connections and the database handle.
func (e *Env) Close() {
	e.Messenger.Close()
	e.DB.Close()
}

// JobDeps builds the job.Deps every Job constructor needs from this Env.
func (e *Env) JobDeps() job.Deps {
	return job.Deps{
		Sender:                 e.Messenger,
		ReqStore:               e.Store,
		JobStore:               e.Store,
		Locks:                  e.Locks,
		Clock:                  e.Clock,
		TrackInterval:          e.Config.RequestTrackInterval,
		DefaultTimeout:         e.Config.RequestDefaultTimeout,
		MaxConcurrentPerWorker: e.Config.MaxConcurrentPerWorker,
		MaxLockRetryBudget:     e.Config.MaxLockRetryBudget,
	}
}

// Fatalf logs err at error level and exits the process with code. Matches
// the teacher's main.go log.Fatal().Err(err).Msg(...) idiom, generalized
// to the multi-exit-code contract cmd/ binaries need instead of main.go's
// always-exit-1 os.Exit via log.Fatal.
func (e *Env) Fatalf(code int, err error, msg string) {
	e.Log.Error().Err(err).Msg(msg)
	os.Exit(code)
}
