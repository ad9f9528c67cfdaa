// Package job implements spec.md §4.4: Controller-owned jobs that plan and
// drive fleets of internal/request.Request calls against the worker fleet,
// writing their own lifecycle through internal/services and cooperating
// over internal/chunklock for mutual exclusion on in-flight chunks.
package job

import (
	"context"
	"sync"
	"time"

	"shardctl/internal/chunklock"
	"shardctl/internal/clock"
	"shardctl/internal/request"
	"shardctl/internal/services"
)

// State is a Job's primary lifecycle state, shared across every job type.
type State string

const (
	Created    State = "CREATED"
	InProgress State = "IN_PROGRESS"
	Finished   State = "FINISHED"
)

// ExtState is set when a Job enters Finished. Individual job types may add
// their own additional values (e.g. ReplicateJob has none beyond these).
type ExtState string

const (
	ExtNone        ExtState = "NONE"
	ExtSuccess     ExtState = "SUCCESS"
	ExtFailed      ExtState = "FAILED"
	ExtConfigError ExtState = "CONFIG_ERROR"
	ExtCancelled   ExtState = "CANCELLED"
)

// JobPersister is the subset of *services.Store a Job writes its own state
// transitions through, per spec.md §4.4 "Jobs write their state to
// Services on transitions."
type JobPersister interface {
	SaveJob(ctx context.Context, j services.JobRecord) error
}

// Deps bundles what every job needs to construct and dispatch Requests,
// shared across all job types instead of threaded individually through
// each constructor.
type Deps struct {
	Sender    request.Sender
	ReqStore  request.Persister
	JobStore  JobPersister
	Locks     *chunklock.Registry
	Clock     *clock.Wheel

	TrackInterval          time.Duration
	DefaultTimeout         time.Duration
	MaxConcurrentPerWorker int
	MaxLockRetryBudget     int

	QservNotifier QservNotifier
}

// Base is embedded by every concrete job type; it owns the primary
// state machine, persistence, and onFinish notification common to all of
// them, per spec.md §4.4's "start()/cancel()/wait()" contract.
type Base struct {
	ID       string
	Type     string
	Priority int32
	Family   string
	Database string

	deps Deps

	mu             sync.Mutex
	ctx            context.Context
	cancelFn       context.CancelFunc
	state          State
	extState       ExtState
	err            error
	done           chan struct{}
	onFinish       []func()
	numFailedLocks int
}

// NewBase initializes the embeddable job bookkeeping; concrete
// constructors call this and then launch their own run goroutine via
// runAsync.
func NewBase(id, jobType string, priority int32, family, database string, deps Deps) *Base {
	return &Base{
		ID: id, Type: jobType, Priority: priority, Family: family, Database: database,
		deps: deps, state: Created, done: make(chan struct{}),
	}
}

// State returns the job's current primary/extended state.
func (b *Base) State() (State, ExtState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.extState
}

// Err returns the error recorded at finish, if any.
func (b *Base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Done returns a channel closed once the job reaches Finished.
func (b *Base) Done() <-chan struct{} { return b.done }

// Wait blocks until the job finishes or ctx is done.
func (b *Base) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnFinish registers a callback invoked once the job finishes, on its own
// goroutine (never under Base's mutex), matching internal/request's
// OnFinish contract.
func (b *Base) OnFinish(fn func()) {
	b.mu.Lock()
	finished := b.state == Finished
	if !finished {
		b.onFinish = append(b.onFinish, fn)
	}
	b.mu.Unlock()
	if finished {
		go fn()
	}
}

// Cancel requests cancellation of the job's run context; concrete job
// types observe ctx.Done() between planning/dispatch steps.
func (b *Base) Cancel() {
	b.mu.Lock()
	cancel := b.cancelFn
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// runAsync starts run on its own goroutine, handling the CREATED->
// IN_PROGRESS transition, persistence, chunk-lock release, and the
// IN_PROGRESS->FINISHED transition with whatever ExtState/error run
// returns.
func (b *Base) runAsync(parent context.Context, run func(ctx context.Context) (ExtState, error)) {
	ctx, cancel := context.WithCancel(parent)
	b.mu.Lock()
	b.ctx = ctx
	b.cancelFn = cancel
	b.state = InProgress
	b.mu.Unlock()
	b.persist(ctx)

	go func() {
		ext, err := run(ctx)
		b.finish(ext, err)
	}()
}

func (b *Base) persist(ctx context.Context) {
	if b.deps.JobStore == nil {
		return
	}
	b.mu.Lock()
	rec := services.JobRecord{ID: b.ID, Type: b.Type, State: string(b.state), ExtState: string(b.extState), Family: b.Family, Database: b.Database, Priority: int(b.Priority)}
	b.mu.Unlock()
	_ = b.deps.JobStore.SaveJob(ctx, rec)
}

func (b *Base) finish(ext ExtState, err error) {
	b.mu.Lock()
	if b.state == Finished {
		b.mu.Unlock()
		return
	}
	b.state = Finished
	b.extState = ext
	b.err = err
	callbacks := b.onFinish
	b.onFinish = nil
	b.mu.Unlock()

	if b.deps.Locks != nil {
		b.deps.Locks.ReleaseAll(b.ID)
	}
	b.persist(context.Background())
	close(b.done)
	for _, fn := range callbacks {
		go fn()
	}
}

// incFailedLock counts one planning-time chunk-lock contention, per
// spec.md §4.5.
func (b *Base) incFailedLock() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.numFailedLocks++
	return b.numFailedLocks
}

func (b *Base) failedLockCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numFailedLocks
}

func (b *Base) resetFailedLocks() {
	b.mu.Lock()
	b.numFailedLocks = 0
	b.mu.Unlock()
}
