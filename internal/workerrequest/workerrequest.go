// Package workerrequest implements spec.md §4.3: the server-side execution
// of the five queued operations (replicate, delete, find, find-all, echo)
// against a POSIX replica directory, plus the management operations
// (track/stop) the client-side internal/request package addresses to it.
package workerrequest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"shardctl/internal/config"
	"shardctl/internal/wire"
)

// State mirrors internal/request's primary states on the server side.
type State string

const (
	Created    State = "CREATED"
	InProgress State = "IN_PROGRESS"
	Finished   State = "FINISHED"
)

// ExtState mirrors the protocol statuses a worker reports, per spec.md §4.3.
type ExtState string

const (
	ExtNone         ExtState = "NONE"
	ExtSuccess      ExtState = "SUCCESS"
	ExtFailed       ExtState = "FAILED"
	ExtCancelled    ExtState = "CANCELLED"
	ExtIsCancelling ExtState = "IS_CANCELLING"
	ExtBad          ExtState = "BAD"
	ExtQueued       ExtState = "QUEUED"
	ExtInProgress   ExtState = "IN_PROGRESS"
)

// Task is one queued worker-side operation: enough state for the Executor
// to schedule it, run execute() cooperatively, and answer status/stop
// queries while it is outstanding.
type Task struct {
	ID         string
	QueuedType wire.QueuedType
	Priority   int32
	Arrival    int64 // monotonic submission sequence, for FIFO within a priority
	Body       json.RawMessage

	mu        sync.Mutex
	state     State
	extState  ExtState
	cancelled bool
	resp      wire.Response
	done      chan struct{}
}

func newTask(id string, qt wire.QueuedType, priority int32, seq int64, body json.RawMessage) *Task {
	return &Task{ID: id, QueuedType: qt, Priority: priority, Arrival: seq, Body: body, state: Created, done: make(chan struct{})}
}

// Status returns the task's current primary/extended state and, once
// FINISHED, its recorded Response.
func (t *Task) Status() (State, ExtState, wire.Response) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.extState, t.resp
}

// RequestStop flags the task for cooperative cancellation; execute()
// observes it between files/buffers per spec.md §4.3.
func (t *Task) RequestStop() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

func (t *Task) stopRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Task) finish(ext ExtState, resp wire.Response) {
	t.mu.Lock()
	if t.state == Finished {
		t.mu.Unlock()
		return
	}
	t.state = Finished
	t.extState = ext
	t.resp = resp
	close(t.done)
	t.mu.Unlock()
}

// Done reports whether the task has reached FINISHED.
func (t *Task) Done() <-chan struct{} { return t.done }

// FileFetcher pulls one replica file from a peer worker's remote file-copy
// service (internal/filesvc) and returns its bytes, for Replicate's pull
// step.
type FileFetcher interface {
	Fetch(ctx context.Context, sourceWorker, database string, chunk uint32, name string) (data []byte, err error)
}

// Executor is the worker-local queue and bounded thread pool that calls
// execute() on each Task per spec.md §4.3.
type Executor struct {
	worker  config.Worker
	fetcher FileFetcher

	mu      sync.Mutex
	queue   []*Task
	seq     int64
	tasks   map[string]*Task
	sem     chan struct{}
	notify  chan struct{}
	closing chan struct{}
}

// New returns an Executor bound to worker's data/loader directories, with
// poolSize concurrent execute() calls in flight.
func New(worker config.Worker, fetcher FileFetcher, poolSize int) *Executor {
	if poolSize < 1 {
		poolSize = 1
	}
	e := &Executor{
		worker:  worker,
		fetcher: fetcher,
		tasks:   make(map[string]*Task),
		sem:     make(chan struct{}, poolSize),
		notify:  make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
	for i := 0; i < poolSize; i++ {
		go e.loop()
	}
	return e
}

// Close stops accepting new dispatch; in-flight tasks run to completion.
func (e *Executor) Close() { close(e.closing) }

// Submit enqueues a new task for env and returns it immediately in CREATED.
func (e *Executor) Submit(env wire.Envelope) *Task {
	e.mu.Lock()
	e.seq++
	t := newTask(env.Header.ID, env.Header.QueuedType, env.Header.Priority, e.seq, env.Body)
	e.queue = append(e.queue, t)
	e.tasks[t.ID] = t
	e.sortQueueLocked()
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
	return t
}

// Lookup finds a still-known task by id, for StatusOf/StopOf management
// requests.
func (e *Executor) Lookup(id string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	return t, ok
}

// Stop best-effort cancels a still-outstanding task.
func (e *Executor) Stop(id string) bool {
	t, ok := e.Lookup(id)
	if !ok {
		return false
	}
	t.RequestStop()
	return true
}

func (e *Executor) sortQueueLocked() {
	q := e.queue
	for i := 1; i < len(q); i++ {
		j := i
		for j > 0 && less(q[j], q[j-1]) {
			q[j], q[j-1] = q[j-1], q[j]
			j--
		}
	}
}

func less(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Arrival < b.Arrival
}

func (e *Executor) popLocked() (*Task, bool) {
	if len(e.queue) == 0 {
		return nil, false
	}
	t := e.queue[0]
	e.queue = e.queue[1:]
	return t, true
}

// loop is one worker-pool goroutine: pop a task, run execute() until it
// reports done, cooperatively yielding (§4.3: "false to be re-scheduled").
func (e *Executor) loop() {
	for {
		select {
		case <-e.closing:
			return
		case <-e.notify:
		}
		for {
			e.mu.Lock()
			t, ok := e.popLocked()
			e.mu.Unlock()
			if !ok {
				break
			}
			e.sem <- struct{}{}
			e.run(t)
			<-e.sem
		}
	}
}

func (e *Executor) run(t *Task) {
	t.mu.Lock()
	t.state = InProgress
	t.mu.Unlock()

	for {
		if t.stopRequested() {
			t.finish(ExtCancelled, wire.Response{Header: wire.ResponseHeader{ID: t.ID}, Status: wire.StatusCancelled})
			return
		}
		done, ext, resp := e.execute(t)
		if done {
			t.finish(ext, resp)
			return
		}
		time.Sleep(10 * time.Millisecond)
		e.requeue(t)
		return
	}
}

func (e *Executor) requeue(t *Task) {
	e.mu.Lock()
	e.queue = append(e.queue, t)
	e.sortQueueLocked()
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// execute dispatches by queued type and returns (done, extState, response)
// per the Worker Request execution contract.
func (e *Executor) execute(t *Task) (bool, ExtState, wire.Response) {
	ctx := context.Background()
	switch t.QueuedType {
	case wire.ReplicaFind:
		return e.executeFind(t)
	case wire.ReplicaFindAll:
		return e.executeFindAll(t)
	case wire.ReplicaDelete:
		return e.executeDelete(t)
	case wire.ReplicaCreate:
		return e.executeReplicate(ctx, t)
	case wire.TestEcho:
		return e.executeEcho(t)
	default:
		return true, ExtBad, wire.Response{Header: wire.ResponseHeader{ID: t.ID}, Status: wire.StatusBad, StatusExt: wire.ExtInvalidParam}
	}
}
