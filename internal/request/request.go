// Package request implements spec.md §4.2: the client-side state machine
// for a single worker operation (replicate, delete, find, find-all, echo,
// status-track, stop). One Request drives exactly one outstanding
// Messenger call at a time, re-sends itself as a tracking management
// message while the worker reports it still running, and persists its
// outcome through internal/services.
package request

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"shardctl/internal/clock"
	"shardctl/internal/messenger"
	"shardctl/internal/replica"
	"shardctl/internal/services"
	"shardctl/internal/wire"
)

// State is a Request's primary lifecycle state.
type State string

const (
	Created    State = "CREATED"
	InProgress State = "IN_PROGRESS"
	Finished   State = "FINISHED"
)

// ExtState is set when a Request enters Finished.
type ExtState string

const (
	ExtNone               ExtState = "NONE"
	ExtSuccess            ExtState = "SUCCESS"
	ExtClientError        ExtState = "CLIENT_ERROR"
	ExtServerCreated      ExtState = "SERVER_CREATED"
	ExtServerQueued       ExtState = "SERVER_QUEUED"
	ExtServerInProgress   ExtState = "SERVER_IN_PROGRESS"
	ExtServerIsCancelling ExtState = "SERVER_IS_CANCELLING"
	ExtServerBad          ExtState = "SERVER_BAD"
	ExtServerError        ExtState = "SERVER_ERROR"
	ExtServerCancelled    ExtState = "SERVER_CANCELLED"
	ExtTimeoutExpired     ExtState = "TIMEOUT_EXPIRED"
	ExtCancelled          ExtState = "CANCELLED"
	ExtConfigError        ExtState = "CONFIG_ERROR"
)

// Sender is the subset of *messenger.Messenger a Request needs; narrowed to
// an interface so tests can substitute a fake transport.
type Sender interface {
	Send(worker, requestID string, priority int, buf []byte, onDone messenger.OnDone) error
	Cancel(worker, requestID string)
}

// Persister is the subset of *services.Store a Request writes results
// through.
type Persister interface {
	SaveReplicaInfo(ctx context.Context, info replica.Info) error
	SaveReplicaInfoCollection(ctx context.Context, worker, database string, collection []replica.Info) error
	SaveRequest(ctx context.Context, r services.RequestRecord) error
}

// Request is one client-side worker operation. Zero value is not usable;
// construct with the New*Request functions in ops.go.
type Request struct {
	ID             string
	JobID          string
	Worker         string
	Database       string // used by FindAll's resync
	Type           wire.QueuedType
	ManagementType wire.ManagementType // set instead of Type for StatusOf/StopOf
	TargetID       string              // the request id StatusOf/StopOf addresses
	Priority       int32
	KeepTracking   bool
	AllowDuplicate bool
	Timeout        time.Duration
	Persisted      bool

	saveReplicaInfoOnFindAll bool
	body                     any

	sender        Sender
	store         Persister
	clk           *clock.Wheel
	trackInterval time.Duration

	mu          sync.Mutex
	ctx         context.Context
	state       State
	extState    ExtState
	lastResp    wire.Response
	replicaInfo replica.Info
	collection  []replica.Info
	echoData    string
	err         error

	trackTimer  *clock.Timer
	expireTimer *clock.Timer
	done        chan struct{}
	onFinish    func(*Request)
}

// OnFinish registers a callback invoked once, after the Request enters
// Finished. It runs on its own goroutine so it never holds the Request's
// own mutex (spec.md §5: callbacks must not re-enter their owner while a
// prior callback holds its mutex).
func (r *Request) OnFinish(fn func(*Request)) {
	r.mu.Lock()
	r.onFinish = fn
	finished := r.state == Finished
	r.mu.Unlock()
	if finished {
		go fn(r)
	}
}

// State returns the current primary/extended state pair.
func (r *Request) State() (State, ExtState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.extState
}

// ReplicaInfo returns the decoded ReplicaInfo payload for Find/Replicate/
// Delete operations once finished.
func (r *Request) ReplicaInfo() replica.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replicaInfo
}

// Collection returns the decoded ReplicaInfoCollection payload for a
// FindAll operation once finished.
func (r *Request) Collection() []replica.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collection
}

// EchoData returns the echoed payload for a TestEcho operation.
func (r *Request) EchoData() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.echoData
}

// Err returns the error recorded at finish, if any (set for CLIENT_ERROR,
// SERVER_BAD, SERVER_ERROR, CONFIG_ERROR).
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done returns a channel closed when the Request reaches Finished.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the Request finishes or ctx is done.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start serializes the request and hands it to the Messenger. It must be
// called at most once.
func (r *Request) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != Created {
		r.mu.Unlock()
		return fmt.Errorf("request %s: Start called twice", r.ID)
	}
	r.ctx = ctx
	r.state = InProgress
	r.mu.Unlock()

	header := wire.RequestHeader{
		ID:             r.ID,
		Priority:       r.Priority,
		TimeoutSeconds: uint32(r.Timeout / time.Second),
		InstanceID:     r.JobID,
	}
	if r.ManagementType != "" {
		header.Type = wire.TypeMgmt
		header.ManagementType = r.ManagementType
	} else {
		header.Type = wire.TypeQueued
		header.QueuedType = r.Type
	}
	buf, err := messenger.EncodeEnvelope(header, r.body)
	if err != nil {
		r.mu.Lock()
		r.finishLocked(ExtConfigError, err)
		r.mu.Unlock()
		return err
	}

	if r.Persisted && r.store != nil {
		_ = r.store.SaveRequest(ctx, services.RequestRecord{
			ID: r.ID, JobID: r.JobID, Worker: r.Worker, QueuedType: string(r.Type),
			State: string(InProgress), Priority: int(r.Priority),
		})
	}
	if r.Timeout > 0 && r.clk != nil {
		r.mu.Lock()
		r.expireTimer = r.clk.After(r.Timeout, r.expire)
		r.mu.Unlock()
	}
	return r.sender.Send(r.Worker, r.ID, int(r.Priority), buf, r.onReply)
}

func (r *Request) onReply(_ string, success bool, resp wire.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Finished {
		return
	}
	r.analyzeLocked(success, resp)
}

// analyzeLocked implements the analyze() algorithm of spec.md §4.2,
// r.mu held.
func (r *Request) analyzeLocked(success bool, resp wire.Response) {
	if !success {
		r.finishLocked(ExtClientError, fmt.Errorf("transport failure"))
		return
	}
	r.lastResp = resp

	switch resp.Status {
	case wire.StatusSuccess:
		r.decodeSuccessLocked(resp)
		r.finishLocked(ExtSuccess, nil)
	case wire.StatusCreated:
		r.trackOrFinishLocked(ExtServerCreated)
	case wire.StatusQueued:
		r.trackOrFinishLocked(ExtServerQueued)
	case wire.StatusInProgress:
		r.trackOrFinishLocked(ExtServerInProgress)
	case wire.StatusIsCancelling:
		r.trackOrFinishLocked(ExtServerIsCancelling)
	case wire.StatusBad:
		r.finishLocked(ExtServerBad, fmt.Errorf("worker reported BAD: %s", resp.Error))
	case wire.StatusFailed:
		r.finishLocked(ExtServerError, fmt.Errorf("worker reported FAILED: %s", resp.Error))
	case wire.StatusCancelled:
		r.finishLocked(ExtServerCancelled, nil)
	default:
		panic(fmt.Sprintf("request: unknown response status %q", resp.Status))
	}
}

func (r *Request) trackOrFinishLocked(giveUp ExtState) {
	if r.KeepTracking && r.clk != nil {
		r.scheduleTrackLocked()
		return
	}
	r.finishLocked(giveUp, nil)
}

func (r *Request) decodeSuccessLocked(resp wire.Response) {
	switch r.Type {
	case wire.ReplicaCreate, wire.ReplicaDelete, wire.ReplicaFind:
		var info replica.Info
		if len(resp.ReplicaInfo) > 0 {
			_ = json.Unmarshal(resp.ReplicaInfo, &info)
		}
		r.replicaInfo = info
		if r.store != nil {
			_ = r.store.SaveReplicaInfo(r.ctx, info)
		}
	case wire.ReplicaFindAll:
		var coll []replica.Info
		if len(resp.ReplicaInfoAll) > 0 {
			_ = json.Unmarshal(resp.ReplicaInfoAll, &coll)
		}
		r.collection = coll
		if r.saveReplicaInfoOnFindAll && r.store != nil {
			_ = r.store.SaveReplicaInfoCollection(r.ctx, r.Worker, r.Database, coll)
		}
	case wire.TestEcho:
		r.echoData = string(resp.Data)
	}
}

func (r *Request) scheduleTrackLocked() {
	if r.trackTimer != nil {
		r.trackTimer.Stop()
	}
	r.trackTimer = r.clk.After(r.trackInterval, r.awaken)
}

// awaken fires on the tracking timer: re-send this request's id as a
// REQUEST_TRACK management message.
func (r *Request) awaken() {
	r.mu.Lock()
	if r.state != InProgress {
		r.mu.Unlock()
		return
	}
	header := wire.RequestHeader{ID: r.ID, Type: wire.TypeMgmt, ManagementType: wire.RequestTrack, Priority: r.Priority, InstanceID: r.JobID}
	buf, err := messenger.EncodeEnvelope(header, wire.RequestTrackBody{ID: r.ID, QueuedType: r.Type})
	if err != nil {
		r.finishLocked(ExtConfigError, err)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	_ = r.sender.Send(r.Worker, r.ID, int(r.Priority), buf, r.onReply)
}

// expire fires on the expiration timer: act as Cancel with TIMEOUT_EXPIRED.
func (r *Request) expire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Finished {
		return
	}
	r.cancelLocked(ExtTimeoutExpired)
}

// Cancel cancels tracking/expiration, tells the Messenger to drop this
// request, best-effort asks the worker to stop it, and finishes CANCELLED.
func (r *Request) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Finished {
		return
	}
	r.cancelLocked(ExtCancelled)
}

func (r *Request) cancelLocked(ext ExtState) {
	if r.trackTimer != nil {
		r.trackTimer.Stop()
	}
	if r.expireTimer != nil {
		r.expireTimer.Stop()
	}
	r.sender.Cancel(r.Worker, r.ID)
	r.sendBestEffortStopLocked()
	r.finishLocked(ext, nil)
}

func (r *Request) sendBestEffortStopLocked() {
	stopID := uuid.NewString()
	header := wire.RequestHeader{ID: stopID, Type: wire.TypeMgmt, ManagementType: wire.RequestStop, Priority: r.Priority, InstanceID: r.JobID}
	buf, err := messenger.EncodeEnvelope(header, wire.RequestStopBody{ID: r.ID, QueuedType: r.Type})
	if err != nil {
		return
	}
	_ = r.sender.Send(r.Worker, stopID, int(r.Priority), buf, func(string, bool, wire.Response) {})
}

func (r *Request) finishLocked(ext ExtState, err error) {
	if r.trackTimer != nil {
		r.trackTimer.Stop()
	}
	if r.expireTimer != nil {
		r.expireTimer.Stop()
	}
	r.state = Finished
	r.extState = ext
	r.err = err
	if r.Persisted && r.store != nil {
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		_ = r.store.SaveRequest(r.ctx, services.RequestRecord{
			ID: r.ID, JobID: r.JobID, Worker: r.Worker, QueuedType: string(r.Type),
			State: string(Finished), ExtState: string(ext), Priority: int(r.Priority), Error: errMsg,
		})
	}
	close(r.done)
	if r.onFinish != nil {
		go r.onFinish(r)
	}
}
