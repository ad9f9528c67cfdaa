package request

import (
	"time"

	"shardctl/internal/clock"
	"shardctl/internal/wire"
)

func newBase(id, jobID, worker string, priority int32, timeout time.Duration, sender Sender, store Persister, clk *clock.Wheel, trackInterval time.Duration) *Request {
	return &Request{
		ID: id, JobID: jobID, Worker: worker, Priority: priority, Timeout: timeout,
		sender: sender, store: store, clk: clk, trackInterval: trackInterval,
		state: Created, done: make(chan struct{}),
	}
}

// NewReplicateRequest builds a Replicate operation: pull (database, chunk)
// onto worker from sourceWorker.
func NewReplicateRequest(id, jobID, worker, sourceWorker, database string, chunk uint32, allowDuplicate, keepTracking bool, priority int32, timeout time.Duration, sender Sender, store Persister, clk *clock.Wheel, trackInterval time.Duration) *Request {
	r := newBase(id, jobID, worker, priority, timeout, sender, store, clk, trackInterval)
	r.Type = wire.ReplicaCreate
	r.Database = database
	r.AllowDuplicate = allowDuplicate
	r.KeepTracking = keepTracking
	r.Persisted = true
	r.body = wire.RequestReplicate{Database: database, Chunk: chunk, WorkerSource: sourceWorker, AllowDuplicate: allowDuplicate}
	return r
}

// NewDeleteRequest builds a Delete operation: remove (database, chunk) from
// worker.
func NewDeleteRequest(id, jobID, worker, database string, chunk uint32, allowDuplicate, keepTracking bool, priority int32, timeout time.Duration, sender Sender, store Persister, clk *clock.Wheel, trackInterval time.Duration) *Request {
	r := newBase(id, jobID, worker, priority, timeout, sender, store, clk, trackInterval)
	r.Type = wire.ReplicaDelete
	r.Database = database
	r.AllowDuplicate = allowDuplicate
	r.KeepTracking = keepTracking
	r.Persisted = true
	r.body = wire.RequestDelete{Database: database, Chunk: chunk, AllowDuplicate: allowDuplicate}
	return r
}

// NewFindRequest builds a Find operation: report the disposition of
// (database, chunk) on worker, optionally recomputing its checksum.
func NewFindRequest(id, jobID, worker, database string, chunk uint32, computeCs, keepTracking bool, priority int32, timeout time.Duration, sender Sender, store Persister, clk *clock.Wheel, trackInterval time.Duration) *Request {
	r := newBase(id, jobID, worker, priority, timeout, sender, store, clk, trackInterval)
	r.Type = wire.ReplicaFind
	r.Database = database
	r.KeepTracking = keepTracking
	r.Persisted = true
	r.body = wire.RequestFind{Database: database, Chunk: chunk, ComputeCs: computeCs}
	return r
}

// NewFindAllRequest builds a FindAll operation: enumerate every chunk of
// database present on worker. When saveReplicaInfo is true, a SUCCESS reply
// resyncs the catalog for (worker, database).
func NewFindAllRequest(id, jobID, worker, database string, saveReplicaInfo, keepTracking bool, priority int32, timeout time.Duration, sender Sender, store Persister, clk *clock.Wheel, trackInterval time.Duration) *Request {
	r := newBase(id, jobID, worker, priority, timeout, sender, store, clk, trackInterval)
	r.Type = wire.ReplicaFindAll
	r.Database = database
	r.KeepTracking = keepTracking
	r.Persisted = true
	r.saveReplicaInfoOnFindAll = saveReplicaInfo
	r.body = wire.RequestFindAll{Database: database}
	return r
}

// NewEchoRequest builds a diagnostic Echo operation.
func NewEchoRequest(id, jobID, worker, data string, delayMs uint32, keepTracking bool, priority int32, timeout time.Duration, sender Sender, store Persister, clk *clock.Wheel, trackInterval time.Duration) *Request {
	r := newBase(id, jobID, worker, priority, timeout, sender, store, clk, trackInterval)
	r.Type = wire.TestEcho
	r.KeepTracking = keepTracking
	r.Persisted = true
	r.body = wire.RequestEcho{Data: data, Delay: delayMs}
	return r
}

// NewStatusOfRequest builds a management query for targetID's current
// status; per spec.md §4.2 it is not persisted.
func NewStatusOfRequest(id, jobID, worker, targetID string, targetType wire.QueuedType, priority int32, sender Sender, clk *clock.Wheel) *Request {
	r := newBase(id, jobID, worker, priority, 0, sender, nil, clk, 0)
	r.ManagementType = wire.RequestTrack
	r.TargetID = targetID
	r.body = wire.RequestTrackBody{ID: targetID, QueuedType: targetType}
	return r
}

// NewStopOfRequest builds a best-effort cancellation of targetID; per
// spec.md §4.2 it is not persisted.
func NewStopOfRequest(id, jobID, worker, targetID string, targetType wire.QueuedType, priority int32, sender Sender, clk *clock.Wheel) *Request {
	r := newBase(id, jobID, worker, priority, 0, sender, nil, clk, 0)
	r.ManagementType = wire.RequestStop
	r.TargetID = targetID
	r.body = wire.RequestStopBody{ID: targetID, QueuedType: targetType}
	return r
}
