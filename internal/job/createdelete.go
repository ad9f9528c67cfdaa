package job

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"shardctl/internal/replica"
	"shardctl/internal/request"
)

// ReplicaJobResult is the aggregated {database -> ReplicaInfo} outcome of
// a CreateReplicaJob/DeleteReplicaJob for its one (family, chunk, worker),
// per spec.md §4.4.7.
type ReplicaJobResult struct {
	ByDatabase map[string]replica.Info
}

// CreateReplicaJob issues one ReplicationRequest per database in the
// family for (chunk, destWorker), pulling from sourceWorker, then notifies
// Qserv that destWorker now serves chunk.
type CreateReplicaJob struct {
	*Base
	databases    []string
	chunk        uint32
	sourceWorker string
	destWorker   string

	mu     sync.Mutex
	result ReplicaJobResult
}

// NewCreateReplicaJob builds a CreateReplicaJob for one (family, chunk)
// pair: pull it onto destWorker from sourceWorker for every database.
func NewCreateReplicaJob(id string, priority int32, family string, databases []string, chunk uint32, sourceWorker, destWorker string, deps Deps) *CreateReplicaJob {
	return &CreateReplicaJob{
		Base:         NewBase(id, "CREATE_REPLICA", priority, family, "", deps),
		databases:    databases,
		chunk:        chunk,
		sourceWorker: sourceWorker,
		destWorker:   destWorker,
		result:       ReplicaJobResult{ByDatabase: map[string]replica.Info{}},
	}
}

// Result returns the per-database replica outcomes gathered so far.
func (j *CreateReplicaJob) Result() ReplicaJobResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

func (j *CreateReplicaJob) Start(ctx context.Context) { j.runAsync(ctx, j.run) }

func (j *CreateReplicaJob) run(ctx context.Context) (ExtState, error) {
	if j.sourceWorker == j.destWorker {
		return ExtConfigError, errConfigf("create replica %d: source and destination worker are both %q", j.chunk, j.sourceWorker)
	}

	var wg sync.WaitGroup
	failures := make([]bool, len(j.databases))
	for i, db := range j.databases {
		wg.Add(1)
		i, db := i, db
		reqID := uuid.NewString()
		r := request.NewReplicateRequest(reqID, j.ID, j.destWorker, j.sourceWorker, db, j.chunk, false, true, j.Priority, j.deps.DefaultTimeout, j.deps.Sender, j.deps.ReqStore, j.deps.Clock, j.deps.TrackInterval)
		r.OnFinish(func(r *request.Request) {
			defer wg.Done()
			_, ext := r.State()
			if ext != request.ExtSuccess {
				failures[i] = true
				return
			}
			j.mu.Lock()
			j.result.ByDatabase[db] = r.ReplicaInfo()
			j.mu.Unlock()
		})
		if err := r.Start(ctx); err != nil {
			failures[i] = true
			wg.Done()
		}
	}
	wg.Wait()

	for _, failed := range failures {
		if failed {
			return ExtFailed, nil
		}
	}
	_ = j.deps.notifier().NotifyAddChunk(ctx, j.Family, j.chunk, j.destWorker)
	return ExtSuccess, nil
}

// DeleteReplicaJob issues one DeleteRequest per database in the family for
// (chunk, worker), then notifies Qserv that worker no longer serves chunk.
// The force flag on that notification is derived from the job's priority:
// per spec.md §4.4.7, higher-priority deletes (e.g. from a PurgeJob freeing
// space under pressure) force the czar to drop the chunk immediately rather
// than wait for in-flight queries to drain.
type DeleteReplicaJob struct {
	*Base
	databases []string
	chunk     uint32
	worker    string

	mu     sync.Mutex
	result ReplicaJobResult
}

// NewDeleteReplicaJob builds a DeleteReplicaJob removing (family, chunk)
// from worker for every database.
func NewDeleteReplicaJob(id string, priority int32, family string, databases []string, chunk uint32, worker string, deps Deps) *DeleteReplicaJob {
	return &DeleteReplicaJob{
		Base:      NewBase(id, "DELETE_REPLICA", priority, family, "", deps),
		databases: databases,
		chunk:     chunk,
		worker:    worker,
		result:    ReplicaJobResult{ByDatabase: map[string]replica.Info{}},
	}
}

// Result returns the per-database replica outcomes gathered so far.
func (j *DeleteReplicaJob) Result() ReplicaJobResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

func (j *DeleteReplicaJob) Start(ctx context.Context) { j.runAsync(ctx, j.run) }

// highPriorityForceThreshold is the priority at or above which a delete's
// Qserv notification sets force=true.
const highPriorityForceThreshold = 5

func (j *DeleteReplicaJob) run(ctx context.Context) (ExtState, error) {
	var wg sync.WaitGroup
	failures := make([]bool, len(j.databases))
	for i, db := range j.databases {
		wg.Add(1)
		i, db := i, db
		reqID := uuid.NewString()
		r := request.NewDeleteRequest(reqID, j.ID, j.worker, db, j.chunk, false, true, j.Priority, j.deps.DefaultTimeout, j.deps.Sender, j.deps.ReqStore, j.deps.Clock, j.deps.TrackInterval)
		r.OnFinish(func(r *request.Request) {
			defer wg.Done()
			_, ext := r.State()
			if ext != request.ExtSuccess {
				failures[i] = true
				return
			}
			j.mu.Lock()
			j.result.ByDatabase[db] = r.ReplicaInfo()
			j.mu.Unlock()
		})
		if err := r.Start(ctx); err != nil {
			failures[i] = true
			wg.Done()
		}
	}
	wg.Wait()

	for _, failed := range failures {
		if failed {
			return ExtFailed, nil
		}
	}
	force := j.Priority >= highPriorityForceThreshold
	_ = j.deps.notifier().NotifyRemoveChunk(ctx, j.Family, j.chunk, j.worker, force)
	return ExtSuccess, nil
}
