package job

import (
	"context"

	"github.com/google/uuid"
)

// MoveReplicaJob moves one chunk from sourceWorker to destWorker within a
// family: a CreateReplicaJob, then — if purge is true and the create
// succeeded — a DeleteReplicaJob on sourceWorker, per spec.md §4.4.5.
type MoveReplicaJob struct {
	*Base
	databases    []string
	chunk        uint32
	sourceWorker string
	destWorker   string
	purge        bool
	knownFamily  bool

	create *CreateReplicaJob
	delete *DeleteReplicaJob
}

// NewMoveReplicaJob builds a MoveReplicaJob. knownFamily/sourceEnabled/
// destEnabled let the caller supply the precondition checks spec.md §4.4.5
// requires (family known, both workers enabled) without this package
// depending on internal/config directly.
func NewMoveReplicaJob(id string, priority int32, family string, databases []string, chunk uint32, sourceWorker, destWorker string, purge bool, knownFamily, sourceEnabled, destEnabled bool, deps Deps) *MoveReplicaJob {
	j := &MoveReplicaJob{
		Base:         NewBase(id, "MOVE_REPLICA", priority, family, "", deps),
		databases:    databases,
		chunk:        chunk,
		sourceWorker: sourceWorker,
		destWorker:   destWorker,
		purge:        purge,
		knownFamily:  knownFamily && sourceEnabled && destEnabled,
	}
	return j
}

func (j *MoveReplicaJob) Start(ctx context.Context) { j.runAsync(ctx, j.run) }

func (j *MoveReplicaJob) run(ctx context.Context) (ExtState, error) {
	if j.sourceWorker == j.destWorker || !j.knownFamily {
		return ExtConfigError, errConfigf("move replica %d: precondition failed (source=%s dest=%s family=%s)", j.chunk, j.sourceWorker, j.destWorker, j.Family)
	}

	j.create = NewCreateReplicaJob(uuid.NewString(), j.Priority, j.Family, j.databases, j.chunk, j.sourceWorker, j.destWorker, j.deps)
	createDone := make(chan struct{})
	j.create.OnFinish(func() { close(createDone) })
	j.create.Start(ctx)
	<-createDone

	_, createExt := j.create.State()
	if createExt != ExtSuccess {
		return createExt, j.create.Err()
	}
	if !j.purge {
		return ExtSuccess, nil
	}

	j.delete = NewDeleteReplicaJob(uuid.NewString(), j.Priority, j.Family, j.databases, j.chunk, j.sourceWorker, j.deps)
	deleteDone := make(chan struct{})
	j.delete.OnFinish(func() { close(deleteDone) })
	j.delete.Start(ctx)
	<-deleteDone

	_, deleteExt := j.delete.State()
	return deleteExt, j.delete.Err()
}

// CreateResult returns the CreateReplicaJob child's aggregated result, once
// it has run.
func (j *MoveReplicaJob) CreateResult() ReplicaJobResult {
	if j.create == nil {
		return ReplicaJobResult{}
	}
	return j.create.Result()
}

// DeleteResult returns the DeleteReplicaJob child's aggregated result, if
// purge was requested and it ran.
func (j *MoveReplicaJob) DeleteResult() ReplicaJobResult {
	if j.delete == nil {
		return ReplicaJobResult{}
	}
	return j.delete.Result()
}
