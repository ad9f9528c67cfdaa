package job

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"shardctl/internal/chunklock"
	"shardctl/internal/config"
)

// PurgeJob reduces every over-replicated chunk in a family down to
// numReplicas good copies, per spec.md §4.4.6 (symmetric to ReplicateJob:
// it removes redundant copies from the most-loaded holder instead of
// adding copies to the least-loaded non-holder).
type PurgeJob struct {
	*Base

	family      config.DatabaseFamily
	workers     []string
	numReplicas int

	findAll *FindAllJob

	mu       sync.Mutex
	children []*DeleteReplicaJob
}

// NewPurgeJob builds a PurgeJob. numReplicas of 0 means "use
// family.ReplicationLevel".
func NewPurgeJob(id string, priority int32, family config.DatabaseFamily, workers []string, numReplicas int, deps Deps) *PurgeJob {
	return &PurgeJob{
		Base:        NewBase(id, "PURGE", priority, family.Name, "", deps),
		family:      family,
		workers:     workers,
		numReplicas: numReplicas,
	}
}

// Children returns the DeleteReplicaJobs this job dispatched.
func (j *PurgeJob) Children() []*DeleteReplicaJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*DeleteReplicaJob(nil), j.children...)
}

func (j *PurgeJob) Start(ctx context.Context) { j.runAsync(ctx, j.run) }

func (j *PurgeJob) run(ctx context.Context) (ExtState, error) {
	j.findAll = NewFindAllJob(uuid.NewString(), j.Priority, j.family, j.workers, false, j.deps)
	done := make(chan struct{})
	j.findAll.OnFinish(func() { close(done) })
	j.findAll.Start(ctx)
	<-done

	target := j.numReplicas
	if target <= 0 {
		target = j.family.ReplicationLevel
	}
	result := j.findAll.Result()
	loads := computeLoads(result)

	limit := j.deps.MaxConcurrentPerWorker
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	var anyFailed bool
	var failMu sync.Mutex

	var chunks []uint32
	for c := range result.Databases {
		chunks = append(chunks, c)
	}
	sort.Slice(chunks, func(i, k int) bool { return chunks[i] < chunks[k] })

	for _, chunk := range chunks {
		good := result.IsGood[chunk]
		var goodWorkers []string
		for w, ok := range good {
			if ok {
				goodWorkers = append(goodWorkers, w)
			}
		}
		if len(goodWorkers) <= target {
			continue
		}
		loadsSlice := loadSlice(goodWorkers, loads)
		sortByLoadDesc(loadsSlice)
		excess := len(goodWorkers) - target

		key := chunklock.Key{Family: j.Family, Chunk: chunk}
		if j.deps.Locks != nil && !j.deps.Locks.TryAcquire(key, j.ID) {
			j.incFailedLock()
			continue
		}

		for i := 0; i < excess; i++ {
			victim := loadsSlice[i].Worker
			chunk, victim := chunk, victim
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				child := NewDeleteReplicaJob(uuid.NewString(), j.Priority, j.family.Name, j.family.Databases, chunk, victim, j.deps)
				j.mu.Lock()
				j.children = append(j.children, child)
				j.mu.Unlock()
				childDone := make(chan struct{})
				child.OnFinish(func() { close(childDone) })
				child.Start(ctx)
				<-childDone
				if _, ext := child.State(); ext != ExtSuccess {
					failMu.Lock()
					anyFailed = true
					failMu.Unlock()
				}
			}()
		}
	}
	wg.Wait()

	if anyFailed {
		return ExtFailed, nil
	}
	return ExtSuccess, nil
}
