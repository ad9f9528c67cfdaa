package job

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"shardctl/internal/chunklock"
	"shardctl/internal/config"
)

// computeLoads returns, for every worker appearing in result, the number of
// distinct chunks it holds any replica of (across any database) — the
// "current chunk load" tie-break rule 1 of §4.4 compares planners on.
func computeLoads(result FindAllResult) map[string]int {
	loads := map[string]int{}
	for _, byDB := range result.Data {
		seen := map[string]bool{}
		for _, byWorker := range byDB {
			for w := range byWorker {
				if !seen[w] {
					seen[w] = true
					loads[w]++
				}
			}
		}
	}
	return loads
}

func loadSlice(workers []string, loads map[string]int) []workerLoad {
	out := make([]workerLoad, len(workers))
	for i, w := range workers {
		out[i] = workerLoad{Worker: w, Chunks: loads[w]}
	}
	return out
}

// ReplicateJob brings every under-replicated chunk in a family up to
// numReplicas good copies, per spec.md §4.4.3.
type ReplicateJob struct {
	*Base

	family      config.DatabaseFamily
	workers     []string
	numReplicas int

	findAll *FindAllJob

	mu       sync.Mutex
	children []*CreateReplicaJob
}

// NewReplicateJob builds a ReplicateJob. numReplicas of 0 means "use
// family.ReplicationLevel".
func NewReplicateJob(id string, priority int32, family config.DatabaseFamily, workers []string, numReplicas int, deps Deps) *ReplicateJob {
	return &ReplicateJob{
		Base:        NewBase(id, "REPLICATE", priority, family.Name, "", deps),
		family:      family,
		workers:     workers,
		numReplicas: numReplicas,
	}
}

// Children returns the CreateReplicaJobs this job dispatched.
func (j *ReplicateJob) Children() []*CreateReplicaJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*CreateReplicaJob(nil), j.children...)
}

func (j *ReplicateJob) Start(ctx context.Context) { j.runAsync(ctx, j.run) }

func (j *ReplicateJob) run(ctx context.Context) (ExtState, error) {
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
		if len(goodWorkers) >= target || len(goodWorkers) == 0 {
			continue
		}
		sort.Strings(goodWorkers)
		src := goodWorkers[0]

		goodSet := map[string]bool{}
		for _, w := range goodWorkers {
			goodSet[w] = true
		}
		var candidates []string
		for _, w := range knownWorkers(j.workers, result.WorkersOK) {
			if !goodSet[w] {
				candidates = append(candidates, w)
			}
		}
		loadsSlice := loadSlice(candidates, loads)
		sortByLoadAsc(loadsSlice)

		need := target - len(goodWorkers)
		if need > len(loadsSlice) {
			need = len(loadsSlice)
		}

		key := chunklock.Key{Family: j.Family, Chunk: chunk}
		if j.deps.Locks != nil && !j.deps.Locks.TryAcquire(key, j.ID) {
			j.incFailedLock()
			continue
		}

		for i := 0; i < need; i++ {
			dest := loadsSlice[i].Worker
			chunk, dest, src := chunk, dest, src
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				child := NewCreateReplicaJob(uuid.NewString(), j.Priority, j.family.Name, j.family.Databases, chunk, src, dest, j.deps)
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
