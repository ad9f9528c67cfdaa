package job

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"shardctl/internal/chunklock"
	"shardctl/internal/config"
)

// RebalancePlanEntry is one planned single-chunk move, preserving that
// chunk's replication count (one create + one delete), per spec.md §4.4.4.
type RebalancePlanEntry struct {
	Chunk        uint32
	SourceWorker string
	DestWorker   string
}

// RebalanceJob equalizes good-chunk load across a family's workers within
// ±1 of the average, per spec.md §4.4.4.
type RebalanceJob struct {
	*Base

	family       config.DatabaseFamily
	workers      []string
	estimateOnly bool

	findAll *FindAllJob

	mu       sync.Mutex
	plan     []RebalancePlanEntry
	children []*MoveReplicaJob
}

// NewRebalanceJob builds a RebalanceJob. When estimateOnly is true, Start
// produces the Plan() but never dispatches MoveReplicaJobs.
func NewRebalanceJob(id string, priority int32, family config.DatabaseFamily, workers []string, estimateOnly bool, deps Deps) *RebalanceJob {
	return &RebalanceJob{
		Base:         NewBase(id, "REBALANCE", priority, family.Name, "", deps),
		family:       family,
		workers:      workers,
		estimateOnly: estimateOnly,
	}
}

// Plan returns the computed move plan, once planning has completed.
func (j *RebalanceJob) Plan() []RebalancePlanEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]RebalancePlanEntry(nil), j.plan...)
}

// Children returns the MoveReplicaJobs this job dispatched (empty when
// estimateOnly).
func (j *RebalanceJob) Children() []*MoveReplicaJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*MoveReplicaJob(nil), j.children...)
}

func (j *RebalanceJob) Start(ctx context.Context) { j.runAsync(ctx, j.run) }

func (j *RebalanceJob) run(ctx context.Context) (ExtState, error) {
	j.findAll = NewFindAllJob(uuid.NewString(), j.Priority, j.family, j.workers, false, j.deps)
	done := make(chan struct{})
	j.findAll.OnFinish(func() { close(done) })
	j.findAll.Start(ctx)
	<-done

	result := j.findAll.Result()
	plan := planRebalance(result, knownWorkers(j.workers, result.WorkersOK))
	j.mu.Lock()
	j.plan = plan
	j.mu.Unlock()

	if j.estimateOnly {
		return ExtSuccess, nil
	}
	if !j.execute(ctx, plan) {
		return ExtFailed, nil
	}
	return ExtSuccess, nil
}

// planRebalance computes the move plan: pick the most-loaded worker's good
// chunk that is absent from the least-loaded worker and move it there,
// repeating until every worker is within ±1 of average load or no legal
// move remains. Load here counts a worker's "good" (fully colocated,
// COMPLETE) chunks — the only replicas a move preserves one-for-one.
func planRebalance(result FindAllResult, workers []string) []RebalancePlanEntry {
	if len(workers) == 0 {
		return nil
	}

	goodChunks := map[string]map[uint32]bool{}
	for _, w := range workers {
		goodChunks[w] = map[uint32]bool{}
	}
	for chunk, byWorker := range result.IsGood {
		for w, ok := range byWorker {
			if ok {
				if _, known := goodChunks[w]; known {
					goodChunks[w][chunk] = true
				}
			}
		}
	}

	presence := map[uint32]map[string]bool{}
	for chunk, dbSet := range result.Databases {
		set := map[string]bool{}
		for db := range dbSet {
			for w := range result.Data[chunk][db] {
				set[w] = true
			}
		}
		presence[chunk] = set
	}

	loads := map[string]int{}
	total := 0
	for _, w := range workers {
		loads[w] = len(goodChunks[w])
		total += loads[w]
	}
	avg := total / len(workers)

	var plan []RebalancePlanEntry
	maxIterations := total + len(workers) + 1
	for iter := 0; iter < maxIterations; iter++ {
		hotList := loadSlice(workers, loads)
		sortByLoadDesc(hotList)
		coldList := append([]workerLoad(nil), hotList...)
		sortByLoadAsc(coldList)

		hot := hotList[0]
		cold := coldList[0]
		if absInt(loads[hot.Worker]-avg) <= 1 && absInt(loads[cold.Worker]-avg) <= 1 {
			break
		}

		var chunks []uint32
		for c := range goodChunks[hot.Worker] {
			chunks = append(chunks, c)
		}
		sort.Slice(chunks, func(i, k int) bool { return chunks[i] < chunks[k] })

		moved := false
		for _, c := range chunks {
			if presence[c][cold.Worker] {
				continue
			}
			plan = append(plan, RebalancePlanEntry{Chunk: c, SourceWorker: hot.Worker, DestWorker: cold.Worker})
			delete(goodChunks[hot.Worker], c)
			goodChunks[cold.Worker][c] = true
			if presence[c] == nil {
				presence[c] = map[string]bool{}
			}
			presence[c][cold.Worker] = true
			delete(presence[c], hot.Worker)
			loads[hot.Worker]--
			loads[cold.Worker]++
			moved = true
			break
		}
		if !moved {
			break
		}
	}
	return plan
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// execute runs one MoveReplicaJob per plan entry with bounded
// per-destination-worker concurrency, the same shape FixUpJob uses.
func (j *RebalanceJob) execute(ctx context.Context, plan []RebalancePlanEntry) bool {
	byDest := map[string][]RebalancePlanEntry{}
	for _, e := range plan {
		byDest[e.DestWorker] = append(byDest[e.DestWorker], e)
	}

	limit := j.deps.MaxConcurrentPerWorker
	if limit < 1 {
		limit = 1
	}

	var anyFailed bool
	var failMu sync.Mutex
	var wgWorkers sync.WaitGroup
	for _, entries := range byDest {
		entries := entries
		wgWorkers.Add(1)
		go func() {
			defer wgWorkers.Done()
			sem := make(chan struct{}, limit)
			var wg sync.WaitGroup
			for _, e := range entries {
				key := chunklock.Key{Family: j.Family, Chunk: e.Chunk}
				if j.deps.Locks != nil && !j.deps.Locks.TryAcquire(key, j.ID) {
					failMu.Lock()
					anyFailed = true
					failMu.Unlock()
					j.incFailedLock()
					continue
				}
				sem <- struct{}{}
				wg.Add(1)
				e := e
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					child := NewMoveReplicaJob(uuid.NewString(), j.Priority, j.family.Name, j.family.Databases, e.Chunk, e.SourceWorker, e.DestWorker, true, true, true, true, j.deps)
					j.mu.Lock()
					j.children = append(j.children, child)
					j.mu.Unlock()
					done := make(chan struct{})
					child.OnFinish(func() { close(done) })
					child.Start(ctx)
					<-done
					if _, ext := child.State(); ext != ExtSuccess {
						failMu.Lock()
						anyFailed = true
						failMu.Unlock()
					}
				}()
			}
			wg.Wait()
		}()
	}
	wgWorkers.Wait()
	return !anyFailed
}
