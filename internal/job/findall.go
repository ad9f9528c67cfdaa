package job

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"shardctl/internal/config"
	"shardctl/internal/replica"
	"shardctl/internal/request"
)

// FindAllResult is the merged, derived view of every worker's FindAll
// reply for one database family, per spec.md §4.4.1.
type FindAllResult struct {
	// Data[chunk][database][worker] is the reported replica, present only
	// for workers that actually answered with it.
	Data map[uint32]map[string]map[string]replica.Info

	// Databases[chunk] is the set of databases participating in chunk.
	Databases map[uint32]map[string]bool

	// Complete[chunk][database] lists workers holding a COMPLETE replica.
	Complete map[uint32]map[string][]string

	// IsColocated[chunk][worker] is true iff worker holds a replica of
	// chunk in every participating database.
	IsColocated map[uint32]map[string]bool

	// IsGood[chunk][worker] is IsColocated AND every one of those
	// per-database replicas is COMPLETE.
	IsGood map[uint32]map[string]bool

	// WorkersOK[worker] is true iff every FindAllRequest for that worker
	// succeeded.
	WorkersOK map[string]bool
}

func newFindAllResult() FindAllResult {
	return FindAllResult{
		Data:        map[uint32]map[string]map[string]replica.Info{},
		Databases:   map[uint32]map[string]bool{},
		Complete:    map[uint32]map[string][]string{},
		IsColocated: map[uint32]map[string]bool{},
		IsGood:      map[uint32]map[string]bool{},
		WorkersOK:   map[string]bool{},
	}
}

// FindAllJob submits one FindAllRequest per (worker, database) pair in a
// database family and merges the replies, per spec.md §4.4.1.
type FindAllJob struct {
	*Base

	family          config.DatabaseFamily
	workers         []string
	saveReplicaInfo bool

	mu     sync.Mutex
	result FindAllResult
}

// NewFindAllJob builds a FindAllJob over family's databases and the given
// worker set (the caller decides, per AllWorkers in spec.md §4.4.1, whether
// that is config.AllWorkers() or config.EnabledWorkers()).
func NewFindAllJob(id string, priority int32, family config.DatabaseFamily, workers []string, saveReplicaInfo bool, deps Deps) *FindAllJob {
	return &FindAllJob{
		Base:            NewBase(id, "FIND_ALL", priority, family.Name, "", deps),
		family:          family,
		workers:         workers,
		saveReplicaInfo: saveReplicaInfo,
		result:          newFindAllResult(),
	}
}

// Result returns the merged/derived FindAll data gathered so far; partial
// results are always available, per spec.md §4.4.1.
func (j *FindAllJob) Result() FindAllResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Start launches one FindAllRequest per (worker, database) pair and
// finishes once every reply (success or failure) has arrived.
func (j *FindAllJob) Start(ctx context.Context) {
	j.runAsync(ctx, j.run)
}

func (j *FindAllJob) run(ctx context.Context) (ExtState, error) {
	total := len(j.workers) * len(j.family.Databases)
	if total == 0 {
		return ExtSuccess, nil
	}

	var wg sync.WaitGroup
	workerOK := map[string]bool{}
	var okMu sync.Mutex
	for _, w := range j.workers {
		workerOK[w] = true
	}

	for _, w := range j.workers {
		for _, db := range j.family.Databases {
			wg.Add(1)
			w, db := w, db
			reqID := uuid.NewString()
			r := request.NewFindAllRequest(reqID, j.ID, w, db, j.saveReplicaInfo, false, j.Priority, j.deps.DefaultTimeout, j.deps.Sender, j.deps.ReqStore, j.deps.Clock, j.deps.TrackInterval)
			r.OnFinish(func(r *request.Request) {
				defer wg.Done()
				_, ext := r.State()
				okMu.Lock()
				if ext != request.ExtSuccess {
					workerOK[w] = false
				}
				okMu.Unlock()
				if ext == request.ExtSuccess {
					j.merge(w, db, r.Collection())
				}
			})
			if err := r.Start(ctx); err != nil {
				okMu.Lock()
				workerOK[w] = false
				okMu.Unlock()
				wg.Done()
			}
		}
	}
	wg.Wait()

	j.mu.Lock()
	for w, ok := range workerOK {
		j.result.WorkersOK[w] = ok
	}
	j.deriveLocked()
	success := true
	for _, ok := range j.result.WorkersOK {
		if !ok {
			success = false
			break
		}
	}
	j.mu.Unlock()

	if !success {
		return ExtFailed, nil
	}
	return ExtSuccess, nil
}

func (j *FindAllJob) merge(worker, database string, collection []replica.Info) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, info := range collection {
		chunk := info.Chunk
		if j.result.Data[chunk] == nil {
			j.result.Data[chunk] = map[string]map[string]replica.Info{}
		}
		if j.result.Data[chunk][database] == nil {
			j.result.Data[chunk][database] = map[string]replica.Info{}
		}
		j.result.Data[chunk][database][worker] = info
	}
}

// deriveLocked computes Databases/Complete/IsColocated/IsGood from Data.
// j.mu must be held.
func (j *FindAllJob) deriveLocked() {
	for chunk, byDB := range j.result.Data {
		dbSet := map[string]bool{}
		for db := range byDB {
			dbSet[db] = true
		}
		j.result.Databases[chunk] = dbSet

		complete := map[string][]string{}
		workerDBCount := map[string]int{}
		workerHasIncomplete := map[string]bool{}
		for db, byWorker := range byDB {
			for w, info := range byWorker {
				workerDBCount[w]++
				if info.Status == replica.Complete {
					complete[db] = append(complete[db], w)
				} else {
					workerHasIncomplete[w] = true
				}
			}
		}
		j.result.Complete[chunk] = complete

		isColocated := map[string]bool{}
		isGood := map[string]bool{}
		for w, count := range workerDBCount {
			colocated := count == len(dbSet)
			isColocated[w] = colocated
			isGood[w] = colocated && !workerHasIncomplete[w]
		}
		j.result.IsColocated[chunk] = isColocated
		j.result.IsGood[chunk] = isGood
	}
}
