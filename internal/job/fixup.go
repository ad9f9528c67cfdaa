package job

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"shardctl/internal/chunklock"
	"shardctl/internal/config"
	"shardctl/internal/request"
)

// ReplicationTask is one planned (destWorker, sourceWorker, database,
// chunk) colocation fixup, per spec.md §4.4.2.
type ReplicationTask struct {
	DestWorker   string
	SourceWorker string
	Database     string
	Chunk        uint32
}

// FixUpJob restores colocation within a database family: for every chunk a
// worker partially serves (it holds some but not all of the family's
// databases for that chunk), it queues the missing replicas from a worker
// that already holds them COMPLETE.
type FixUpJob struct {
	*Base

	family  config.DatabaseFamily
	workers []string

	findAll *FindAllJob

	mu    sync.Mutex
	tasks []ReplicationTask
}

// NewFixUpJob builds a FixUpJob over family, targeting the given worker
// set (passed straight through to the FindAllJob precondition).
func NewFixUpJob(id string, priority int32, family config.DatabaseFamily, workers []string, deps Deps) *FixUpJob {
	return &FixUpJob{
		Base:    NewBase(id, "FIX_UP", priority, family.Name, "", deps),
		family:  family,
		workers: workers,
	}
}

// Tasks returns the planned ReplicationTasks, once planning has completed.
func (j *FixUpJob) Tasks() []ReplicationTask {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]ReplicationTask(nil), j.tasks...)
}

func (j *FixUpJob) Start(ctx context.Context) { j.runAsync(ctx, j.run) }

func (j *FixUpJob) run(ctx context.Context) (ExtState, error) {
	for attempt := 0; attempt <= j.deps.MaxLockRetryBudget; attempt++ {
		j.resetFailedLocks()
		j.findAll = NewFindAllJob(uuid.NewString(), j.Priority, j.family, j.workers, false, j.deps)
		done := make(chan struct{})
		j.findAll.OnFinish(func() { close(done) })
		j.findAll.Start(ctx)
		<-done

		if _, ext := j.findAll.State(); ext != ExtSuccess && len(j.findAll.Result().Data) == 0 {
			return ExtFailed, j.findAll.Err()
		}

		tasks := planFixUp(j.findAll.Result())
		j.mu.Lock()
		j.tasks = tasks
		j.mu.Unlock()

		ok := j.execute(ctx, tasks)
		if ok {
			return ExtSuccess, nil
		}
		// some chunks were lock-contended this round; self-restart once
		// more, per spec.md §4.4.2's bounded single-restart rule.
	}
	return ExtFailed, nil
}

// planFixUp implements the §4.4.2 planning rule: for every chunk and every
// database in the family, if some worker holds a COMPLETE (database,
// chunk) but another worker already serving that chunk for a different
// family database is missing it, queue a task to fill the gap.
func planFixUp(result FindAllResult) []ReplicationTask {
	var tasks []ReplicationTask
	for chunk, dbSet := range result.Databases {
		workersForChunk := map[string]bool{}
		for db := range dbSet {
			for w := range result.Data[chunk][db] {
				workersForChunk[w] = true
			}
		}

		var databases []string
		for db := range dbSet {
			databases = append(databases, db)
		}
		sort.Strings(databases)

		for _, db := range databases {
			srcCandidates := knownWorkers(result.Complete[chunk][db], result.WorkersOK)
			if len(srcCandidates) == 0 {
				continue
			}
			sort.Strings(srcCandidates)
			src := srcCandidates[0]

			have := result.Data[chunk][db]
			var dests []string
			for w := range workersForChunk {
				dests = append(dests, w)
			}
			sort.Strings(dests)

			for _, w := range dests {
				if !result.WorkersOK[w] || w == src {
					continue
				}
				if _, already := have[w]; already {
					continue
				}
				holdsOtherDB := false
				for odb := range dbSet {
					if odb == db {
						continue
					}
					if _, ok := result.Data[chunk][odb][w]; ok {
						holdsOtherDB = true
						break
					}
				}
				if !holdsOtherDB {
					continue
				}
				tasks = append(tasks, ReplicationTask{DestWorker: w, SourceWorker: src, Database: db, Chunk: chunk})
			}
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Chunk != tasks[j].Chunk {
			return tasks[i].Chunk < tasks[j].Chunk
		}
		return tasks[i].DestWorker < tasks[j].DestWorker
	})
	return tasks
}

// execute runs tasks with bounded per-destination-worker concurrency,
// skipping (not failing) any chunk whose lock is already held by another
// job. It returns true iff the queue drained with no lock contention.
func (j *FixUpJob) execute(ctx context.Context, tasks []ReplicationTask) bool {
	byDest := map[string][]ReplicationTask{}
	for _, t := range tasks {
		byDest[t.DestWorker] = append(byDest[t.DestWorker], t)
	}

	limit := j.deps.MaxConcurrentPerWorker
	if limit < 1 {
		limit = 1
	}

	var anyLockFailed bool
	var lockMu sync.Mutex
	var wgWorkers sync.WaitGroup
	for _, destTasks := range byDest {
		destTasks := destTasks
		wgWorkers.Add(1)
		go func() {
			defer wgWorkers.Done()
			sem := make(chan struct{}, limit)
			var wg sync.WaitGroup
			for _, t := range destTasks {
				key := chunklock.Key{Family: j.Family, Chunk: t.Chunk}
				if j.deps.Locks != nil && !j.deps.Locks.TryAcquire(key, j.ID) {
					lockMu.Lock()
					anyLockFailed = true
					lockMu.Unlock()
					j.incFailedLock()
					continue
				}
				sem <- struct{}{}
				wg.Add(1)
				t := t
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					j.runTask(ctx, t)
				}()
			}
			wg.Wait()
		}()
	}
	wgWorkers.Wait()
	return !anyLockFailed
}

func (j *FixUpJob) runTask(ctx context.Context, t ReplicationTask) {
	reqID := uuid.NewString()
	r := request.NewReplicateRequest(reqID, j.ID, t.DestWorker, t.SourceWorker, t.Database, t.Chunk, false, true, j.Priority, j.deps.DefaultTimeout, j.deps.Sender, j.deps.ReqStore, j.deps.Clock, j.deps.TrackInterval)
	done := make(chan struct{})
	r.OnFinish(func(*request.Request) { close(done) })
	if err := r.Start(ctx); err != nil {
		return
	}
	<-done
}
