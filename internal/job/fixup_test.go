package job

import (
	"testing"

	"shardctl/internal/replica"
)

func buildResult() FindAllResult {
	r := newFindAllResult()
	// chunk 1: db1 COMPLETE on w1 and w2; db2 COMPLETE only on w1. w2 holds
	// db1 for chunk 1 and should be flagged missing db2.
	r.Data[1] = map[string]map[string]replica.Info{
		"db1": {
			"w1": {Worker: "w1", Database: "db1", Chunk: 1, Status: replica.Complete},
			"w2": {Worker: "w2", Database: "db1", Chunk: 1, Status: replica.Complete},
		},
		"db2": {
			"w1": {Worker: "w1", Database: "db2", Chunk: 1, Status: replica.Complete},
		},
	}
	r.Databases[1] = map[string]bool{"db1": true, "db2": true}
	r.Complete[1] = map[string][]string{"db1": {"w1", "w2"}, "db2": {"w1"}}
	r.WorkersOK["w1"] = true
	r.WorkersOK["w2"] = true
	return r
}

func TestPlanFixUpQueuesMissingColocation(t *testing.T) {
	r := buildResult()
	tasks := planFixUp(r)
	if len(tasks) != 1 {
		t.Fatalf("tasks=%v, want exactly 1", tasks)
	}
	task := tasks[0]
	if task.Chunk != 1 || task.Database != "db2" || task.DestWorker != "w2" || task.SourceWorker != "w1" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestPlanFixUpSkipsUnknownWorkerAsSource(t *testing.T) {
	r := buildResult()
	r.WorkersOK["w1"] = false // the only COMPLETE db2 holder is now "unknown"
	tasks := planFixUp(r)
	if len(tasks) != 0 {
		t.Fatalf("tasks=%v, want none (no known source)", tasks)
	}
}

func TestPlanFixUpNoOpWhenAlreadyColocated(t *testing.T) {
	r := buildResult()
	r.Data[1]["db2"]["w2"] = replica.Info{Worker: "w2", Database: "db2", Chunk: 1, Status: replica.Complete}
	tasks := planFixUp(r)
	if len(tasks) != 0 {
		t.Fatalf("tasks=%v, want none once w2 already has db2", tasks)
	}
}
