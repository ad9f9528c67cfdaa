package job

import (
	"testing"

	"shardctl/internal/replica"
)

// buildRebalanceResult gives w1 four good chunks and w2 none, across two
// workers, so a rebalance should move chunks from w1 to w2.
func buildRebalanceResult() (FindAllResult, []string) {
	r := newFindAllResult()
	workers := []string{"w1", "w2"}
	for _, w := range workers {
		r.WorkersOK[w] = true
	}
	for c := uint32(1); c <= 4; c++ {
		r.Data[c] = map[string]map[string]replica.Info{
			"db1": {"w1": {Worker: "w1", Database: "db1", Chunk: c, Status: replica.Complete}},
		}
		r.Databases[c] = map[string]bool{"db1": true}
		r.Complete[c] = map[string][]string{"db1": {"w1"}}
		r.IsGood[c] = map[string]bool{"w1": true}
	}
	return r, workers
}

func TestPlanRebalanceEqualizesLoad(t *testing.T) {
	r, workers := buildRebalanceResult()
	plan := planRebalance(r, workers)
	if len(plan) == 0 {
		t.Fatal("expected a non-empty plan")
	}
	for _, e := range plan {
		if e.SourceWorker != "w1" || e.DestWorker != "w2" {
			t.Fatalf("unexpected move: %+v", e)
		}
	}
	// avg = 4/2 = 2: after one move w1 holds 3 and w2 holds 1, both within
	// ±1 of avg, so planning stops after 1 move.
	if len(plan) != 1 {
		t.Fatalf("plan has %d entries, want 1", len(plan))
	}
}

func TestPlanRebalanceNoMoveWhenAlreadyBalanced(t *testing.T) {
	r := newFindAllResult()
	workers := []string{"w1", "w2"}
	for _, w := range workers {
		r.WorkersOK[w] = true
	}
	for c := uint32(1); c <= 2; c++ {
		holder := "w1"
		if c == 2 {
			holder = "w2"
		}
		r.Data[c] = map[string]map[string]replica.Info{
			"db1": {holder: {Worker: holder, Database: "db1", Chunk: c, Status: replica.Complete}},
		}
		r.Databases[c] = map[string]bool{"db1": true}
		r.IsGood[c] = map[string]bool{holder: true}
	}
	plan := planRebalance(r, workers)
	if len(plan) != 0 {
		t.Fatalf("plan=%v, want empty (already balanced)", plan)
	}
}
