package job

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"shardctl/internal/clock"
	"shardctl/internal/config"
	"shardctl/internal/messenger"
	"shardctl/internal/replica"
	"shardctl/internal/services"
	"shardctl/internal/wire"
)

// fakeSender captures the onDone callback per outstanding request id so the
// test can complete FindAllRequests directly, without a real Messenger.
type fakeSender struct {
	onDone map[string]messenger.OnDone
}

func newFakeSender() *fakeSender {
	return &fakeSender{onDone: map[string]messenger.OnDone{}}
}

func (f *fakeSender) Send(worker, id string, priority int, buf []byte, onDone messenger.OnDone) error {
	f.onDone[id] = onDone
	return nil
}

func (f *fakeSender) Cancel(worker, id string) {}

// fakePersister discards everything; FindAllJob only needs a non-nil store.
type fakePersister struct{}

func (fakePersister) SaveReplicaInfo(ctx context.Context, info replica.Info) error { return nil }
func (fakePersister) SaveReplicaInfoCollection(ctx context.Context, worker, database string, collection []replica.Info) error {
	return nil
}
func (fakePersister) SaveRequest(ctx context.Context, r services.RequestRecord) error { return nil }

func testFamily() config.DatabaseFamily {
	return config.DatabaseFamily{Name: "fam1", Databases: []string{"db1", "db2"}, ReplicationLevel: 2}
}

func waitForSends(t *testing.T, sender *fakeSender, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.onDone) >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sends, got %d", want, len(sender.onDone))
}

// TestFindAllJobMergesAndDerivesColocation exercises FindAllJob.run end to
// end: it submits one FindAllRequest per (worker, database) pair, so with
// two workers and two databases, four replies are expected. Completing
// three with a COMPLETE chunk-1 copy and failing the fourth simulates one
// worker never reporting its second database, which should surface as
// WorkersOK[w]==false for that worker once every reply is in.
func TestFindAllJobMergesAndDerivesColocation(t *testing.T) {
	sender := newFakeSender()
	deps := Deps{Sender: sender, ReqStore: fakePersister{}, Clock: &clock.Wheel{}, DefaultTimeout: time.Minute, TrackInterval: time.Second}
	family := testFamily()
	workers := []string{"w1", "w2"}

	j := NewFindAllJob("findall-1", 0, family, workers, false, deps)
	done := make(chan struct{})
	j.OnFinish(func() { close(done) })
	j.Start(context.Background())

	waitForSends(t, sender, 4)
	ids := make([]string, 0, 4)
	for id := range sender.onDone {
		ids = append(ids, id)
	}

	coll, _ := json.Marshal([]replica.Info{{Chunk: 1, Status: replica.Complete}})
	for i, id := range ids {
		cb := sender.onDone[id]
		if i < 3 {
			cb(id, true, wire.Response{Header: wire.ResponseHeader{ID: id}, Status: wire.StatusSuccess, ReplicaInfoAll: coll})
		} else {
			cb(id, false, wire.Response{})
		}
	}

	<-done
	result := j.Result()
	if len(result.Data[1]) == 0 {
		t.Fatal("expected chunk 1 data to be merged from the successful replies")
	}
	okCount := 0
	for _, ok := range result.WorkersOK {
		if ok {
			okCount++
		}
	}
	if okCount != 1 {
		t.Fatalf("want exactly one worker fully OK (3 successes out of 4 sends across 2 workers), got %d: %+v", okCount, result.WorkersOK)
	}
}

func TestFindAllResultDeriveIsColocatedAndGood(t *testing.T) {
	r := newFindAllResult()
	r.Data[1] = map[string]map[string]replica.Info{
		"db1": {
			"w1": {Worker: "w1", Database: "db1", Chunk: 1, Status: replica.Complete},
			"w2": {Worker: "w2", Database: "db1", Chunk: 1, Status: replica.Complete},
		},
		"db2": {
			"w1": {Worker: "w1", Database: "db2", Chunk: 1, Status: replica.Complete},
			"w2": {Worker: "w2", Database: "db2", Chunk: 1, Status: replica.Incomplete},
		},
	}
	j := &FindAllJob{result: r}
	j.deriveLocked()

	if !j.result.IsColocated[1]["w1"] || !j.result.IsColocated[1]["w2"] {
		t.Fatalf("both workers hold both databases, want colocated: %+v", j.result.IsColocated[1])
	}
	if !j.result.IsGood[1]["w1"] {
		t.Fatal("w1 holds COMPLETE copies of both databases, want good")
	}
	if j.result.IsGood[1]["w2"] {
		t.Fatal("w2's db2 copy is INCOMPLETE, want not good")
	}
}
