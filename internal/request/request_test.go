package request

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"shardctl/internal/clock"
	"shardctl/internal/messenger"
	"shardctl/internal/replica"
	"shardctl/internal/services"
	"shardctl/internal/wire"
)

// fakeSender captures the last onDone callback per request id so tests can
// drive it directly, simulating worker replies without a real socket.
type fakeSender struct {
	onDone    map[string]messenger.OnDone
	cancelled map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{onDone: map[string]messenger.OnDone{}, cancelled: map[string]bool{}}
}

func (f *fakeSender) Send(worker, id string, priority int, buf []byte, onDone messenger.OnDone) error {
	f.onDone[id] = onDone
	return nil
}

func (f *fakeSender) Cancel(worker, id string) {
	f.cancelled[id] = true
}

// fakePersister records saved replicas/collections/requests in memory.
type fakePersister struct {
	replicas    []replica.Info
	collections map[string][]replica.Info
	requests    map[string]services.RequestRecord
}

func newFakePersister() *fakePersister {
	return &fakePersister{collections: map[string][]replica.Info{}, requests: map[string]services.RequestRecord{}}
}

func (f *fakePersister) SaveReplicaInfo(ctx context.Context, info replica.Info) error {
	f.replicas = append(f.replicas, info)
	return nil
}

func (f *fakePersister) SaveReplicaInfoCollection(ctx context.Context, worker, database string, collection []replica.Info) error {
	f.collections[worker+"/"+database] = collection
	return nil
}

func (f *fakePersister) SaveRequest(ctx context.Context, r services.RequestRecord) error {
	f.requests[r.ID] = r
	return nil
}

func TestFindRequestSuccessPersistsReplicaInfo(t *testing.T) {
	sender := newFakeSender()
	store := newFakePersister()
	clk := &clock.Wheel{}

	r := NewFindRequest("req-1", "job-1", "w1", "db1", 7, false, false, 0, time.Minute, sender, store, clk, time.Second)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	info := replica.Info{Worker: "w1", Database: "db1", Chunk: 7, Status: replica.Complete}
	b, _ := json.Marshal(info)
	sender.onDone["req-1"]("req-1", true, wire.Response{Header: wire.ResponseHeader{ID: "req-1"}, Status: wire.StatusSuccess, ReplicaInfo: b})

	<-r.Done()
	state, ext := r.State()
	if state != Finished || ext != ExtSuccess {
		t.Fatalf("state=%s ext=%s, want FINISHED/SUCCESS", state, ext)
	}
	if len(store.replicas) != 1 || store.replicas[0].Chunk != 7 {
		t.Fatalf("replica not persisted: %+v", store.replicas)
	}
}

func TestRequestTracksWhileInProgress(t *testing.T) {
	sender := newFakeSender()
	store := newFakePersister()
	clk := &clock.Wheel{}

	r := NewReplicateRequest("req-2", "job-1", "w1", "w2", "db1", 3, false, true, 0, time.Minute, sender, store, clk, 10*time.Millisecond)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	sender.onDone["req-2"]("req-2", true, wire.Response{Status: wire.StatusInProgress})

	state, ext := r.State()
	if state != InProgress {
		t.Fatalf("state=%s ext=%s, want still IN_PROGRESS", state, ext)
	}

	// Wait for the tracking timer to re-arm the same callback, then finish it.
	time.Sleep(50 * time.Millisecond)
	cb, ok := sender.onDone["req-2"]
	if !ok {
		t.Fatal("expected tracking re-send to re-register onDone for req-2")
	}
	cb("req-2", true, wire.Response{Status: wire.StatusSuccess})

	<-r.Done()
	state, ext = r.State()
	if state != Finished || ext != ExtSuccess {
		t.Fatalf("state=%s ext=%s, want FINISHED/SUCCESS", state, ext)
	}
}

func TestRequestCancelSendsStopAndFinishes(t *testing.T) {
	sender := newFakeSender()
	store := newFakePersister()
	clk := &clock.Wheel{}

	r := NewEchoRequest("req-3", "job-1", "w1", "hi", 0, false, 0, time.Minute, sender, store, clk, time.Second)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Cancel()

	<-r.Done()
	state, ext := r.State()
	if state != Finished || ext != ExtCancelled {
		t.Fatalf("state=%s ext=%s, want FINISHED/CANCELLED", state, ext)
	}
	if !sender.cancelled["req-3"] {
		t.Fatal("expected messenger Cancel to be called")
	}
	if len(sender.onDone) != 2 {
		t.Fatalf("sent %d messages, want 2 (the request and its stop)", len(sender.onDone))
	}
}

func TestRequestTransportFailure(t *testing.T) {
	sender := newFakeSender()
	store := newFakePersister()
	clk := &clock.Wheel{}

	r := NewEchoRequest("req-4", "job-1", "w1", "hi", 0, false, 0, time.Minute, sender, store, clk, time.Second)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	sender.onDone["req-4"]("req-4", false, wire.Response{})

	<-r.Done()
	state, ext := r.State()
	if state != Finished || ext != ExtClientError {
		t.Fatalf("state=%s ext=%s, want FINISHED/CLIENT_ERROR", state, ext)
	}
}
