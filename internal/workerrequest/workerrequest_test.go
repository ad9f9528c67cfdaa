package workerrequest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"shardctl/internal/config"
	"shardctl/internal/replica"
	"shardctl/internal/wire"
)

func testWorker(t *testing.T) config.Worker {
	t.Helper()
	dataDir := t.TempDir()
	loaderDir := t.TempDir()
	return config.Worker{Name: "w1", DataDir: dataDir, LoaderDir: loaderDir, Enabled: true}
}

func submitAndWait(t *testing.T, e *Executor, env wire.Envelope) *Task {
	t.Helper()
	task := e.Submit(env)
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish in time")
	}
	return task
}

func TestFindReportsCompleteForFrmAndMyd(t *testing.T) {
	w := testWorker(t)
	dbDir := filepath.Join(w.DataDir, "db1")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"Object_123.frm", "Object_123.MYD"} {
		if err := os.WriteFile(filepath.Join(dbDir, name), []byte("data"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	e := New(w, nil, 2)
	defer e.Close()

	body, _ := json.Marshal(wire.RequestFind{Database: "db1", Chunk: 123, ComputeCs: true})
	task := submitAndWait(t, e, wire.Envelope{Header: wire.RequestHeader{ID: "r1", Type: wire.TypeQueued, QueuedType: wire.ReplicaFind}, Body: body})

	state, ext, resp := task.Status()
	if state != Finished || ext != ExtSuccess {
		t.Fatalf("state=%s ext=%s, want FINISHED/SUCCESS", state, ext)
	}
	var info replica.Info
	if err := json.Unmarshal(resp.ReplicaInfo, &info); err != nil {
		t.Fatalf("decode replica info: %v", err)
	}
	if info.Status != replica.Complete {
		t.Fatalf("status=%s, want COMPLETE", info.Status)
	}
	if len(info.Files) != 2 {
		t.Fatalf("files=%d, want 2", len(info.Files))
	}
	for _, f := range info.Files {
		if f.CS == "" {
			t.Fatalf("file %s missing checksum", f.Name)
		}
	}
}

func TestFindReportsNotFoundForMissingChunk(t *testing.T) {
	w := testWorker(t)
	e := New(w, nil, 1)
	defer e.Close()

	body, _ := json.Marshal(wire.RequestFind{Database: "db1", Chunk: 7})
	task := submitAndWait(t, e, wire.Envelope{Header: wire.RequestHeader{ID: "r2", Type: wire.TypeQueued, QueuedType: wire.ReplicaFind}, Body: body})

	_, _, resp := task.Status()
	var info replica.Info
	if err := json.Unmarshal(resp.ReplicaInfo, &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Status != replica.NotFound {
		t.Fatalf("status=%s, want NOT_FOUND", info.Status)
	}
}

func TestDeleteRemovesAllChunkFiles(t *testing.T) {
	w := testWorker(t)
	dbDir := filepath.Join(w.DataDir, "db1")
	os.MkdirAll(dbDir, 0o755)
	names := []string{"Object_5.frm", "Object_5.MYD", "Object_5.MYI"}
	for _, name := range names {
		os.WriteFile(filepath.Join(dbDir, name), []byte("x"), 0o644)
	}

	e := New(w, nil, 1)
	defer e.Close()

	body, _ := json.Marshal(wire.RequestDelete{Database: "db1", Chunk: 5})
	task := submitAndWait(t, e, wire.Envelope{Header: wire.RequestHeader{ID: "r3", Type: wire.TypeQueued, QueuedType: wire.ReplicaDelete}, Body: body})

	state, ext, _ := task.Status()
	if state != Finished || ext != ExtSuccess {
		t.Fatalf("state=%s ext=%s, want FINISHED/SUCCESS", state, ext)
	}
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(dbDir, name)); err == nil {
			t.Fatalf("file %s was not removed", name)
		}
	}
}

func TestDeleteMissingChunkFails(t *testing.T) {
	w := testWorker(t)
	e := New(w, nil, 1)
	defer e.Close()

	body, _ := json.Marshal(wire.RequestDelete{Database: "db1", Chunk: 9})
	task := submitAndWait(t, e, wire.Envelope{Header: wire.RequestHeader{ID: "r4", Type: wire.TypeQueued, QueuedType: wire.ReplicaDelete}, Body: body})

	state, ext, resp := task.Status()
	if state != Finished || ext != ExtFailed {
		t.Fatalf("state=%s ext=%s, want FINISHED/FAILED", state, ext)
	}
	if resp.StatusExt != wire.ExtNotFound {
		t.Fatalf("statusExt=%s, want NOT_FOUND", resp.StatusExt)
	}
}

// fakeFetcher serves a single worker's in-memory file set, simulating
// internal/filesvc's GET plus the reserved manifest pseudo-file.
type fakeFetcher struct {
	files map[string][]byte
	col   replica.Collection
}

func (f *fakeFetcher) Fetch(ctx context.Context, sourceWorker, database string, chunk uint32, name string) ([]byte, error) {
	if name == manifestName {
		return json.Marshal(f.col)
	}
	return f.files[name], nil
}

func TestReplicatePullsFilesAndRenamesIntoPlace(t *testing.T) {
	w := testWorker(t)
	info := replica.Info{Worker: "src", Database: "db1", Chunk: 42, Status: replica.Complete, Files: []replica.FileInfo{
		{Name: "Object_42.frm", Size: 3},
		{Name: "Object_42.MYD", Size: 5},
	}}
	fetcher := &fakeFetcher{
		files: map[string][]byte{"Object_42.frm": []byte("frm"), "Object_42.MYD": []byte("mydat")},
		col:   replica.Collection{Worker: "src", Database: "db1", Replicas: []replica.Info{info}},
	}

	e := New(w, fetcher, 1)
	defer e.Close()

	body, _ := json.Marshal(wire.RequestReplicate{Database: "db1", Chunk: 42, WorkerSource: "src"})
	task := submitAndWait(t, e, wire.Envelope{Header: wire.RequestHeader{ID: "r5", Type: wire.TypeQueued, QueuedType: wire.ReplicaCreate}, Body: body})

	state, ext, resp := task.Status()
	if state != Finished || ext != ExtSuccess {
		t.Fatalf("state=%s ext=%s resp=%+v, want FINISHED/SUCCESS", state, ext, resp)
	}
	dbDir := filepath.Join(w.DataDir, "db1")
	for name, want := range fetcher.files {
		got, err := os.ReadFile(filepath.Join(dbDir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(got) != string(want) {
			t.Fatalf("file %s content mismatch", name)
		}
	}
	entries, _ := os.ReadDir(w.LoaderDir)
	if len(entries) != 0 {
		t.Fatalf("loader dir not cleaned up: %v", entries)
	}
}

func TestReplicateMissingOnSourceFails(t *testing.T) {
	w := testWorker(t)
	fetcher := &fakeFetcher{files: map[string][]byte{}, col: replica.Collection{Worker: "src", Database: "db1"}}
	e := New(w, fetcher, 1)
	defer e.Close()

	body, _ := json.Marshal(wire.RequestReplicate{Database: "db1", Chunk: 99, WorkerSource: "src"})
	task := submitAndWait(t, e, wire.Envelope{Header: wire.RequestHeader{ID: "r6", Type: wire.TypeQueued, QueuedType: wire.ReplicaCreate}, Body: body})

	state, ext, resp := task.Status()
	if state != Finished || ext != ExtFailed {
		t.Fatalf("state=%s ext=%s, want FINISHED/FAILED", state, ext)
	}
	if resp.StatusExt != wire.ExtNotFound {
		t.Fatalf("statusExt=%s, want NOT_FOUND", resp.StatusExt)
	}
}

func TestEchoReturnsData(t *testing.T) {
	w := testWorker(t)
	e := New(w, nil, 1)
	defer e.Close()

	body, _ := json.Marshal(wire.RequestEcho{Data: "hello"})
	task := submitAndWait(t, e, wire.Envelope{Header: wire.RequestHeader{ID: "r7", Type: wire.TypeQueued, QueuedType: wire.TestEcho}, Body: body})

	_, _, resp := task.Status()
	if string(resp.Data) != "hello" {
		t.Fatalf("data=%q, want %q", resp.Data, "hello")
	}
}

func TestStopCancelsOutstandingTask(t *testing.T) {
	w := testWorker(t)
	e := New(w, nil, 1)
	defer e.Close()

	body, _ := json.Marshal(wire.RequestEcho{Data: "slow", Delay: 200})
	task := e.Submit(wire.Envelope{Header: wire.RequestHeader{ID: "r8", Type: wire.TypeQueued, QueuedType: wire.TestEcho}, Body: body})

	if !e.Stop("r8") {
		t.Fatal("expected Stop to find the task")
	}

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish after stop")
	}
	state, ext, _ := task.Status()
	if state != Finished || ext != ExtCancelled {
		t.Fatalf("state=%s ext=%s, want FINISHED/CANCELLED", state, ext)
	}
}
