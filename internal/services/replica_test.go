package services

import (
	"context"
	"database/sql"
	"testing"

	"shardctl/internal/replica"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T, name string) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestSaveReplicaInfoCollectionIdempotentResync(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "resync")

	collection := []replica.Info{
		{Chunk: 1, Status: replica.Complete},
		{Chunk: 2, Status: replica.Incomplete},
		{Chunk: 3, Status: replica.Complete},
	}
	if err := s.SaveReplicaInfoCollection(ctx, "worker1", "db1", collection); err != nil {
		t.Fatalf("first resync: %v", err)
	}
	first, err := s.FindWorkerReplicas(ctx, "worker1", "db1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("len(first) = %d, want 3", len(first))
	}

	// Applying the same collection again must leave the persisted set
	// identical (Idempotent Resync, spec.md §8).
	if err := s.SaveReplicaInfoCollection(ctx, "worker1", "db1", collection); err != nil {
		t.Fatalf("second resync: %v", err)
	}
	second, err := s.FindWorkerReplicas(ctx, "worker1", "db1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(second) != len(first) {
		t.Fatalf("len(second) = %d, want %d", len(second), len(first))
	}

	// A resync keeping only chunk 1 must delete chunks 2 and 3.
	if err := s.SaveReplicaInfoCollection(ctx, "worker1", "db1", collection[:1]); err != nil {
		t.Fatalf("shrink resync: %v", err)
	}
	shrunk, err := s.FindWorkerReplicas(ctx, "worker1", "db1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(shrunk) != 1 {
		t.Fatalf("len(shrunk) = %d, want 1", len(shrunk))
	}
	if shrunk[0].Chunk != 1 {
		t.Fatalf("shrunk[0].Chunk = %d, want 1", shrunk[0].Chunk)
	}
}

func TestActualReplicationLevel(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "replevel")

	for _, r := range []replica.Info{
		{Worker: "w1", Chunk: 1, Status: replica.Complete},
		{Worker: "w2", Chunk: 1, Status: replica.Complete},
		{Worker: "w1", Chunk: 2, Status: replica.Complete},
		{Worker: "w2", Chunk: 3, Status: replica.Incomplete},
	} {
		r.Database = "db1"
		if err := s.SaveReplicaInfo(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	hist, err := s.ActualReplicationLevel(ctx, "db1", nil)
	if err != nil {
		t.Fatalf("actual replication level: %v", err)
	}
	// chunk 1 has 2 complete replicas, chunk 2 has 1; chunk 3 is incomplete
	// and contributes nothing.
	if hist[2] != 1 {
		t.Fatalf("hist[2] = %d, want 1", hist[2])
	}
	if hist[1] != 1 {
		t.Fatalf("hist[1] = %d, want 1", hist[1])
	}
}

func TestNumOrphanChunks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "orphan")

	for _, r := range []replica.Info{
		{Worker: "w1", Chunk: 1, Status: replica.Complete},
		{Worker: "w2", Chunk: 1, Status: replica.Complete},
		{Worker: "w1", Chunk: 2, Status: replica.Complete},
	} {
		r.Database = "db1"
		if err := s.SaveReplicaInfo(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	// Chunk 1 has a replica outside w1, so it is not orphaned by removing
	// w1; chunk 2 exists only on w1, so removing w1 orphans it.
	n, err := s.NumOrphanChunks(ctx, "db1", []string{"w1"})
	if err != nil {
		t.Fatalf("num orphan chunks: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
}
