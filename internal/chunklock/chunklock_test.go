package chunklock

import "testing"

func TestTryAcquire_ExclusiveAcrossJobs(t *testing.T) {
	r := NewRegistry()
	key := Key{Family: "f1", Chunk: 10}

	if !r.TryAcquire(key, "jobA") {
		t.Fatalf("expected jobA to acquire free lock")
	}
	if r.TryAcquire(key, "jobB") {
		t.Fatalf("expected jobB to fail acquiring lock held by jobA")
	}
	// Re-acquiring by the same owner is idempotent.
	if !r.TryAcquire(key, "jobA") {
		t.Fatalf("expected idempotent re-acquire by owner")
	}
}

func TestRelease_OnlyByOwner(t *testing.T) {
	r := NewRegistry()
	key := Key{Family: "f1", Chunk: 1}
	r.TryAcquire(key, "jobA")

	r.Release(key, "jobB") // no-op, not the owner
	if owner, held := r.OwnerOf(key); !held || owner != "jobA" {
		t.Fatalf("expected jobA to still hold lock, got owner=%q held=%v", owner, held)
	}

	r.Release(key, "jobA")
	if _, held := r.OwnerOf(key); held {
		t.Fatalf("expected lock to be free after release by owner")
	}
}

func TestReleaseAll(t *testing.T) {
	r := NewRegistry()
	keys := []Key{{Family: "f1", Chunk: 1}, {Family: "f1", Chunk: 2}, {Family: "f2", Chunk: 1}}
	for _, k := range keys {
		r.TryAcquire(k, "jobA")
	}
	r.TryAcquire(Key{Family: "f1", Chunk: 3}, "jobB")

	r.ReleaseAll("jobA")

	for _, k := range keys {
		if _, held := r.OwnerOf(k); held {
			t.Fatalf("expected %v released", k)
		}
	}
	if _, held := r.OwnerOf(Key{Family: "f1", Chunk: 3}); !held {
		t.Fatalf("expected jobB's lock to survive jobA's ReleaseAll")
	}
}

func TestNoTwoJobsHoldSameChunkLock(t *testing.T) {
	// Chunk-lock exclusion invariant (spec.md §8): at no instant do two
	// mutating jobs hold the lock for the same (family, chunk).
	r := NewRegistry()
	key := Key{Family: "f1", Chunk: 42}
	ok1 := r.TryAcquire(key, "create-job")
	ok2 := r.TryAcquire(key, "delete-job")
	if ok1 == ok2 {
		t.Fatalf("expected exactly one of two distinct jobs to acquire the lock")
	}
}
