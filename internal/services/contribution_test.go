package services

import (
	"context"
	"errors"
	"testing"

	"shardctl/internal/xerrors"
)

func TestContributionHappyPath(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "contrib_happy")

	tx, err := s.CreateTransaction(ctx, "db1", "")
	if err != nil {
		t.Fatalf("create tx: %v", err)
	}
	c, err := s.CreateTransactionContrib(ctx, tx.ID, "w1", "db1", "Object", 5, false, "http://w1/x.csv", "csv", "utf8", true)
	if err != nil {
		t.Fatalf("create contrib: %v", err)
	}
	if c.State != ContribInProgress {
		t.Fatalf("state = %s, want IN_PROGRESS", c.State)
	}
	if err := s.StartedTransactionContrib(ctx, c.ID); err != nil {
		t.Fatalf("started: %v", err)
	}
	if err := s.ReadTransactionContrib(ctx, c.ID, 1024, 10); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := s.LoadedTransactionContrib(ctx, c.ID, 10, 0, 0); err != nil {
		t.Fatalf("loaded: %v", err)
	}

	got, err := s.GetContribution(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != ContribFinished {
		t.Fatalf("state = %s, want FINISHED", got.State)
	}
}

func TestContributionMonotonicity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "contrib_mono")

	tx, err := s.CreateTransaction(ctx, "db1", "")
	if err != nil {
		t.Fatalf("create tx: %v", err)
	}
	c, err := s.CreateTransactionContrib(ctx, tx.ID, "w1", "db1", "Object", 5, false, "http://w1/x.csv", "csv", "utf8", false)
	if err != nil {
		t.Fatalf("create contrib: %v", err)
	}
	if err := s.ReadTransactionContribFailed(ctx, c.ID, "boom", true); err != nil {
		t.Fatalf("read failed: %v", err)
	}

	// Once terminal, no further stage method may move it again.
	if err := s.LoadedTransactionContrib(ctx, c.ID, 1, 0, 0); !errors.Is(err, xerrors.ErrInternal) {
		t.Fatalf("expected ErrInternal after terminal state, got %v", err)
	}

	got, err := s.GetContribution(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != ContribReadFailed {
		t.Fatalf("state = %s, want READ_FAILED", got.State)
	}
}
