package services

import (
	"context"
	"errors"
	"testing"

	"shardctl/internal/namedmutex"
	"shardctl/internal/xerrors"
)

func TestTransactionLegalTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "tx_legal")
	mu := namedmutex.NewRegistry()

	tx, err := s.CreateTransaction(ctx, "db1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tx.State != TxIsStarting {
		t.Fatalf("state = %s, want IS_STARTING", tx.State)
	}

	if err := s.TransitionTransaction(ctx, mu, tx.ID, TxStarted, ""); err != nil {
		t.Fatalf("IS_STARTING -> STARTED: %v", err)
	}
	if err := s.TransitionTransaction(ctx, mu, tx.ID, TxIsFinishing, ""); err != nil {
		t.Fatalf("STARTED -> IS_FINISHING: %v", err)
	}
	if err := s.TransitionTransaction(ctx, mu, tx.ID, TxFinished, ""); err != nil {
		t.Fatalf("IS_FINISHING -> FINISHED: %v", err)
	}

	got, err := s.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != TxFinished {
		t.Fatalf("state = %s, want FINISHED", got.State)
	}
}

func TestTransactionIllegalTransitionRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "tx_illegal")
	mu := namedmutex.NewRegistry()

	tx, err := s.CreateTransaction(ctx, "db1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// IS_STARTING cannot jump straight to FINISHED.
	err = s.TransitionTransaction(ctx, mu, tx.ID, TxFinished, "")
	if err == nil {
		t.Fatal("expected error for illegal transition, got nil")
	}
	if !errors.Is(err, xerrors.ErrInternal) {
		t.Fatalf("err = %v, want xerrors.ErrInternal", err)
	}

	got, err := s.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != TxIsStarting {
		t.Fatalf("state = %s, want unchanged IS_STARTING", got.State)
	}
}

func TestTransactionTerminalIsFinal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "tx_terminal")
	mu := namedmutex.NewRegistry()

	tx, err := s.CreateTransaction(ctx, "db1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.TransitionTransaction(ctx, mu, tx.ID, TxStartFailed, ""); err != nil {
		t.Fatalf("IS_STARTING -> START_FAILED: %v", err)
	}
	if err := s.TransitionTransaction(ctx, mu, tx.ID, TxIsAborting, ""); err != nil {
		t.Fatalf("START_FAILED -> IS_ABORTING: %v", err)
	}
	if err := s.TransitionTransaction(ctx, mu, tx.ID, TxAborted, ""); err != nil {
		t.Fatalf("IS_ABORTING -> ABORTED: %v", err)
	}

	if err := s.TransitionTransaction(ctx, mu, tx.ID, TxStarted, ""); !errors.Is(err, xerrors.ErrInternal) {
		t.Fatalf("expected ErrInternal moving out of terminal state, got %v", err)
	}
}
