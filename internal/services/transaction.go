package services

import (
	"context"
	"database/sql"
	"fmt"

	"shardctl/internal/namedmutex"
	"shardctl/internal/xerrors"
)

// TransactionState is one node of the super-transaction FSA, spec.md §4.7:
//
//	IS_STARTING  -> STARTED | START_FAILED
//	STARTED      -> IS_FINISHING | IS_ABORTING
//	IS_FINISHING -> FINISHED | FINISH_FAILED | IS_ABORTING
//	IS_ABORTING  -> ABORTED | ABORT_FAILED
//	{START,FINISH,ABORT}_FAILED -> IS_ABORTING
//
// FINISHED and ABORTED are terminal.
type TransactionState string

const (
	TxIsStarting   TransactionState = "IS_STARTING"
	TxStarted      TransactionState = "STARTED"
	TxStartFailed  TransactionState = "START_FAILED"
	TxIsFinishing  TransactionState = "IS_FINISHING"
	TxFinished     TransactionState = "FINISHED"
	TxFinishFailed TransactionState = "FINISH_FAILED"
	TxIsAborting   TransactionState = "IS_ABORTING"
	TxAborted      TransactionState = "ABORTED"
	TxAbortFailed  TransactionState = "ABORT_FAILED"
)

// legalTransactionMoves is the transaction FSA's adjacency list; a move not
// listed here is rejected by transitionTransaction with xerrors.ErrInternal.
var legalTransactionMoves = map[TransactionState][]TransactionState{
	TxIsStarting:   {TxStarted, TxStartFailed},
	TxStarted:      {TxIsFinishing, TxIsAborting},
	TxIsFinishing:  {TxFinished, TxFinishFailed, TxIsAborting},
	TxStartFailed:  {TxIsAborting},
	TxFinishFailed: {TxIsAborting},
	TxIsAborting:   {TxAborted, TxAbortFailed},
}

func isTerminal(st TransactionState) bool {
	return st == TxFinished || st == TxAborted
}

// Transaction is the persisted view of a super-transaction row.
type Transaction struct {
	ID       int64
	Database string
	State    TransactionState
	Context  string
}

// transactionMutexName returns the named-mutex key held across a
// transaction's state transitions (spec.md §4.7/§9: "a named mutex keyed
// transaction:<id> is held for the duration of each transition").
func transactionMutexName(id int64) string {
	return fmt.Sprintf("transaction:%d", id)
}

// CreateTransaction atomically inserts a new transaction row in
// IS_STARTING state and returns it. The caller is expected to immediately
// drive it to STARTED or START_FAILED via TransitionTransaction.
func (s *Store) CreateTransaction(ctx context.Context, database, context_ string) (Transaction, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO transactions(database, state, context, begin_time)
VALUES(?,?,?,CURRENT_TIMESTAMP)`, database, string(TxIsStarting), context_)
	if err != nil {
		return Transaction{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Transaction{}, err
	}
	if err := s.appendTransactionLog(ctx, id, TxIsStarting, "create", ""); err != nil {
		return Transaction{}, err
	}
	return Transaction{ID: id, Database: database, State: TxIsStarting, Context: context_}, nil
}

// GetTransaction retrieves a transaction's current state.
func (s *Store) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	var t Transaction
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT id, database, state, context FROM transactions WHERE id=?`, id).
		Scan(&t.ID, &t.Database, &state, &t.Context)
	t.State = TransactionState(state)
	return t, err
}

// TransitionTransaction moves transaction id to next, rejecting any move not
// present in legalTransactionMoves (FSM legality, spec.md §8). The named
// mutex "transaction:<id>" is held for the duration of the check-and-write,
// matching the teacher's pattern of serializing state writes through
// internal/namedmutex rather than relying on SQL-level locking alone.
func (s *Store) TransitionTransaction(ctx context.Context, mu *namedmutex.Registry, id int64, next TransactionState, note string) error {
	release := mu.Acquire(transactionMutexName(id))
	defer release()

	cur, err := s.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if isTerminal(cur.State) {
		return fmt.Errorf("transaction %d already terminal (%s): %w", id, cur.State, xerrors.ErrInternal)
	}
	allowed := false
	for _, st := range legalTransactionMoves[cur.State] {
		if st == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("illegal transaction transition %s -> %s: %w", cur.State, next, xerrors.ErrInternal)
	}

	var endedExpr string
	switch next {
	case TxStarted:
		endedExpr = `, start_time=CURRENT_TIMESTAMP`
	case TxFinished, TxAborted:
		endedExpr = `, end_time=CURRENT_TIMESTAMP, ended_at=CURRENT_TIMESTAMP`
	default:
		endedExpr = `, transition_time=CURRENT_TIMESTAMP`
	}
	q := `UPDATE transactions SET state=?` + endedExpr + ` WHERE id=?`
	if _, err := s.db.ExecContext(ctx, q, string(next), id); err != nil {
		return err
	}
	return s.appendTransactionLog(ctx, id, next, "transition", note)
}

func (s *Store) appendTransactionLog(ctx context.Context, id int64, state TransactionState, name, data string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO transaction_log(transaction_id, state, name, data) VALUES(?,?,?,?)`,
		id, string(state), name, data)
	return err
}

// TransactionLog is one row of a transaction's audit trail.
type TransactionLog struct {
	State sql.NullString
	Name  string
	Data  string
}

// ReadTransactionLog returns a transaction's full transition history in
// chronological order.
func (s *Store) ReadTransactionLog(ctx context.Context, id int64) ([]TransactionLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, name, data FROM transaction_log WHERE transaction_id=? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TransactionLog
	for rows.Next() {
		var l TransactionLog
		if err := rows.Scan(&l.State, &l.Name, &l.Data); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
