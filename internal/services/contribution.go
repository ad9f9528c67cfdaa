package services

import (
	"context"
	"fmt"

	"shardctl/internal/xerrors"
)

// ContributionState is the contribution FSA of spec.md §4.7: every
// contribution starts IN_PROGRESS and moves exactly once to one terminal
// state. Contribution monotonicity (spec.md §8) follows from the single
// UPDATE ... WHERE state='IN_PROGRESS' guard in each stage method below:
// once terminal, no further write can change the row's state.
type ContributionState string

const (
	ContribInProgress   ContributionState = "IN_PROGRESS"
	ContribFinished     ContributionState = "FINISHED"
	ContribCreateFailed ContributionState = "CREATE_FAILED"
	ContribStartFailed  ContributionState = "START_FAILED"
	ContribReadFailed   ContributionState = "READ_FAILED"
	ContribLoadFailed   ContributionState = "LOAD_FAILED"
	ContribCancelled    ContributionState = "CANCELLED"
)

// Contribution is the persisted view of a contributions row.
type Contribution struct {
	ID            int64
	TransactionID int64
	Worker        string
	Database      string
	Table         string
	Chunk         uint32
	IsOverlap     bool
	URL           string
	Dialect       string
	Charset       string
	Async         bool
	State         ContributionState
}

// CreateTransactionContrib inserts a new contribution row IN_PROGRESS. This
// is the "created" stage of the sequence; a failure before the row can even
// be inserted (e.g. malformed url) has no row to attach to and is reported
// directly to the caller instead of via CreateTransactionContribFailed.
func (s *Store) CreateTransactionContrib(ctx context.Context, txID int64, worker, database, table string, chunk uint32, isOverlap bool, url, dialect, charset string, async bool) (Contribution, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO contributions(transaction_id, worker, table_name, chunk, is_overlap, url, state, database, dialect, charset, async, started_at)
VALUES(?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP)`,
		txID, worker, table, chunk, boolToInt(isOverlap), url, string(ContribInProgress), database, dialect, charset, boolToInt(async))
	if err != nil {
		return Contribution{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Contribution{}, err
	}
	return Contribution{ID: id, TransactionID: txID, Worker: worker, Database: database, Table: table, Chunk: chunk,
		IsOverlap: isOverlap, URL: url, Dialect: dialect, Charset: charset, Async: async, State: ContribInProgress}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// finishContribution moves id from IN_PROGRESS to terminal state next,
// returning xerrors.ErrInternal if the row is already terminal (the
// guard that gives contribution monotonicity).
func (s *Store) finishContribution(ctx context.Context, id int64, next ContributionState, extra string, extraArgs ...any) error {
	q := `UPDATE contributions SET state=?` + extra + ` WHERE id=? AND state=?`
	args := append([]any{string(next)}, extraArgs...)
	args = append(args, id, string(ContribInProgress))
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("contribution %d not IN_PROGRESS: %w", id, xerrors.ErrInternal)
	}
	return nil
}

// CreateTransactionContribFailed marks a contribution CREATE_FAILED:
// the worker could not even open the destination table for loading.
func (s *Store) CreateTransactionContribFailed(ctx context.Context, id int64, errMsg string, retryAllowed bool) error {
	return s.finishContribution(ctx, id, ContribCreateFailed, `, error=?, retry_allowed=?`, errMsg, boolToInt(retryAllowed))
}

// StartedTransactionContrib records that the worker began reading url.
// It does not change state (still IN_PROGRESS); it is a milestone marker
// only, matching spec.md §4.7's description of "started" as a sub-stage of
// the single IN_PROGRESS window rather than its own FSA node.
func (s *Store) StartedTransactionContrib(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE contributions SET started_at=CURRENT_TIMESTAMP WHERE id=? AND state=?`, id, string(ContribInProgress))
	return err
}

// StartedTransactionContribFailed marks a contribution START_FAILED: the
// worker could not connect to or open url.
func (s *Store) StartedTransactionContribFailed(ctx context.Context, id int64, errMsg string, retryAllowed bool) error {
	return s.finishContribution(ctx, id, ContribStartFailed, `, error=?, retry_allowed=?`, errMsg, boolToInt(retryAllowed))
}

// ReadTransactionContrib records that numBytes/numRows were read from url.
func (s *Store) ReadTransactionContrib(ctx context.Context, id int64, numBytes, numRows int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE contributions SET num_bytes=?, num_rows=?, read_time=CURRENT_TIMESTAMP WHERE id=? AND state=?`,
		numBytes, numRows, id, string(ContribInProgress))
	return err
}

// ReadTransactionContribFailed marks a contribution READ_FAILED: the input
// stream broke or failed dialect parsing mid-read.
func (s *Store) ReadTransactionContribFailed(ctx context.Context, id int64, errMsg string, retryAllowed bool) error {
	return s.finishContribution(ctx, id, ContribReadFailed, `, error=?, retry_allowed=?`, errMsg, boolToInt(retryAllowed))
}

// LoadedTransactionContrib finishes a contribution successfully: the rows
// read were loaded into the worker's table.
func (s *Store) LoadedTransactionContrib(ctx context.Context, id int64, numRowsLoaded, numBadRows, numWarnings int64) error {
	return s.finishContribution(ctx, id, ContribFinished,
		`, num_rows_loaded=?, num_bad_rows=?, num_warnings=?, load_time=CURRENT_TIMESTAMP, finished_at=CURRENT_TIMESTAMP`,
		numRowsLoaded, numBadRows, numWarnings)
}

// LoadedTransactionContribFailed marks a contribution LOAD_FAILED: the rows
// were read but the destination table load (simulated LOAD DATA INFILE)
// failed.
func (s *Store) LoadedTransactionContribFailed(ctx context.Context, id int64, errMsg string, retryAllowed bool) error {
	return s.finishContribution(ctx, id, ContribLoadFailed, `, error=?, retry_allowed=?`, errMsg, boolToInt(retryAllowed))
}

// CancelTransactionContrib marks a still-in-flight contribution CANCELLED,
// e.g. because its owning transaction moved to IS_ABORTING.
func (s *Store) CancelTransactionContrib(ctx context.Context, id int64) error {
	return s.finishContribution(ctx, id, ContribCancelled, `, finished_at=CURRENT_TIMESTAMP`)
}

// GetContribution retrieves a contribution's current row.
func (s *Store) GetContribution(ctx context.Context, id int64) (Contribution, error) {
	var c Contribution
	var isOverlap, async int
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT id, transaction_id, worker, database, table_name, chunk, is_overlap, url, dialect, charset, async, state
FROM contributions WHERE id=?`, id).Scan(&c.ID, &c.TransactionID, &c.Worker, &c.Database, &c.Table, &c.Chunk, &isOverlap, &c.URL, &c.Dialect, &c.Charset, &async, &state)
	c.IsOverlap = isOverlap != 0
	c.Async = async != 0
	c.State = ContributionState(state)
	return c, err
}

// ContributionsForTransaction lists every contribution belonging to txID.
func (s *Store) ContributionsForTransaction(ctx context.Context, txID int64) ([]Contribution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, transaction_id, worker, database, table_name, chunk, is_overlap, url, dialect, charset, async, state
FROM contributions WHERE transaction_id=?`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Contribution
	for rows.Next() {
		var c Contribution
		var isOverlap, async int
		var state string
		if err := rows.Scan(&c.ID, &c.TransactionID, &c.Worker, &c.Database, &c.Table, &c.Chunk, &isOverlap, &c.URL, &c.Dialect, &c.Charset, &async, &state); err != nil {
			return nil, err
		}
		c.IsOverlap = isOverlap != 0
		c.Async = async != 0
		c.State = ContributionState(state)
		out = append(out, c)
	}
	return out, rows.Err()
}
