package services

import (
	"context"
	"database/sql"
	"errors"
)

// TableRowStat is one row of the table_row_stats ledger: how many rows a
// chunk (or chunk overlap) of a table held as of its last ingest.
type TableRowStat struct {
	Database  string
	Table     string
	Chunk     uint32
	IsOverlap bool
	NumRows   int64
}

// SaveTableRowStats upserts a chunk's row count, recorded by the ingest
// path once a contribution finishes loading (spec.md §4.7.1).
func (s *Store) SaveTableRowStats(ctx context.Context, stat TableRowStat) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO table_row_stats(database, table_name, chunk, is_overlap, num_rows, updated_at)
VALUES(?,?,?,?,?,CURRENT_TIMESTAMP)
ON CONFLICT(database, table_name, chunk, is_overlap) DO UPDATE SET num_rows=excluded.num_rows, updated_at=CURRENT_TIMESTAMP`,
		stat.Database, stat.Table, stat.Chunk, boolToInt(stat.IsOverlap), stat.NumRows)
	return err
}

// TableRowStats retrieves a chunk's row count, if recorded.
func (s *Store) TableRowStats(ctx context.Context, database, table string, chunk uint32, isOverlap bool) (TableRowStat, bool, error) {
	var stat TableRowStat
	var overlap int
	err := s.db.QueryRowContext(ctx, `SELECT database, table_name, chunk, is_overlap, num_rows FROM table_row_stats
WHERE database=? AND table_name=? AND chunk=? AND is_overlap=?`, database, table, chunk, boolToInt(isOverlap)).
		Scan(&stat.Database, &stat.Table, &stat.Chunk, &overlap, &stat.NumRows)
	if errors.Is(err, sql.ErrNoRows) {
		return TableRowStat{}, false, nil
	}
	if err != nil {
		return TableRowStat{}, false, err
	}
	stat.IsOverlap = overlap != 0
	return stat, true, nil
}

// DeleteTableRowStats removes a chunk's row-count row, e.g. after the chunk
// is deleted from every worker.
func (s *Store) DeleteTableRowStats(ctx context.Context, database, table string, chunk uint32, isOverlap bool) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM table_row_stats WHERE database=? AND table_name=? AND chunk=? AND is_overlap=?`,
		database, table, chunk, boolToInt(isOverlap))
	return err
}
