package services

import (
	"context"
	"database/sql"
	"sort"

	"shardctl/internal/replica"
)

// SaveReplicaInfo upserts a single replica's catalog row and its file list,
// per spec.md §4.6 Catalog. Existing files for the replica are replaced
// wholesale with info.Files (simplest form of resync for a single replica).
func (s *Store) SaveReplicaInfo(ctx context.Context, info replica.Info) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := saveReplicaTx(ctx, tx, info); err != nil {
		return err
	}
	return tx.Commit()
}

func saveReplicaTx(ctx context.Context, tx *sql.Tx, info replica.Info) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO replicas(worker, database, chunk, status, verify_time)
VALUES(?,?,?,?,?)
ON CONFLICT(worker, database, chunk) DO UPDATE SET status=excluded.status, verify_time=excluded.verify_time`,
		info.Worker, info.Database, info.Chunk, string(statusName(info.Status)), info.VerifyTime)
	if err != nil {
		return err
	}
	var replicaID int64
	if id, err := res.LastInsertId(); err == nil && id != 0 {
		replicaID = id
	} else {
		if err := tx.QueryRowContext(ctx, `SELECT id FROM replicas WHERE worker=? AND database=? AND chunk=?`,
			info.Worker, info.Database, info.Chunk).Scan(&replicaID); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM replica_files WHERE replica_id=?`, replicaID); err != nil {
		return err
	}
	for _, f := range info.Files {
		if _, err := tx.ExecContext(ctx, `INSERT INTO replica_files(replica_id, name, size, mtime, cs, begin_transfer_time, end_transfer_time, in_size)
VALUES(?,?,?,?,?,?,?,?)`, replicaID, f.Name, f.Size, f.MTime, f.CS, f.BeginTransferTime, f.EndTransferTime, f.InSize); err != nil {
			return err
		}
	}
	return nil
}

// SaveReplicaInfoCollection resyncs the catalog for (worker, database):
// replicas absent from collection are deleted, present-but-new are
// inserted, present-and-existing are updated. Applying the same collection
// twice in a row is a no-op on the second application (Idempotent Resync,
// spec.md §8), since each step is itself idempotent.
func (s *Store) SaveReplicaInfoCollection(ctx context.Context, worker, database string, collection []replica.Info) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	keep := make(map[uint32]bool, len(collection))
	for _, info := range collection {
		keep[info.Chunk] = true
	}

	rows, err := tx.QueryContext(ctx, `SELECT chunk FROM replicas WHERE worker=? AND database=?`, worker, database)
	if err != nil {
		return err
	}
	var existing []uint32
	for rows.Next() {
		var c uint32
		if err := rows.Scan(&c); err != nil {
			rows.Close()
			return err
		}
		existing = append(existing, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range existing {
		if !keep[c] {
			if _, err := tx.ExecContext(ctx, `DELETE FROM replicas WHERE worker=? AND database=? AND chunk=?`, worker, database, c); err != nil {
				return err
			}
		}
	}
	for _, info := range collection {
		info.Worker, info.Database = worker, database
		if err := saveReplicaTx(ctx, tx, info); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func statusName(st replica.Status) string {
	switch st {
	case replica.Complete:
		return "COMPLETE"
	case replica.Incomplete:
		return "INCOMPLETE"
	case replica.Corrupt:
		return "CORRUPT"
	default:
		return "NOT_FOUND"
	}
}

func statusFromName(s string) replica.Status {
	switch s {
	case "COMPLETE":
		return replica.Complete
	case "INCOMPLETE":
		return replica.Incomplete
	case "CORRUPT":
		return replica.Corrupt
	default:
		return replica.NotFound
	}
}

func scanReplicaRows(rows *sql.Rows) ([]replica.Info, error) {
	defer rows.Close()
	var out []replica.Info
	for rows.Next() {
		var info replica.Info
		var status string
		var verify sql.NullInt64
		if err := rows.Scan(&info.Worker, &info.Database, &info.Chunk, &status, &verify); err != nil {
			return nil, err
		}
		info.Status = statusFromName(status)
		if verify.Valid {
			info.VerifyTime = verify.Int64
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// FindReplicas returns every replica of chunk in database, optionally
// restricted to enabled workers only.
func (s *Store) FindReplicas(ctx context.Context, database string, chunk uint32, enabledOnly bool) ([]replica.Info, error) {
	return s.FindReplicasMulti(ctx, database, []uint32{chunk}, enabledOnly)
}

// FindReplicasMulti is the chunks[] overload of FindReplicas.
func (s *Store) FindReplicasMulti(ctx context.Context, database string, chunks []uint32, enabledOnly bool) ([]replica.Info, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	placeholders := make([]any, 0, len(chunks)+2)
	placeholders = append(placeholders, database)
	q := `SELECT r.worker, r.database, r.chunk, r.status, r.verify_time FROM replicas r WHERE r.database=? AND r.chunk IN (`
	for i, c := range chunks {
		if i > 0 {
			q += ","
		}
		q += "?"
		placeholders = append(placeholders, c)
	}
	q += ")"
	if enabledOnly {
		q += ` AND r.worker IN (SELECT name FROM workers WHERE enabled=1)`
	}
	rows, err := s.db.QueryContext(ctx, q, placeholders...)
	if err != nil {
		return nil, err
	}
	return scanReplicaRows(rows)
}

// FindWorkerReplicas lists every replica database holds on worker.
func (s *Store) FindWorkerReplicas(ctx context.Context, worker, database string) ([]replica.Info, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT worker, database, chunk, status, verify_time FROM replicas WHERE worker=? AND database=?`, worker, database)
	if err != nil {
		return nil, err
	}
	return scanReplicaRows(rows)
}

// NumWorkerReplicas counts database's replicas on worker.
func (s *Store) NumWorkerReplicas(ctx context.Context, worker, database string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM replicas WHERE worker=? AND database=?`, worker, database).Scan(&n)
	return n, err
}

// FindDatabaseChunks returns the distinct, sorted chunk numbers that have at
// least one replica anywhere for database.
func (s *Store) FindDatabaseChunks(ctx context.Context, database string) ([]uint32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT chunk FROM replicas WHERE database=?`, database)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var c uint32
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// FindDatabaseReplicas returns every replica on file for database, across
// all workers.
func (s *Store) FindDatabaseReplicas(ctx context.Context, database string) ([]replica.Info, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT worker, database, chunk, status, verify_time FROM replicas WHERE database=?`, database)
	if err != nil {
		return nil, err
	}
	return scanReplicaRows(rows)
}

// FindOldestReplicas returns up to limit replicas for database ordered by
// ascending verify_time (NULLs first), the candidates a FixUp sweep should
// re-verify first.
func (s *Store) FindOldestReplicas(ctx context.Context, database string, limit int) ([]replica.Info, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT worker, database, chunk, status, verify_time FROM replicas
WHERE database=? ORDER BY verify_time IS NOT NULL, verify_time ASC LIMIT ?`, database, limit)
	if err != nil {
		return nil, err
	}
	return scanReplicaRows(rows)
}

// ActualReplicationLevel returns a histogram mapping "number of COMPLETE
// replicas" to "number of chunks with that many", for database, excluding
// the given workers from consideration (spec.md §4.6 Analytics).
func (s *Store) ActualReplicationLevel(ctx context.Context, database string, excludeWorkers []string) (map[int]int, error) {
	excluded := make(map[string]bool, len(excludeWorkers))
	for _, w := range excludeWorkers {
		excluded[w] = true
	}
	rows, err := s.db.QueryContext(ctx, `SELECT worker, chunk, status FROM replicas WHERE database=?`, database)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[uint32]int{}
	for rows.Next() {
		var worker, status string
		var chunk uint32
		if err := rows.Scan(&worker, &chunk, &status); err != nil {
			return nil, err
		}
		if excluded[worker] || statusFromName(status) != replica.Complete {
			continue
		}
		counts[chunk]++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	hist := map[int]int{}
	for _, n := range counts {
		hist[n]++
	}
	return hist, nil
}

// NumOrphanChunks counts chunks of database whose only COMPLETE replicas
// live on workers in uniqueOnWorkers: chunks that would be left with zero
// replicas if those workers were decommissioned.
func (s *Store) NumOrphanChunks(ctx context.Context, database string, uniqueOnWorkers []string) (int, error) {
	unique := make(map[string]bool, len(uniqueOnWorkers))
	for _, w := range uniqueOnWorkers {
		unique[w] = true
	}
	rows, err := s.db.QueryContext(ctx, `SELECT worker, chunk, status FROM replicas WHERE database=?`, database)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	onlyUnique := map[uint32]bool{}
	seen := map[uint32]bool{}
	for rows.Next() {
		var worker, status string
		var chunk uint32
		if err := rows.Scan(&worker, &chunk, &status); err != nil {
			return 0, err
		}
		if statusFromName(status) != replica.Complete {
			continue
		}
		if !seen[chunk] {
			seen[chunk] = true
			onlyUnique[chunk] = true
		}
		if !unique[worker] {
			onlyUnique[chunk] = false
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	n := 0
	for _, v := range onlyUnique {
		if v {
			n++
		}
	}
	return n, nil
}
