package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the DatabaseServices abstraction of spec.md §4.6: the
// persistence interface Jobs, Requests, and the ingest connection use for
// controller/job/request logging, the replica catalog, and the
// transaction/contribution ledger. It is a thin wrapper over *sql.DB,
// grounded on the teacher's internal/db package (plain SQL, no ORM).
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-migrated *sql.DB (see Open/Migrate).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// RegisterController records a controller's identity at process start,
// per spec.md §3 Controller: "process-wide singleton per OS process".
func (s *Store) RegisterController(ctx context.Context, id, hostname string, pid int) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO controllers(id, hostname, pid) VALUES(?,?,?)`, id, hostname, pid)
	return err
}

// LogControllerEvent appends an entry to the controller_event log (§6
// persistent state layout). kv is marshaled to JSON; a nil map logs "{}".
func (s *Store) LogControllerEvent(ctx context.Context, controllerID, task, operation, status, requestID, jobID string, kv map[string]string) error {
	if kv == nil {
		kv = map[string]string{}
	}
	b, err := json.Marshal(kv)
	if err != nil {
		return fmt.Errorf("marshal controller event kv: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO controller_events(controller_id, task, operation, status, request_id, job_id, kv)
VALUES(?,?,?,?,?,?,?)`, controllerID, task, operation, status, requestID, jobID, string(b))
	return err
}

// ControllerEvent is one row read back from the controller_event log.
type ControllerEvent struct {
	ID           int64
	ControllerID string
	Time         time.Time
	Task         string
	Operation    string
	Status       string
	RequestID    string
	JobID        string
	KV           map[string]string
}

// ReadControllerEvents returns the most recent events for controllerID, in
// descending time order, bounded by limit.
func (s *Store) ReadControllerEvents(ctx context.Context, controllerID string, limit int) ([]ControllerEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, controller_id, ts, task, operation, status, request_id, job_id, kv
FROM controller_events WHERE controller_id=? ORDER BY id DESC LIMIT ?`, controllerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ControllerEvent
	for rows.Next() {
		var e ControllerEvent
		var kvStr string
		if err := rows.Scan(&e.ID, &e.ControllerID, &e.Time, &e.Task, &e.Operation, &e.Status, &e.RequestID, &e.JobID, &kvStr); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(kvStr), &e.KV)
		out = append(out, e)
	}
	return out, rows.Err()
}

// JobRecord is the persisted view of a Job (§6 persistent state layout
// "job" table).
type JobRecord struct {
	ID         string
	Type       string
	State      string
	ExtState   string
	Family     string
	Database   string
	Priority   int
	CreatedAt  time.Time
	StartedAt  sql.NullTime
	FinishedAt sql.NullTime
	Error      string
}

// SaveJob inserts or updates a job's row by id (upsert, matching how a Job
// "writes its state to Services on transitions" per §4.4).
func (s *Store) SaveJob(ctx context.Context, j JobRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs(id, type, state, ext_state, family_name, database_name, priority, started_at, finished_at, error)
VALUES(?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET state=excluded.state, ext_state=excluded.ext_state,
  started_at=excluded.started_at, finished_at=excluded.finished_at, error=excluded.error`,
		j.ID, j.Type, j.State, j.ExtState, j.Family, j.Database, j.Priority, j.StartedAt, j.FinishedAt, j.Error)
	return err
}

// GetJob retrieves a job's persisted row.
func (s *Store) GetJob(ctx context.Context, id string) (JobRecord, error) {
	var j JobRecord
	err := s.db.QueryRowContext(ctx, `SELECT id, type, state, ext_state, family_name, database_name, priority, created_at, started_at, finished_at, error
FROM jobs WHERE id=?`, id).Scan(&j.ID, &j.Type, &j.State, &j.ExtState, &j.Family, &j.Database, &j.Priority, &j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.Error)
	return j, err
}

// RequestRecord is the persisted view of a Request (§6 "request" table).
type RequestRecord struct {
	ID         string
	JobID      string
	Worker     string
	QueuedType string
	State      string
	ExtState   string
	Priority   int
	CreatedAt  time.Time
	FinishedAt sql.NullTime
	Error      string
}

// SaveRequest upserts a request's row by id.
func (s *Store) SaveRequest(ctx context.Context, r RequestRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO requests(id, job_id, worker, queued_type, state, ext_state, priority, finished_at, error)
VALUES(?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET state=excluded.state, ext_state=excluded.ext_state,
  finished_at=excluded.finished_at, error=excluded.error`,
		r.ID, r.JobID, r.Worker, r.QueuedType, r.State, r.ExtState, r.Priority, r.FinishedAt, r.Error)
	return err
}

// GetRequest retrieves a request's persisted row.
func (s *Store) GetRequest(ctx context.Context, id string) (RequestRecord, error) {
	var r RequestRecord
	err := s.db.QueryRowContext(ctx, `SELECT id, job_id, worker, queued_type, state, ext_state, priority, created_at, finished_at, error
FROM requests WHERE id=?`, id).Scan(&r.ID, &r.JobID, &r.Worker, &r.QueuedType, &r.State, &r.ExtState, &r.Priority, &r.CreatedAt, &r.FinishedAt, &r.Error)
	return r, err
}

// RequestsForJob lists every request row owned by jobID.
func (s *Store) RequestsForJob(ctx context.Context, jobID string) ([]RequestRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, job_id, worker, queued_type, state, ext_state, priority, created_at, finished_at, error
FROM requests WHERE job_id=?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RequestRecord
	for rows.Next() {
		var r RequestRecord
		if err := rows.Scan(&r.ID, &r.JobID, &r.Worker, &r.QueuedType, &r.State, &r.ExtState, &r.Priority, &r.CreatedAt, &r.FinishedAt, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
