package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// maxUpdateAttempts bounds the optimistic-concurrency retry loop on
// read-modify-write updates.
const maxUpdateAttempts = 5

// PostgresStore persists workers and jobs in postgres. Rows are stored as
// JSONB documents keyed by name/id, in the same shape the API serves.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	if logger == nil {
		logger = slog.Default()
	}
	s := &PostgresStore{db: db, logger: logger}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS buildfarm_workers (
    name TEXT PRIMARY KEY,
    data JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS buildfarm_jobs (
    id TEXT PRIMARY KEY,
    data JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS buildfarm_worker_events (
    id TEXT PRIMARY KEY,
    worker_name TEXT NOT NULL REFERENCES buildfarm_workers(name) ON DELETE CASCADE,
    state TEXT NOT NULL,
    message TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS buildfarm_jobs_status_idx ON buildfarm_jobs ((data->>'status'));
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) GetWorker(ctx context.Context, name string) (Worker, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM buildfarm_workers WHERE name=$1`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Worker{}, ErrNotFound
	}
	if err != nil {
		return Worker{}, fmt.Errorf("get worker %s: %w", name, err)
	}
	var w Worker
	if err := json.Unmarshal(raw, &w); err != nil {
		return Worker{}, fmt.Errorf("decode worker %s: %w", name, err)
	}
	return w, nil
}

func (s *PostgresStore) ListWorkers(ctx context.Context) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM buildfarm_workers ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []Worker
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var w Worker
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// UpsertWorker registers or replaces a worker record.
func (s *PostgresStore) UpsertWorker(ctx context.Context, w Worker) (Worker, error) {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	if w.CleanStatus == "" {
		w.CleanStatus = CleanStatusDirty
	}
	if err := s.saveWorker(ctx, &w); err != nil {
		return Worker{}, err
	}
	return w, nil
}

// updateWorker applies fn under optimistic concurrency: the UPDATE only
// lands if the row's updated_at still matches what was read, so a worker's
// scanner and the clean-confirm API handler cannot silently overwrite each
// other's writes.
func (s *PostgresStore) updateWorker(ctx context.Context, name string, fn func(w *Worker)) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var raw []byte
		var seen time.Time
		err := s.db.QueryRowContext(ctx,
			`SELECT data, updated_at FROM buildfarm_workers WHERE name=$1`, name).Scan(&raw, &seen)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get worker %s: %w", name, err)
		}
		var w Worker
		if err := json.Unmarshal(raw, &w); err != nil {
			return fmt.Errorf("decode worker %s: %w", name, err)
		}
		fn(&w)
		w.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&w)
		if err != nil {
			return err
		}
		res, err := s.db.ExecContext(ctx, `UPDATE buildfarm_workers
SET data=$1, updated_at=$2 WHERE name=$3 AND updated_at=$4`,
			out, w.UpdatedAt, name, seen)
		if err != nil {
			return fmt.Errorf("save worker %s: %w", name, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return nil
		}
		// Lost the race against a concurrent writer; re-read and retry.
	}
	return fmt.Errorf("update worker %s: too many concurrent writers", name)
}

func (s *PostgresStore) saveWorker(ctx context.Context, w *Worker) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO buildfarm_workers (name, data, created_at, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (name) DO UPDATE SET
	data = EXCLUDED.data,
	updated_at = EXCLUDED.updated_at`,
		w.Name, raw, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save worker %s: %w", w.Name, err)
	}
	return nil
}

func (s *PostgresStore) SetCleanStatus(ctx context.Context, name string, status CleanStatus) error {
	return s.updateWorker(ctx, name, func(w *Worker) { w.CleanStatus = status })
}

func (s *PostgresStore) FailWorker(ctx context.Context, name, notes string) error {
	err := s.updateWorker(ctx, name, func(w *Worker) {
		w.OK = false
		w.FailNotes = notes
	})
	if err == nil {
		s.AppendEvent(ctx, name, "FAILED", notes)
	}
	return err
}

func (s *PostgresStore) RecordWorkerFailure(ctx context.Context, name string) (int, error) {
	var count int
	err := s.updateWorker(ctx, name, func(w *Worker) {
		w.FailureCount++
		count = w.FailureCount
	})
	return count, err
}

func (s *PostgresStore) ResetWorkerFailures(ctx context.Context, name string) error {
	return s.updateWorker(ctx, name, func(w *Worker) { w.FailureCount = 0 })
}

func (s *PostgresStore) AppendEvent(ctx context.Context, name, state, message string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buildfarm_worker_events (id, worker_name, state, message, created_at)
VALUES ($1,$2,$3,$4,$5)`,
		uuid.NewString(), name, state, message, time.Now().UTC())
	if err != nil {
		s.logger.Error("append worker event", "worker", name, "state", state, "error", err)
	}
}

// Events returns the recorded lifecycle events for a worker.
func (s *PostgresStore) Events(ctx context.Context, name string) []WorkerEvent {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, message, created_at FROM buildfarm_worker_events
WHERE worker_name=$1 ORDER BY created_at ASC`, name)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var events []WorkerEvent
	for rows.Next() {
		var ev WorkerEvent
		if err := rows.Scan(&ev.ID, &ev.State, &ev.Message, &ev.CreatedAt); err != nil {
			continue
		}
		ev.WorkerName = name
		events = append(events, ev)
	}
	return events
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (BuildJob, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM buildfarm_jobs WHERE id=$1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return BuildJob{}, ErrNotFound
	}
	if err != nil {
		return BuildJob{}, fmt.Errorf("get job %s: %w", id, err)
	}
	var j BuildJob
	if err := json.Unmarshal(raw, &j); err != nil {
		return BuildJob{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job BuildJob) (BuildJob, error) {
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobStatusNeedsBuild
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if err := s.saveJob(ctx, &job); err != nil {
		return BuildJob{}, err
	}
	return job, nil
}

func (s *PostgresStore) NextCandidate(ctx context.Context, workerName string) (*BuildJob, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM buildfarm_jobs
WHERE data->>'status' = $1 AND (data->>'workerName') IS NULL
ORDER BY created_at ASC LIMIT 1`, string(JobStatusNeedsBuild)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select candidate: %w", err)
	}
	var j BuildJob
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// updateJob mirrors updateWorker's optimistic concurrency for job rows.
func (s *PostgresStore) updateJob(ctx context.Context, id string, fn func(j *BuildJob)) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var raw []byte
		var seen time.Time
		err := s.db.QueryRowContext(ctx,
			`SELECT data, updated_at FROM buildfarm_jobs WHERE id=$1`, id).Scan(&raw, &seen)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get job %s: %w", id, err)
		}
		var j BuildJob
		if err := json.Unmarshal(raw, &j); err != nil {
			return fmt.Errorf("decode job %s: %w", id, err)
		}
		fn(&j)
		j.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&j)
		if err != nil {
			return err
		}
		res, err := s.db.ExecContext(ctx, `UPDATE buildfarm_jobs
SET data=$1, updated_at=$2 WHERE id=$3 AND updated_at=$4`,
			out, j.UpdatedAt, id, seen)
		if err != nil {
			return fmt.Errorf("save job %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return nil
		}
	}
	return fmt.Errorf("update job %s: too many concurrent writers", id)
}

func (s *PostgresStore) saveJob(ctx context.Context, j *BuildJob) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO buildfarm_jobs (id, data, created_at, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET
	data = EXCLUDED.data,
	updated_at = EXCLUDED.updated_at`,
		j.ID, raw, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

func (s *PostgresStore) AssignJob(ctx context.Context, jobID, workerName string) error {
	if err := s.updateJob(ctx, jobID, func(j *BuildJob) {
		j.WorkerName = workerName
		j.Status = JobStatusBuilding
	}); err != nil {
		return err
	}
	return s.updateWorker(ctx, workerName, func(w *Worker) { w.CurrentJobID = jobID })
}

func (s *PostgresStore) detachJob(ctx context.Context, jobID string, fn func(j *BuildJob)) error {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.WorkerName != "" {
		err := s.updateWorker(ctx, j.WorkerName, func(w *Worker) {
			if w.CurrentJobID == jobID {
				w.CurrentJobID = ""
			}
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return s.updateJob(ctx, jobID, func(j *BuildJob) {
		j.WorkerName = ""
		if fn != nil {
			fn(j)
		}
	})
}

func (s *PostgresStore) ResetJob(ctx context.Context, jobID string) error {
	return s.detachJob(ctx, jobID, func(j *BuildJob) {
		j.Status = JobStatusNeedsBuild
		j.LogTail = ""
	})
}

func (s *PostgresStore) ReleaseJob(ctx context.Context, jobID string) error {
	return s.detachJob(ctx, jobID, nil)
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	return s.updateJob(ctx, jobID, func(j *BuildJob) { j.Status = status })
}

func (s *PostgresStore) CollectStatus(ctx context.Context, jobID, logTail string) error {
	return s.updateJob(ctx, jobID, func(j *BuildJob) { j.LogTail = logTail })
}

func (s *PostgresStore) RecordJobFailure(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.updateJob(ctx, jobID, func(j *BuildJob) {
		j.FailureCount++
		count = j.FailureCount
	})
	return count, err
}

var _ Store = (*PostgresStore)(nil)
