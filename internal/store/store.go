package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"briefline/internal/domain"
)

// Store owns all persisted queue state. Every mutating operation runs as a
// single transaction on the underlying SQLite engine.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func New(db *sql.DB) *Store {
	return &Store{DB: db, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) nowString() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Enqueue persists a submission, deduplicating on (file_id, content_hash).
// A prior succeeded job short-circuits with its stored result; a live
// queued/processing job reports already_queued. The insert itself is guarded
// by the unique partial index on (dedupe_key, content_hash), so two
// concurrent enqueues produce one row and both return its job id.
func (s *Store) Enqueue(ctx context.Context, fileID string, payload []byte, priority, maxAttempts int) (domain.EnqueueResult, error) {
	if fileID == "" {
		return domain.EnqueueResult{}, errors.New("file_id is required")
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	hash, err := ContentHash(payload)
	if err != nil {
		return domain.EnqueueResult{}, err
	}

	if res, ok, err := s.findExisting(ctx, fileID, hash); err != nil {
		return domain.EnqueueResult{}, err
	} else if ok {
		return res, nil
	}
	return s.insertJob(ctx, fileID, hash, payload, priority, maxAttempts)
}

// insertJob runs the guarded insert. A conflict on the live-job index means a
// concurrent enqueue won between the dedupe check and the insert; the
// winner's job is surfaced instead of an error.
func (s *Store) insertJob(ctx context.Context, fileID, hash string, payload []byte, priority, maxAttempts int) (domain.EnqueueResult, error) {
	id := uuid.New().String()
	now := s.nowString()
	res, err := s.DB.ExecContext(ctx, `INSERT INTO jobs(id,file_id,dedupe_key,content_hash,payload,priority,state,attempts,max_attempts,created_at,updated_at)
VALUES (?,?,?,?,?,?,'queued',0,?,?,?)
ON CONFLICT(dedupe_key,content_hash) WHERE state IN ('queued','processing') DO NOTHING`,
		id, fileID, fileID, hash, string(payload), priority, maxAttempts, now, now)
	if err != nil {
		return domain.EnqueueResult{}, fmt.Errorf("insert job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, ok, err := s.findExisting(ctx, fileID, hash)
		if err != nil {
			return domain.EnqueueResult{}, err
		}
		if !ok {
			return domain.EnqueueResult{}, fmt.Errorf("enqueue race lost but no live job for %s", fileID)
		}
		return existing, nil
	}
	return domain.EnqueueResult{JobID: id, Status: domain.EnqueueEnqueued}, nil
}

func (s *Store) findExisting(ctx context.Context, fileID, hash string) (domain.EnqueueResult, bool, error) {
	var id, state string
	var result sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT id,state,result FROM jobs
WHERE dedupe_key=? AND content_hash=? AND state IN ('queued','processing','succeeded')
ORDER BY created_at DESC LIMIT 1`, fileID, hash).Scan(&id, &state, &result)
	if err == sql.ErrNoRows {
		return domain.EnqueueResult{}, false, nil
	}
	if err != nil {
		return domain.EnqueueResult{}, false, err
	}
	if state == string(domain.JobSucceeded) {
		res := domain.EnqueueResult{JobID: id, Status: domain.EnqueueAlreadyCompleted}
		if result.Valid {
			res.Result = &result.String
		}
		return res, true, nil
	}
	return domain.EnqueueResult{JobID: id, Status: domain.EnqueueAlreadyQueued}, true, nil
}

const jobColumns = `id,file_id,dedupe_key,content_hash,payload,priority,state,attempts,max_attempts,error,result,created_at,updated_at,locked_at,worker_id`

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var payload string
	var errMsg, result, lockedAt, workerID sql.NullString
	err := scan(&j.ID, &j.FileID, &j.DedupeKey, &j.ContentHash, &payload, &j.Priority, &j.State,
		&j.Attempts, &j.MaxAttempts, &errMsg, &result, &j.CreatedAt, &j.UpdatedAt, &lockedAt, &workerID)
	if err != nil {
		return j, err
	}
	j.Payload = []byte(payload)
	if errMsg.Valid {
		j.Error = &errMsg.String
	}
	if result.Valid {
		j.Result = &result.String
	}
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.String
	}
	if workerID.Valid {
		j.WorkerID = &workerID.String
	}
	return j, nil
}

// ClaimNext atomically transitions the highest-priority oldest queued job to
// processing for the given worker. The update compares on state='queued'; a
// lost race returns nil and the caller polls again.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*domain.Job, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state='queued'
ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.nowString()
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET state='processing', locked_at=?, worker_id=?, updated_at=?
WHERE id=? AND state='queued'`, now, workerID, now, j.ID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	j.State = domain.JobProcessing
	j.LockedAt = &now
	j.WorkerID = &workerID
	j.UpdatedAt = now
	return &j, nil
}

// CompleteJob finishes a processing cycle: succeeded, queued (retry), failed
// or dead. Lock fields are cleared; attempts and max_attempts are preserved
// across retries.
func (s *Store) CompleteJob(ctx context.Context, jobID string, outcome domain.JobState, result, errMsg *string) error {
	switch outcome {
	case domain.JobSucceeded, domain.JobQueued, domain.JobFailed, domain.JobDead:
	default:
		return fmt.Errorf("invalid job outcome %s", outcome)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET state=?, result=COALESCE(?,result), error=?, locked_at=NULL, worker_id=NULL, updated_at=?
WHERE id=?`, string(outcome), nullableStringPtr(result), nullableStringPtr(errMsg), s.nowString(), jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementAttempt bumps the job attempt counter and appends the audit row
// with the new number, in one transaction.
func (s *Store) IncrementAttempt(ctx context.Context, jobID string, providerID, modelID *string, success bool, errMsg *string) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := s.nowString()
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET attempts=attempts+1, updated_at=? WHERE id=?`, now, jobID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var attemptNo int
	if err := tx.QueryRowContext(ctx, `SELECT attempts FROM jobs WHERE id=?`, jobID).Scan(&attemptNo); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO job_attempts(job_id,attempt_no,provider_id,model_id,started_at,finished_at,success,error)
VALUES (?,?,?,?,?,?,?,?)`,
		jobID, attemptNo, nullableStringPtr(providerID), nullableStringPtr(modelID), now, now, boolInt(success), nullableStringPtr(errMsg)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return attemptNo, nil
}

// RecoverStale moves processing jobs whose lock is older than timeout back to
// failed so a live worker can re-enqueue them. Returns the number recovered.
func (s *Store) RecoverStale(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-timeout).Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx, `UPDATE jobs SET state='failed', error='timed out', locked_at=NULL, worker_id=NULL, updated_at=?
WHERE state='processing' AND locked_at < ?`, s.nowString(), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SweepFailed routes failed jobs through the retry policy: back to queued
// while attempts remain, dead otherwise. Stale recovery parks a crashed
// worker's jobs in failed; this sweep is what returns them to the queue.
func (s *Store) SweepFailed(ctx context.Context) (requeued, dead int, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	now := s.nowString()
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET state='queued', updated_at=?
WHERE state='failed' AND attempts < max_attempts`, now)
	if err != nil {
		return 0, 0, err
	}
	nq, _ := res.RowsAffected()
	res, err = tx.ExecContext(ctx, `UPDATE jobs SET state='dead', updated_at=?
WHERE state='failed'`, now)
	if err != nil {
		return 0, 0, err
	}
	nd, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return int(nq), int(nd), nil
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	return j, err
}

type JobFilters struct {
	State           string
	FileID          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (s *Store) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.FileID != "" {
		clauses = append(clauses, "file_id=?")
		args = append(args, f.FileID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (s *Store) ListAttempts(ctx context.Context, jobID string) ([]domain.JobAttempt, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,job_id,attempt_no,provider_id,model_id,started_at,finished_at,success,error
FROM job_attempts WHERE job_id=? ORDER BY attempt_no ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobAttempt
	for rows.Next() {
		var a domain.JobAttempt
		var providerID, modelID, finishedAt, errMsg sql.NullString
		var success int
		if err := rows.Scan(&a.ID, &a.JobID, &a.AttemptNo, &providerID, &modelID, &a.StartedAt, &finishedAt, &success, &errMsg); err != nil {
			return nil, err
		}
		a.Success = success != 0
		if providerID.Valid {
			a.ProviderID = &providerID.String
		}
		if modelID.Valid {
			a.ModelID = &modelID.String
		}
		if finishedAt.Valid {
			a.FinishedAt = &finishedAt.String
		}
		if errMsg.Valid {
			a.Error = &errMsg.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// QueueStats returns job counts per state.
func (s *Store) QueueStats(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT state, count(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
