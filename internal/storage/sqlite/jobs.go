package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/untoldecay/treeline/internal/jobs"
	"github.com/untoldecay/treeline/internal/storage"
)

// queryer is satisfied by both *sql.DB and *sql.Conn so the same query
// helpers serve autocommit reads and statements pinned inside a write
// transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// jobColumns is the select list every job query shares, in scanJob order.
const jobColumns = `id, status, requester_email, repository_name, repository_url,
	target_commit_hash, priority, attempts, duration_seconds, error_message,
	error_breakdown, formatted_replacements, landed_commit_id, created_at, updated_at`

func placeholders(n int) string {
	marks := make([]string, n)
	for i := range marks {
		marks[i] = "?"
	}
	return strings.Join(marks, ",")
}

func breakdownJSON(b *jobs.ErrorBreakdown) (any, error) {
	if b == nil {
		return nil, nil
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode error breakdown: %w", err)
	}
	return string(raw), nil
}

func replacementsJSON(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode formatted replacements: %w", err)
	}
	return string(raw), nil
}

func scanJob(row interface{ Scan(dest ...any) error }) (*jobs.LandingJob, error) {
	var (
		job          jobs.LandingJob
		status       string
		breakdown    sql.NullString
		replacements sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(
		&job.ID, &status, &job.RequesterEmail, &job.RepositoryName, &job.RepositoryURL,
		&job.TargetCommitHash, &job.Priority, &job.Attempts, &job.DurationSeconds, &job.ErrorMessage,
		&breakdown, &replacements, &job.LandedCommitID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = jobs.Status(status)
	if breakdown.Valid && breakdown.String != "" {
		var b jobs.ErrorBreakdown
		if err := json.Unmarshal([]byte(breakdown.String), &b); err != nil {
			return nil, fmt.Errorf("failed to decode error breakdown for job %d: %w", job.ID, err)
		}
		job.ErrorBreakdown = &b
	}
	if replacements.Valid && replacements.String != "" {
		if err := json.Unmarshal([]byte(replacements.String), &job.FormattedReplacements); err != nil {
			return nil, fmt.Errorf("failed to decode formatted replacements for job %d: %w", job.ID, err)
		}
	}
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return &job, nil
}

func loadPath(ctx context.Context, q queryer, job *jobs.LandingJob) error {
	rows, err := q.QueryContext(ctx, `
		SELECT revision_id, diff_id FROM landing_job_revisions
		WHERE job_id = ?
		ORDER BY idx
	`, job.ID)
	if err != nil {
		return fmt.Errorf("failed to query landing path for job %d: %w", job.ID, err)
	}
	defer rows.Close()

	job.Path = nil
	for rows.Next() {
		var e jobs.PathEntry
		if err := rows.Scan(&e.RevisionID, &e.DiffID); err != nil {
			return fmt.Errorf("failed to scan landing path entry: %w", err)
		}
		job.Path = append(job.Path, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating landing path: %w", err)
	}
	return nil
}

func getJob(ctx context.Context, q queryer, id int64) (*jobs.LandingJob, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM landing_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, storage.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %d: %w", id, err)
	}
	if err := loadPath(ctx, q, job); err != nil {
		return nil, err
	}
	return job, nil
}

// insertJob persists a job and its ordered landing path, assigning job.ID.
// A zero CreatedAt is stamped with the current time; a non-zero one is kept
// so tests and seeding tools can backdate queue entries.
func insertJob(ctx context.Context, q queryer, job *jobs.LandingJob) (int64, error) {
	if job.Status == "" {
		job.Status = jobs.StatusSubmitted
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	breakdown, err := breakdownJSON(job.ErrorBreakdown)
	if err != nil {
		return 0, err
	}
	replacements, err := replacementsJSON(job.FormattedReplacements)
	if err != nil {
		return 0, err
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO landing_jobs (
			status, status_weight, requester_email, repository_name, repository_url,
			target_commit_hash, priority, attempts, duration_seconds, error_message,
			error_breakdown, formatted_replacements, landed_commit_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(job.Status), job.Status.Weight(), job.RequesterEmail, job.RepositoryName, job.RepositoryURL,
		job.TargetCommitHash, job.Priority, job.Attempts, job.DurationSeconds, job.ErrorMessage,
		breakdown, replacements, job.LandedCommitID, formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert landing job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted job id: %w", err)
	}
	job.ID = id

	for i, e := range job.Path {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO landing_job_revisions (job_id, idx, revision_id, diff_id)
			VALUES (?, ?, ?, ?)
		`, id, i, e.RevisionID, e.DiffID); err != nil {
			return 0, fmt.Errorf("failed to insert landing path entry for job %d: %w", id, err)
		}
	}
	return id, nil
}

func saveJob(ctx context.Context, q queryer, job *jobs.LandingJob) error {
	breakdown, err := breakdownJSON(job.ErrorBreakdown)
	if err != nil {
		return err
	}
	replacements, err := replacementsJSON(job.FormattedReplacements)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `
		UPDATE landing_jobs SET
			status = ?, status_weight = ?, priority = ?, attempts = ?,
			duration_seconds = ?, error_message = ?, error_breakdown = ?,
			formatted_replacements = ?, landed_commit_id = ?, target_commit_hash = ?,
			updated_at = ?
		WHERE id = ?
	`,
		string(job.Status), job.Status.Weight(), job.Priority, job.Attempts,
		job.DurationSeconds, job.ErrorMessage, breakdown,
		replacements, job.LandedCommitID, job.TargetCommitHash,
		formatTime(job.UpdatedAt), job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job %d: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of job %d: %w", job.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("job %d: %w", job.ID, storage.ErrJobNotFound)
	}
	return nil
}

func jobsForRevisions(ctx context.Context, q queryer, revisionIDs []int, statuses []jobs.Status) ([]*jobs.LandingJob, error) {
	if len(revisionIDs) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(revisionIDs)+len(statuses))
	for _, id := range revisionIDs {
		args = append(args, id)
	}
	query := `SELECT ` + jobColumns + ` FROM landing_jobs
		WHERE id IN (
			SELECT DISTINCT job_id FROM landing_job_revisions
			WHERE revision_id IN (` + placeholders(len(revisionIDs)) + `)
		)`
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs by revision: %w", err)
	}

	// Drain before loading paths: a pinned transaction connection allows
	// only one active statement.
	var out []*jobs.LandingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	rows.Close()

	for _, job := range out {
		if err := loadPath(ctx, q, job); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func nextActiveJob(ctx context.Context, q queryer, repositories []string, cutoff time.Time) (*jobs.LandingJob, error) {
	if len(repositories) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(jobs.ActiveStatuses)+len(repositories)+1)
	for _, s := range jobs.ActiveStatuses {
		args = append(args, string(s))
	}
	for _, r := range repositories {
		args = append(args, r)
	}
	args = append(args, formatTime(cutoff))

	query := `SELECT ` + jobColumns + ` FROM landing_jobs
		WHERE status IN (` + placeholders(len(jobs.ActiveStatuses)) + `)
		  AND repository_name IN (` + placeholders(len(repositories)) + `)
		  AND created_at <= ?
		ORDER BY status_weight DESC, priority DESC, created_at ASC, id ASC
		LIMIT 1`

	job, err := scanJob(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query landing queue: %w", err)
	}
	if err := loadPath(ctx, q, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (t *sqliteTx) GetJob(ctx context.Context, id int64) (*jobs.LandingJob, error) {
	return getJob(ctx, t.conn, id)
}

func (t *sqliteTx) InsertJob(ctx context.Context, job *jobs.LandingJob) (int64, error) {
	return insertJob(ctx, t.conn, job)
}

func (t *sqliteTx) SaveJob(ctx context.Context, job *jobs.LandingJob) error {
	return saveJob(ctx, t.conn, job)
}

func (t *sqliteTx) JobsForRevisions(ctx context.Context, revisionIDs []int, statuses []jobs.Status) ([]*jobs.LandingJob, error) {
	return jobsForRevisions(ctx, t.conn, revisionIDs, statuses)
}

func (t *sqliteTx) NextActiveJob(ctx context.Context, repositories []string, cutoff time.Time) (*jobs.LandingJob, error) {
	return nextActiveJob(ctx, t.conn, repositories, cutoff)
}

// CreateJob inserts a job and its landing path in one transaction. The
// submission endpoint goes through AddJobWithRevisions instead so the
// overlap check and the insert share a write lock.
func (s *SQLiteStorage) CreateJob(ctx context.Context, job *jobs.LandingJob) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		_, err := tx.InsertJob(ctx, job)
		return err
	})
}

func (s *SQLiteStorage) GetJob(ctx context.Context, id int64) (*jobs.LandingJob, error) {
	return getJob(ctx, s.db, id)
}

// NextJobForUpdate claims the head of the queue for the given repositories.
// The query and the status flip share one write transaction, so concurrent
// workers each end up with a different job. A job already IN_PROGRESS was
// left behind by a crashed worker and is resumed rather than claimed.
func (s *SQLiteStorage) NextJobForUpdate(ctx context.Context, repositories []string, grace time.Duration) (*jobs.LandingJob, error) {
	var claimed *jobs.LandingJob
	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		job, err := tx.NextActiveJob(ctx, repositories, time.Now().UTC().Add(-grace))
		if err != nil || job == nil {
			return err
		}
		if job.Status == jobs.StatusInProgress {
			err = job.Resume()
		} else {
			err = job.Claim()
		}
		if err != nil {
			return err
		}
		if err := tx.SaveJob(ctx, job); err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Transition applies a state-machine action and persists the result.
func (s *SQLiteStorage) Transition(ctx context.Context, id int64, action jobs.Action, fields jobs.TransitionFields) (*jobs.LandingJob, error) {
	var out *jobs.LandingJob
	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		job, err := tx.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if err := job.Apply(action, fields); err != nil {
			return err
		}
		if err := tx.SaveJob(ctx, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelJob cancels a job on behalf of its requester. The ownership check
// runs inside the transaction so a cancel racing a claim sees the final
// status: once the worker's claim commits, the job is IN_PROGRESS and the
// transition table rejects the cancel.
func (s *SQLiteStorage) CancelJob(ctx context.Context, id int64, requesterEmail string) (*jobs.LandingJob, error) {
	var out *jobs.LandingJob
	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		job, err := tx.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if job.RequesterEmail != requesterEmail {
			return fmt.Errorf("job %d: %w", id, storage.ErrNotOwner)
		}
		if err := job.Apply(jobs.ActionCancel, jobs.TransitionFields{}); err != nil {
			return err
		}
		if err := tx.SaveJob(ctx, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStorage) JobsForRevisions(ctx context.Context, revisionIDs []int, statuses []jobs.Status) ([]*jobs.LandingJob, error) {
	return jobsForRevisions(ctx, s.db, revisionIDs, statuses)
}

// ActiveJobCount counts the queued and running jobs against a repository.
func (s *SQLiteStorage) ActiveJobCount(ctx context.Context, repository string) (int, error) {
	args := []any{repository}
	for _, st := range jobs.ActiveStatuses {
		args = append(args, string(st))
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM landing_jobs
		WHERE repository_name = ? AND status IN (`+placeholders(len(jobs.ActiveStatuses))+`)
	`, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs for %s: %w", repository, err)
	}
	return count, nil
}

// AddJobWithRevisions is the submission critical section. The overlap
// re-check, the insert and the patch upload all happen under the write
// lock; racing submitters for the same stack serialise here and the loser
// gets ErrStackInProgress. An upload failure rolls the insert back so no
// job row ever points at missing patches.
func (s *SQLiteStorage) AddJobWithRevisions(ctx context.Context, job *jobs.LandingJob, upload func(ctx context.Context, job *jobs.LandingJob) error) (int64, error) {
	var id int64
	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		active, err := tx.JobsForRevisions(ctx, job.RevisionIDs(), jobs.ActiveStatuses)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return storage.ErrStackInProgress
		}
		id, err = tx.InsertJob(ctx, job)
		if err != nil {
			return err
		}
		if upload != nil {
			if err := upload(ctx, job); err != nil {
				return fmt.Errorf("failed to store patches for job %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// LatestLandings reports the newest successful landing per revision,
// consulting both LANDED jobs and rows imported from the predecessor
// system's transplants table.
func (s *SQLiteStorage) LatestLandings(ctx context.Context, revisionIDs []int) (map[int]storage.Landed, error) {
	out := make(map[int]storage.Landed)
	if len(revisionIDs) == 0 {
		return out, nil
	}

	revArgs := make([]any, len(revisionIDs))
	for i, id := range revisionIDs {
		revArgs[i] = id
	}

	// Ascending diff order so the plain overwrite keeps the newest diff.
	collect := func(query string, args ...any) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query landed revisions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var l storage.Landed
			if err := rows.Scan(&l.RevisionID, &l.DiffID, &l.CommitID); err != nil {
				return fmt.Errorf("failed to scan landed revision: %w", err)
			}
			if prev, ok := out[l.RevisionID]; !ok || l.DiffID >= prev.DiffID {
				out[l.RevisionID] = l
			}
		}
		return rows.Err()
	}

	jobQuery := `
		SELECT r.revision_id, r.diff_id, j.landed_commit_id
		FROM landing_jobs j
		JOIN landing_job_revisions r ON r.job_id = j.id
		WHERE j.status = ? AND r.revision_id IN (` + placeholders(len(revisionIDs)) + `)
		ORDER BY r.diff_id ASC`
	if err := collect(jobQuery, append([]any{string(jobs.StatusLanded)}, revArgs...)...); err != nil {
		return nil, err
	}

	transplantQuery := `
		SELECT r.revision_id, r.diff_id, t.result
		FROM transplants t
		JOIN transplant_revisions r ON r.transplant_id = t.id
		WHERE t.landed = 1 AND r.revision_id IN (` + placeholders(len(revisionIDs)) + `)
		ORDER BY r.diff_id ASC`
	if err := collect(transplantQuery, revArgs...); err != nil {
		return nil, err
	}

	return out, nil
}
