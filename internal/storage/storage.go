// Package storage defines the persistence interface for landing jobs and
// the other durable state of the landing pipeline.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/untoldecay/treeline/internal/jobs"
)

// ErrJobNotFound is returned when a landing job id does not exist.
var ErrJobNotFound = errors.New("landing job not found")

// ErrNotOwner is returned when a caller tries to cancel a job submitted by
// someone else.
var ErrNotOwner = errors.New("landing job belongs to another requester")

// ErrStackInProgress is returned by AddJobWithRevisions when another active
// job already covers one of the revisions. The submission critical section
// re-checks this under the write lock, so racing submitters get this error
// rather than a duplicate job.
var ErrStackInProgress = errors.New("a landing for revisions in this stack is already in progress")

// Landed describes the most recent successful landing of one revision,
// whether it came from a landing job or a legacy transplant row.
type Landed struct {
	RevisionID int
	DiffID     int
	CommitID   string
}

// Transaction exposes the storage operations that run inside a single
// write transaction.
//
// # Transaction Semantics
//
//   - All operations within the transaction share the same database connection
//   - Changes are not visible to other connections until commit
//   - If the callback returns an error, the transaction is rolled back
//   - If the callback panics, the transaction is rolled back
//   - On successful return from the callback, the transaction is committed
//
// # SQLite Specifics
//
//   - Transactions run in BEGIN IMMEDIATE mode, taking the write lock up
//     front. SQLite's single writer stands in for the row and table locks a
//     server database would use: a claim or a submission critical section
//     holds the only write lock for its duration, so two workers can never
//     claim the same job and two submitters re-check the active-stack rule
//     serially.
type Transaction interface {
	// GetJob loads one job with its landing path.
	GetJob(ctx context.Context, id int64) (*jobs.LandingJob, error)
	// InsertJob persists a new job and its ordered revisions, assigning
	// job.ID.
	InsertJob(ctx context.Context, job *jobs.LandingJob) (int64, error)
	// SaveJob writes a job's mutable fields back.
	SaveJob(ctx context.Context, job *jobs.LandingJob) error
	// JobsForRevisions lists jobs whose landing path intersects the given
	// revisions, optionally filtered by status.
	JobsForRevisions(ctx context.Context, revisionIDs []int, statuses []jobs.Status) ([]*jobs.LandingJob, error)
	// NextActiveJob returns the top claimable job for the given repositories
	// created at or before cutoff, or nil when the queue is empty.
	NextActiveJob(ctx context.Context, repositories []string, cutoff time.Time) (*jobs.LandingJob, error)
}

// Storage is the persistence surface of the landing pipeline.
type Storage interface {
	// CreateJob inserts a job directly, outside the submission critical
	// section. Used for seeding and operator tooling; the API goes through
	// AddJobWithRevisions.
	CreateJob(ctx context.Context, job *jobs.LandingJob) error
	GetJob(ctx context.Context, id int64) (*jobs.LandingJob, error)

	// NextJobForUpdate claims the next job for the given repositories:
	// status in {SUBMITTED, IN_PROGRESS, DEFERRED}, repository in the set,
	// created at least grace ago, ordered IN_PROGRESS first, then priority
	// descending, then creation time ascending. The claim (flip to
	// IN_PROGRESS, attempts+1) happens inside the same write transaction as
	// the query. Returns nil when nothing is claimable.
	NextJobForUpdate(ctx context.Context, repositories []string, grace time.Duration) (*jobs.LandingJob, error)

	// Transition applies a state-machine action to a job, enforcing the
	// allowed-transition table and the action's required fields.
	Transition(ctx context.Context, id int64, action jobs.Action, fields jobs.TransitionFields) (*jobs.LandingJob, error)

	// CancelJob cancels a job on behalf of its requester. Returns
	// ErrNotOwner when the emails do not match and an
	// *jobs.InvalidTransitionError when the job is not cancellable.
	CancelJob(ctx context.Context, id int64, requesterEmail string) (*jobs.LandingJob, error)

	// JobsForRevisions lists jobs whose landing path intersects the given
	// revisions, newest first. A nil statuses filter matches all states.
	JobsForRevisions(ctx context.Context, revisionIDs []int, statuses []jobs.Status) ([]*jobs.LandingJob, error)

	// ActiveJobCount reports how many active jobs are queued against one
	// repository, for submission backpressure.
	ActiveJobCount(ctx context.Context, repository string) (int, error)

	// AddJobWithRevisions runs the submission critical section: inside one
	// write transaction it re-checks that no active job overlaps the
	// revisions (ErrStackInProgress), inserts the job with its ordered
	// revisions, and invokes upload with the assigned id so patch artefacts
	// can be stored before the insert becomes visible. An upload error rolls
	// everything back.
	AddJobWithRevisions(ctx context.Context, job *jobs.LandingJob, upload func(ctx context.Context, job *jobs.LandingJob) error) (int64, error)

	// LatestLandings reports, per revision, the newest successful landing
	// recorded either as a LANDED job or as a legacy transplant row.
	LatestLandings(ctx context.Context, revisionIDs []int) (map[int]Landed, error)

	// Dynamic configuration variables (worker pause/stop, throttles).
	GetConfigVar(ctx context.Context, key string) (value string, ok bool, err error)
	SetConfigVar(ctx context.Context, key, value string) error

	// Sec-approval requests: the comment transactions that may carry a
	// sanitised commit message for a secure revision.
	CreateSecApprovalRequest(ctx context.Context, revisionID int, diffPHID string, commentPHIDs []string) error
	SecApprovalCommentPHIDs(ctx context.Context, revisionID int) ([]string, error)

	// RunInTransaction executes fn inside one write transaction. See the
	// Transaction interface for semantics.
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Healthy probes the store for the health endpoint.
	Healthy(ctx context.Context) error

	Close() error
	Path() string
	// UnderlyingDB exposes the raw handle for migrations tooling and tests.
	UnderlyingDB() *sql.DB
}
