// Package jobs defines landing jobs and their status state machine.
package jobs

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a landing job. Values are stored in the
// database by name.
type Status string

const (
	StatusSubmitted  Status = "SUBMITTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDeferred   Status = "DEFERRED"
	StatusFailed     Status = "FAILED"
	StatusLanded     Status = "LANDED"
	StatusCancelled  Status = "CANCELLED"
)

// ActiveStatuses are the states that count as "a landing is already in
// progress" for submission checks and that the worker is allowed to claim.
var ActiveStatuses = []Status{StatusSubmitted, StatusInProgress, StatusDeferred}

// Weight orders claimable statuses for the worker queue. A crashed worker's
// IN_PROGRESS job must be resumed before anything else, and deferred work is
// retried before fresh submissions of equal priority.
func (s Status) Weight() int {
	switch s {
	case StatusInProgress:
		return 2
	case StatusDeferred:
		return 1
	case StatusSubmitted:
		return 0
	default:
		return -1
	}
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusLanded, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether s counts toward the one-active-landing-per-stack rule.
func (s Status) Active() bool {
	return s.Weight() >= 0
}

// Cancellable reports whether a user may cancel a job in state s.
// IN_PROGRESS jobs can only be stopped by operator intervention.
func (s Status) Cancellable() bool {
	return s == StatusSubmitted || s == StatusDeferred
}

// PathEntry is one step of a landing path: a revision pinned to the diff the
// user saw when they requested the landing.
type PathEntry struct {
	RevisionID int `json:"revision_id"`
	DiffID     int `json:"diff_id"`
}

// FailedPath describes one file a patch failed to apply to, annotated with
// the most recent upstream commit that touched it so users can inspect what
// they conflicted with.
type FailedPath struct {
	Path        string `json:"path"`
	ChangesetID string `json:"changeset_id"`
	URL         string `json:"url"`
}

// RejectFile carries the content of a single .rej file left behind by a
// failed patch application.
type RejectFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ErrorBreakdown is the structured payload recorded on a job that failed
// with a merge conflict.
type ErrorBreakdown struct {
	FailedPaths []FailedPath          `json:"failed_paths"`
	RejectPaths map[string]RejectFile `json:"reject_paths"`
}

// LandingJob is a persisted request to land an ordered set of revisions onto
// one upstream repository.
type LandingJob struct {
	ID               int64
	Status           Status
	RequesterEmail   string
	RepositoryName   string
	RepositoryURL    string
	TargetCommitHash string
	Priority         int
	Attempts         int
	DurationSeconds  float64
	ErrorMessage     string
	ErrorBreakdown   *ErrorBreakdown
	LandedCommitID   string
	// FormattedReplacements maps pre-autoformat commit hashes to the hashes
	// the formatters rewrote them to.
	FormattedReplacements map[string]string
	// Path is the ordered landing path, parent first. The order is fixed at
	// submission time and must match the stack graph as it was then.
	Path      []PathEntry
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RevisionIDs returns the revision ids of the landing path in order.
func (j *LandingJob) RevisionIDs() []int {
	ids := make([]int, len(j.Path))
	for i, e := range j.Path {
		ids[i] = e.RevisionID
	}
	return ids
}

// PatchKey returns the blob-store object name for the patch of one path
// entry, e.g. "L12_D34_56.patch".
func (j *LandingJob) PatchKey(e PathEntry) string {
	return fmt.Sprintf("L%d_D%d_%d.patch", j.ID, e.RevisionID, e.DiffID)
}
