package jobs

import (
	"fmt"
	"time"
)

// Action is a requested status change. Each action targets exactly one
// status and declares which fields it requires.
type Action string

const (
	ActionLand   Action = "LAND"
	ActionFail   Action = "FAIL"
	ActionDefer  Action = "DEFER"
	ActionCancel Action = "CANCEL"
)

// TransitionFields carries the per-action payload. CommitID is required by
// LAND, Message by FAIL and DEFER. Breakdown is optional and only meaningful
// on FAIL after a merge conflict. Duration and Replacements are bookkeeping
// the worker records alongside terminal transitions.
type TransitionFields struct {
	CommitID     string
	Message      string
	Breakdown    *ErrorBreakdown
	Duration     float64
	Replacements map[string]string
}

// InvalidTransitionError is returned when a status change is not in the
// allowed transition table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid landing job transition %s -> %s", e.From, e.To)
}

// target returns the status an action moves a job to.
func (a Action) target() (Status, error) {
	switch a {
	case ActionLand:
		return StatusLanded, nil
	case ActionFail:
		return StatusFailed, nil
	case ActionDefer:
		return StatusDeferred, nil
	case ActionCancel:
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("unknown landing job action %q", a)
	}
}

// allowedTransitions is the full transition table. Claiming (-> IN_PROGRESS)
// is driven by the worker rather than an Action but is validated here too.
var allowedTransitions = map[Status][]Status{
	StatusSubmitted:  {StatusInProgress, StatusCancelled},
	StatusDeferred:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusLanded, StatusFailed, StatusDeferred},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Claim moves a job to IN_PROGRESS and bumps the attempt counter. Valid only
// from SUBMITTED or DEFERRED.
func (j *LandingJob) Claim() error {
	if !CanTransition(j.Status, StatusInProgress) {
		return &InvalidTransitionError{From: j.Status, To: StatusInProgress}
	}
	j.Status = StatusInProgress
	j.Attempts++
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Resume re-claims a job a previous worker left IN_PROGRESS, counting the
// retry. Crash recovery only; a live worker never resumes another's job
// because claims are serialised by the store.
func (j *LandingJob) Resume() error {
	if j.Status != StatusInProgress {
		return &InvalidTransitionError{From: j.Status, To: StatusInProgress}
	}
	j.Attempts++
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Apply performs an action on the job, validating both the transition and
// the action's required fields. On success the job's fields are updated in
// place; the caller is responsible for persisting them.
func (j *LandingJob) Apply(action Action, fields TransitionFields) error {
	to, err := action.target()
	if err != nil {
		return err
	}
	if !CanTransition(j.Status, to) {
		return &InvalidTransitionError{From: j.Status, To: to}
	}

	switch action {
	case ActionLand:
		if fields.CommitID == "" {
			return fmt.Errorf("action LAND requires a commit id")
		}
		j.LandedCommitID = fields.CommitID
		if fields.Replacements != nil {
			j.FormattedReplacements = fields.Replacements
		}
	case ActionFail:
		if fields.Message == "" {
			return fmt.Errorf("action FAIL requires a message")
		}
		j.ErrorMessage = fields.Message
		j.ErrorBreakdown = fields.Breakdown
	case ActionDefer:
		if fields.Message == "" {
			return fmt.Errorf("action DEFER requires a message")
		}
		j.ErrorMessage = fields.Message
	case ActionCancel:
		// No fields. Ownership is enforced by the store's CancelJob before
		// the transition is attempted.
	}

	if fields.Duration > 0 {
		j.DurationSeconds = fields.Duration
	}
	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	return nil
}
