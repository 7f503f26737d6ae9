package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/treeline/internal/jobs"
	"github.com/untoldecay/treeline/internal/metrics"
	"github.com/untoldecay/treeline/internal/patch"
	"github.com/untoldecay/treeline/internal/repos"
	"github.com/untoldecay/treeline/internal/worktree"
)

// outcome is the tagged result of one processing attempt. Exactly one is
// produced per claimed job and drives the state transition; FAIL
// outcomes are also announced to the requester.
type outcome struct {
	action jobs.Action
	fields jobs.TransitionFields
}

func deferOutcome(format string, args ...any) outcome {
	return outcome{
		action: jobs.ActionDefer,
		fields: jobs.TransitionFields{Message: fmt.Sprintf(format, args...)},
	}
}

func failOutcome(format string, args ...any) outcome {
	return outcome{
		action: jobs.ActionFail,
		fields: jobs.TransitionFields{Message: fmt.Sprintf(format, args...)},
	}
}

// process runs one claimed job to an outcome and records it. It never
// panics the loop: an unexpected panic fails the job instead.
func (w *Worker) process(parent context.Context, job *jobs.LandingJob) {
	log := w.log().With(
		zap.Int64("job", job.ID),
		zap.String("repo", job.RepositoryName))
	log.Info("processing landing job",
		zap.Int("attempt", job.Attempts),
		zap.String("requester", job.RequesterEmail))

	// Shutdown signals stop new claims; the job in flight finishes on an
	// uncancelled context so its subprocesses are not killed mid-push.
	ctx := context.WithoutCancel(parent)
	start := time.Now()

	var o outcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic while processing landing job",
					zap.Any("panic", r), zap.Stack("stack"))
				o = failOutcome("An unexpected error occurred while landing. The service operators have been notified.")
			}
		}()
		o = w.land(ctx, log, job)
	}()

	o.fields.Duration = time.Since(start).Seconds()
	w.finish(ctx, log, job, o)
}

// land runs the landing flow for one job and returns its outcome.
func (w *Worker) land(ctx context.Context, log *zap.Logger, job *jobs.LandingJob) outcome {
	repo, ok := w.Targets().Get(job.RepositoryName)
	if !ok {
		return deferOutcome("Repository %s is not configured on this worker - landing deferred.", job.RepositoryName)
	}

	// The tree may have closed between the claim query and now.
	tree, err := w.Trees.Tree(ctx, repo.Tree)
	if err != nil {
		log.Warn("failed to re-check tree status", zap.Error(err))
		return deferOutcome("Could not check the status of tree %s - landing deferred.", repo.Tree)
	}
	if !tree.IsOpen() {
		return deferOutcome("Tree %s is closed - landing deferred.", repo.Tree)
	}

	// Fetch every patch before touching the checkout; holding the push
	// lock while artefact storage misbehaves helps nobody.
	patches := make([][]byte, 0, len(job.Path))
	titles := make([]string, 0, len(job.Path))
	seenBugs := make(map[int]bool)
	var bugIDs []int
	for _, entry := range job.Path {
		key := job.PatchKey(entry)
		raw, err := w.Patches.Get(ctx, key)
		if err != nil {
			log.Error("failed to fetch patch artefact", zap.String("key", key), zap.Error(err))
			return deferOutcome("Failed to fetch the patch for D%d from storage - landing deferred.", entry.RevisionID)
		}
		p, err := patch.Parse(raw)
		if err != nil {
			return failOutcome("The patch for D%d is malformed and cannot be landed: %v", entry.RevisionID, err)
		}
		title := p.FirstLine()
		titles = append(titles, title)
		for _, id := range patch.ParseBugs(title) {
			if !seenBugs[id] {
				seenBugs[id] = true
				bugIDs = append(bugIDs, id)
			}
		}
		patches = append(patches, raw)
	}

	scope, err := w.Workspaces.ForPush(ctx, repo, job.RequesterEmail)
	if err != nil {
		log.Error("failed to open push scope", zap.Error(err))
		return deferOutcome("The landing checkout for %s is unavailable - landing deferred.", repo.Name)
	}
	defer scope.Close()

	if err := scope.UpdateRepo(ctx); err != nil {
		log.Error("failed to update checkout", zap.Error(err))
		return failOutcome("Failed to update the %s checkout before landing:\n%s", repo.Name, err)
	}

	for i, raw := range patches {
		if o, final := w.applyOne(ctx, log, scope, repo, job.Path[i], raw); final {
			return o
		}
	}

	replacements, err := scope.FormatStack(ctx, len(patches), bugIDs)
	if err != nil {
		var autoformat *worktree.AutoformatError
		if errors.As(err, &autoformat) {
			log.Warn("autoformatting failed", zap.Error(err))
			return deferOutcome("Autoformatting failed - landing deferred.\n\n%s", autoformat.Output)
		}
		log.Error("failed to run autoformatters", zap.Error(err))
		return deferOutcome("Autoformatting could not run - landing deferred.")
	}

	tip, err := scope.Tip(ctx)
	if err != nil {
		log.Error("failed to read the landed tip", zap.Error(err))
		return deferOutcome("Could not determine the landed commit - landing deferred.")
	}

	if err := scope.Push(ctx); err != nil {
		return w.pushOutcome(log, repo, err)
	}
	log.Info("landing pushed", zap.String("commit", tip))

	// Post-push bookkeeping is best effort: the commits are upstream and
	// nothing below may change the job's outcome.
	if w.Bugs != nil && repo.ApprovalRequired && repo.MilestoneFile != "" {
		milestone, err := scope.ReadCheckoutFile(ctx, repo.MilestoneFile)
		if err != nil {
			log.Warn("failed to read milestone file",
				zap.String("path", repo.MilestoneFile), zap.Error(err))
		} else if err := w.Bugs.ConfirmUplift(ctx, repo, milestone, titles); err != nil {
			log.Warn("failed to update bugs after uplift", zap.Error(err))
		}
	}

	return outcome{
		action: jobs.ActionLand,
		fields: jobs.TransitionFields{CommitID: tip, Replacements: replacements},
	}
}

// applyOne applies a single patch, translating failures into final
// outcomes. final is true when the returned outcome ends the job.
func (w *Worker) applyOne(ctx context.Context, log *zap.Logger, scope Checkout, repo repos.Repo, entry jobs.PathEntry, raw []byte) (o outcome, final bool) {
	err := scope.ApplyPatch(ctx, raw)
	if err == nil {
		return outcome{}, false
	}

	var conflict *worktree.PatchConflictError
	var noDiff *worktree.NoDiffStartLineError
	var malformed *worktree.MalformedPatchError
	switch {
	case errors.As(err, &conflict):
		log.Info("patch conflicts with the tree",
			zap.Int("revision", entry.RevisionID),
			zap.Strings("paths", conflict.FailedPaths))
		o := failOutcome("The patch for D%d conflicts with recent changes in %s. Rebase your revision and try again.", entry.RevisionID, repo.Name)
		o.fields.Breakdown = w.buildBreakdown(ctx, log, scope, repo, conflict)
		return o, true
	case errors.As(err, &noDiff):
		return failOutcome("The patch for D%d has no diff content to apply.", entry.RevisionID), true
	case errors.As(err, &malformed):
		return failOutcome("The patch for D%d is malformed and cannot be landed: %v", entry.RevisionID, malformed.Err), true
	default:
		log.Error("failed to apply patch",
			zap.Int("revision", entry.RevisionID), zap.Error(err))
		return failOutcome("Failed to apply the patch for D%d:\n%s", entry.RevisionID, err), true
	}
}

// pushOutcome classifies a push failure. Tree gates and lost races are
// transient and defer the job; everything else fails it.
func (w *Worker) pushOutcome(log *zap.Logger, repo repos.Repo, err error) outcome {
	var closed *worktree.TreeClosedError
	var approval *worktree.TreeApprovalRequiredError
	var race *worktree.LostPushRaceError
	switch {
	case errors.As(err, &closed):
		return deferOutcome("Tree %s closed during the landing - deferred until it reopens.", closed.Tree)
	case errors.As(err, &approval):
		return deferOutcome("Tree %s now requires approval - landing deferred.", approval.Tree)
	case errors.As(err, &race):
		metrics.PushRetries.WithLabelValues(repo.Name).Inc()
		log.Info("lost a push race, deferring for retry")
		return deferOutcome("Another landing reached %s first - will retry on the new head.", repo.Name)
	default:
		log.Error("failed to push landing", zap.Error(err))
		return failOutcome("Failed to push to %s:\n%s", repo.Name, err)
	}
}

// buildBreakdown assembles the structured conflict report stored on a
// failed job: each conflicting path annotated with the newest upstream
// commit touching it, plus the reject hunks themselves.
func (w *Worker) buildBreakdown(ctx context.Context, log *zap.Logger, scope Checkout, repo repos.Repo, conflict *worktree.PatchConflictError) *jobs.ErrorBreakdown {
	breakdown := &jobs.ErrorBreakdown{
		RejectPaths: make(map[string]jobs.RejectFile, len(conflict.Rejects)),
	}
	for _, rej := range conflict.Rejects {
		breakdown.RejectPaths[rej.Path] = jobs.RejectFile{
			Path:    rej.Path + ".rej",
			Content: rej.Content,
		}
	}
	for _, path := range conflict.FailedPaths {
		fp := jobs.FailedPath{Path: path}
		changeset, err := scope.LastCommitForPath(ctx, path)
		if err != nil {
			log.Warn("failed to resolve last commit for conflicting path",
				zap.String("path", path), zap.Error(err))
		} else {
			fp.ChangesetID = changeset
			fp.URL = repo.FileURL(changeset, path)
		}
		breakdown.FailedPaths = append(breakdown.FailedPaths, fp)
	}
	return breakdown
}

// finish records the outcome and fires the side effects that depend on
// it: metrics, failure notifications, the repo-updated signal.
func (w *Worker) finish(ctx context.Context, log *zap.Logger, job *jobs.LandingJob, o outcome) {
	updated, err := w.Store.Transition(ctx, job.ID, o.action, o.fields)
	if err != nil {
		log.Error("failed to record landing outcome",
			zap.String("action", string(o.action)), zap.Error(err))
		return
	}

	metrics.JobsFinished.WithLabelValues(job.RepositoryName, string(updated.Status)).Inc()
	metrics.LandingDuration.WithLabelValues(job.RepositoryName).Observe(o.fields.Duration)

	switch o.action {
	case jobs.ActionLand:
		log.Info("landing job landed",
			zap.String("commit", updated.LandedCommitID),
			zap.Float64("duration_seconds", o.fields.Duration))
		if w.Notify != nil {
			w.Notify.LandingSucceeded(ctx, updated)
		}
	case jobs.ActionFail:
		log.Info("landing job failed", zap.String("reason", o.fields.Message))
		if w.Notify != nil {
			w.Notify.LandingFailed(ctx, updated, o.fields.Message)
		}
	default:
		log.Info("landing job deferred", zap.String("reason", o.fields.Message))
	}
}
