package assess

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/treeline/internal/jobs"
	"github.com/untoldecay/treeline/internal/repos"
	"github.com/untoldecay/treeline/internal/review"
	"github.com/untoldecay/treeline/internal/stacks"
	"github.com/untoldecay/treeline/internal/storage"
)

// DiffWarningCounter reports outstanding diff-warning records for a diff.
// The diff-warnings system lives outside the landing pipeline; its whole
// contract here is a count.
type DiffWarningCounter func(ctx context.Context, revisionID, diffID int) (int, error)

// Engine evaluates landing requests. Zero-value optional fields get
// defaults; Store, Review and Log must be set.
type Engine struct {
	Store  storage.Storage
	Review review.Service
	Log    *zap.Logger
	// HTTP fetches product-details feeds for the soft-freeze warning. nil
	// means a client with a 10 second timeout.
	HTTP *http.Client
	// DiffWarnings is optional; nil disables the diff-warnings check.
	DiffWarnings DiffWarningCounter
	// Now is a test hook; nil means time.Now.
	Now func() time.Time
}

// Request is one landing request to evaluate.
type Request struct {
	Identity Identity
	// Path is the requested landing path, parent first, each revision
	// pinned to the diff the requester saw.
	Path []jobs.PathEntry
	// Targets are the configured landing repositories.
	Targets *repos.Set
}

// Result carries the assessment plus the resolved stack context the caller
// needs to build a job from: the target repository and the computed
// landable paths.
type Result struct {
	Assessment *Assessment
	Stack      *stacks.Stack
	Paths      [][]review.PHID
	Blocked    map[review.PHID]string
	Repo       repos.Repo
	RepoKnown  bool
}

// projectTags are the review-service project PHIDs the checks key on,
// resolved once per assessment. A tag the service does not know stays empty
// and disables its check.
type projectTags struct {
	secure      review.PHID
	dataPolicy  review.PHID
	relman      review.PHID
	testingTags []review.PHID
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) httpClient() *http.Client {
	if e.HTTP != nil {
		return e.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (e *Engine) resolveTag(ctx context.Context, slug string) review.PHID {
	phid, err := e.Review.ProjectPHID(ctx, slug)
	if err != nil {
		e.Log.Debug("project tag unavailable, check disabled",
			zap.String("slug", slug), zap.Error(err))
		return ""
	}
	return phid
}

func (e *Engine) resolveTags(ctx context.Context) projectTags {
	tags := projectTags{
		secure:     e.resolveTag(ctx, ProjectSecure),
		dataPolicy: e.resolveTag(ctx, ProjectDataClassification),
		relman:     e.resolveTag(ctx, ProjectReleaseManagers),
	}
	for _, slug := range testingTagSlugs {
		if phid := e.resolveTag(ctx, slug); phid != "" {
			tags.testingTags = append(tags.testingTags, phid)
		}
	}
	return tags
}

func (tags projectTags) checks() []stacks.Check {
	checks := []stacks.Check{PlannedChangesCheck(), DiffAuthorCheck()}
	if tags.dataPolicy != "" {
		checks = append(checks, DataClassificationCheck(tags.dataPolicy))
	}
	if tags.relman != "" {
		checks = append(checks, UpliftApprovalCheck(tags.relman))
	}
	return checks
}

// Assess resolves the stack around the requested revisions and runs the
// full evaluation: user blockers, path validity, diff freshness, the
// in-progress check, then the warning battery over the requested
// revisions. The first blocker wins and suppresses further evaluation.
func (e *Engine) Assess(ctx context.Context, req Request) (*Result, error) {
	assessment := &Assessment{}
	res := &Result{Assessment: assessment}

	if len(req.Path) == 0 {
		assessment.block(BlockerNotLandable)
		return res, nil
	}

	stack, err := stacks.Resolve(ctx, e.Review, req.Path[0].RevisionID)
	if err != nil {
		return nil, err
	}
	res.Stack = stack

	tags := e.resolveTags(ctx)
	landable := stack.Data.LandableRepos(req.Targets)
	res.Paths, res.Blocked = stacks.CalculateLandableSubgraphs(stack.Data, stack.Edges, landable, tags.checks()...)

	if rev := stack.Data.RevisionByID(req.Path[0].RevisionID); rev != nil {
		if repo, ok := landable[rev.RepositoryPHID]; ok {
			res.Repo = repo
			res.RepoKnown = true
		}
	}

	if b := userBlocker(req.Identity, res.Repo, res.RepoKnown); b != "" {
		assessment.block(b)
		return res, nil
	}

	phids, ok := requestedPHIDs(stack.Data, req.Path)
	if !ok || !isPrefixOfAny(phids, res.Paths) {
		assessment.block(BlockerNotLandable)
		return res, nil
	}

	for _, entry := range req.Path {
		rev := stack.Data.RevisionByID(entry.RevisionID)
		diff := stack.Data.DiffFor(rev)
		if diff == nil || diff.ID != entry.DiffID {
			assessment.block(BlockerStaleDiff)
			return res, nil
		}
	}

	// Any active job over any revision of the whole stack, not just the
	// requested path, blocks: two overlapping landings would race on the
	// same commits.
	stackIDs := make([]int, 0, len(stack.Nodes))
	for _, phid := range stack.Nodes {
		if rev := stack.Data.Revisions[phid]; rev != nil {
			stackIDs = append(stackIDs, rev.ID)
		}
	}
	active, err := e.Store.JobsForRevisions(ctx, stackIDs, jobs.ActiveStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to check for active landings: %w", err)
	}
	if len(active) > 0 {
		assessment.block(BlockerInProgress)
		return res, nil
	}

	if err := e.collectWarnings(ctx, req, res, tags); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) collectWarnings(ctx context.Context, req Request, res *Result, tags projectTags) error {
	requestedIDs := make([]int, len(req.Path))
	for i, entry := range req.Path {
		requestedIDs[i] = entry.RevisionID
	}
	landed, err := e.Store.LatestLandings(ctx, requestedIDs)
	if err != nil {
		return fmt.Errorf("failed to look up previous landings: %w", err)
	}

	freeze := e.softFreeze(ctx, res.Repo)

	for _, entry := range req.Path {
		rev := res.Stack.Data.RevisionByID(entry.RevisionID)
		diff := res.Stack.Data.DiffFor(rev)

		if n := blockingUnaccepted(rev); n > 0 {
			res.Assessment.Warnings = append(res.Assessment.Warnings, NewWarning(
				WarningBlockingReviews, rev.ID,
				fmt.Sprintf("%d blocking reviewer(s) have not accepted this revision.", n)))
		}

		if prev, ok := landed[rev.ID]; ok {
			res.Assessment.Warnings = append(res.Assessment.Warnings, NewWarning(
				WarningPreviouslyLanded, rev.ID,
				fmt.Sprintf("Revision was previously landed as %s with diff %d.", prev.CommitID, prev.DiffID)))
		}

		if rev.Status != review.StatusAccepted {
			res.Assessment.Warnings = append(res.Assessment.Warnings, NewWarning(
				WarningNotAccepted, rev.ID,
				fmt.Sprintf("Revision is in the %s state and has not been accepted.", rev.Status.Display())))
		}

		if hasOnlyVoidedAcceptances(rev) {
			res.Assessment.Warnings = append(res.Assessment.Warnings, NewWarning(
				WarningReviewsNotCurrent, rev.ID,
				"Reviews were accepted on an earlier diff; no reviewer has accepted the current one."))
		}

		if tags.secure != "" && rev.HasProject(tags.secure) {
			res.Assessment.Warnings = append(res.Assessment.Warnings, NewWarning(
				WarningSecure, rev.ID,
				"Revision is tagged as secure and must follow the sec-approval process."))
		}

		if res.Repo.TestingPolicy && len(tags.testingTags) > 0 && !hasAnyProject(rev, tags.testingTags) {
			res.Assessment.Warnings = append(res.Assessment.Warnings, NewWarning(
				WarningMissingTestingTag, rev.ID,
				"Revision does not specify a testing policy tag."))
		}

		if e.DiffWarnings != nil && diff != nil {
			n, err := e.DiffWarnings(ctx, rev.ID, diff.ID)
			if err != nil {
				e.Log.Warn("diff warning lookup failed, skipping",
					zap.Int("revision", rev.ID), zap.Error(err))
			} else if n > 0 {
				res.Assessment.Warnings = append(res.Assessment.Warnings, NewWarning(
					WarningDiffWarnings, rev.ID,
					fmt.Sprintf("%d diff warning(s) are active on the current diff.", n)))
			}
		}

		if strings.HasPrefix(strings.ToLower(rev.Title), "wip:") {
			res.Assessment.Warnings = append(res.Assessment.Warnings, NewWarning(
				WarningWorkInProgress, rev.ID,
				"Revision title is marked as a work in progress."))
		}

		if freeze != nil {
			res.Assessment.Warnings = append(res.Assessment.Warnings, NewWarning(
				WarningSoftFreeze, rev.ID,
				fmt.Sprintf("Repository is under a soft code freeze from %s until %s.", freeze.start, freeze.end)))
		}

		unresolved, err := e.unresolvedComments(ctx, rev)
		if err != nil {
			return err
		}
		if unresolved > 0 {
			res.Assessment.Warnings = append(res.Assessment.Warnings, NewWarning(
				WarningUnresolvedComments, rev.ID,
				fmt.Sprintf("%d unresolved comment thread(s) on this revision.", unresolved)))
		}
	}
	return nil
}

// blockingUnaccepted counts blocking reviewers that have not accepted.
func blockingUnaccepted(rev *review.Revision) int {
	n := 0
	for _, r := range rev.Reviewers {
		if r.IsBlocking && r.Status != review.ReviewerAccepted {
			n++
		}
	}
	return n
}

// hasOnlyVoidedAcceptances reports whether every acceptance on the revision
// was voided by a later diff upload.
func hasOnlyVoidedAcceptances(rev *review.Revision) bool {
	accepted, current := false, false
	for _, r := range rev.Reviewers {
		if r.Status == review.ReviewerAccepted {
			accepted = true
			if !r.Voided {
				current = true
			}
		}
	}
	return accepted && !current
}

func hasAnyProject(rev *review.Revision, phids []review.PHID) bool {
	for _, phid := range phids {
		if rev.HasProject(phid) {
			return true
		}
	}
	return false
}

func (e *Engine) unresolvedComments(ctx context.Context, rev *review.Revision) (int, error) {
	txns, err := e.Review.Transactions(ctx, rev.PHID)
	if err != nil {
		return 0, fmt.Errorf("failed to list transactions for D%d: %w", rev.ID, err)
	}
	n := 0
	for _, txn := range txns {
		if txn.Type == "inline" && !txn.IsDone {
			n++
		}
	}
	return n, nil
}

// freezeWindow is an active soft-freeze period, dates as YYYY-MM-DD.
type freezeWindow struct {
	start, end string
}

// productDetails is the slice of the release-calendar feed the freeze check
// reads.
type productDetails struct {
	SoftFreeze string `json:"NEXT_SOFTFREEZE_DATE"`
	Merge      string `json:"NEXT_MERGE_DATE"`
}

// softFreeze consults the repository's product-details feed and reports an
// active soft-freeze window. Release windows are defined in Pacific time,
// hence the fixed UTC-8 evaluation. Any feed failure logs and returns nil:
// a broken calendar must not stop landings.
func (e *Engine) softFreeze(ctx context.Context, repo repos.Repo) *freezeWindow {
	if repo.ProductDetailsURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, repo.ProductDetailsURL, nil)
	if err != nil {
		e.Log.Warn("bad product-details url", zap.String("url", repo.ProductDetailsURL), zap.Error(err))
		return nil
	}
	resp, err := e.httpClient().Do(req)
	if err != nil {
		e.Log.Warn("product-details fetch failed", zap.String("repo", repo.Name), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.Log.Warn("product-details fetch failed",
			zap.String("repo", repo.Name), zap.Int("status", resp.StatusCode))
		return nil
	}

	var details productDetails
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		e.Log.Warn("product-details decode failed", zap.String("repo", repo.Name), zap.Error(err))
		return nil
	}
	if details.SoftFreeze == "" || details.Merge == "" {
		return nil
	}

	today := e.now().In(time.FixedZone("UTC-8", -8*60*60)).Format("2006-01-02")
	if details.SoftFreeze <= today && today <= details.Merge {
		return &freezeWindow{start: details.SoftFreeze, end: details.Merge}
	}
	return nil
}
