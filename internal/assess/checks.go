package assess

import (
	"github.com/untoldecay/treeline/internal/repos"
	"github.com/untoldecay/treeline/internal/review"
	"github.com/untoldecay/treeline/internal/stacks"
)

// Project slugs the assessment resolves in the review service. A slug that
// does not exist there disables its check.
const (
	ProjectSecure             = "secure-revision"
	ProjectDataClassification = "needs-data-classification"
	ProjectReleaseManagers    = "release-managers"
)

// testingTagSlugs are the projects that satisfy the testing policy; a
// revision landing on an opted-in repository must carry one.
var testingTagSlugs = []string{
	"testing-approved",
	"testing-exception-unchanged",
	"testing-exception-ui",
	"testing-exception-elsewhere",
	"testing-exception-other",
}

// PlannedChangesCheck blocks revisions whose author flagged upcoming
// changes.
func PlannedChangesCheck() stacks.Check {
	return func(rev *review.Revision, diff *review.Diff, repo repos.Repo) string {
		if rev.Status == review.StatusChangesPlanned {
			return "The author has indicated they are planning changes to this revision."
		}
		return ""
	}
}

// DiffAuthorCheck blocks revisions whose current diff carries no usable
// author identity. Landing one would attribute the commit to nobody.
func DiffAuthorCheck() stacks.Check {
	return func(rev *review.Revision, diff *review.Diff, repo repos.Repo) string {
		if diff == nil || diff.AuthorName == "" || diff.AuthorEmail == "" {
			return "Diff does not have proper author information in the code-review service."
		}
		return ""
	}
}

// DataClassificationCheck blocks revisions tagged for data-classification
// review.
func DataClassificationCheck(tag review.PHID) stacks.Check {
	return func(rev *review.Revision, diff *review.Diff, repo repos.Repo) string {
		if rev.HasProject(tag) {
			return "Revision makes changes requiring data classification review and cannot land until it is complete."
		}
		return ""
	}
}

// UpliftApprovalCheck blocks revisions aimed at an approval-required
// repository unless the release-managers group has accepted the current
// diff.
func UpliftApprovalCheck(relman review.PHID) stacks.Check {
	return func(rev *review.Revision, diff *review.Diff, repo repos.Repo) string {
		if !repo.ApprovalRequired {
			return ""
		}
		for _, r := range rev.Reviewers {
			if r.PHID == relman && r.Status == review.ReviewerAccepted && !r.Voided {
				return ""
			}
		}
		return "The release-managers group did not accept this revision for uplift."
	}
}
