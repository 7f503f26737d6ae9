package assess

import (
	"fmt"

	"github.com/untoldecay/treeline/internal/jobs"
	"github.com/untoldecay/treeline/internal/repos"
	"github.com/untoldecay/treeline/internal/review"
	"github.com/untoldecay/treeline/internal/stacks"
)

// Blocker messages with fixed wording. Clients match on these strings, so
// they are part of the API.
const (
	BlockerNoVerifiedEmail = "Your account does not have a verified email address."
	BlockerNotLandable     = "The requested set of revisions are not landable."
	BlockerStaleDiff       = "A requested diff is not the latest."
	BlockerInProgress      = "A landing for revisions in this stack is already in progress."
)

// Identity is the caller as asserted by the front-end auth proxy.
type Identity struct {
	Email         string
	EmailVerified bool
	Groups        []string
}

// InGroup reports membership in one access group.
func (id Identity) InGroup(group string) bool {
	for _, g := range id.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// userBlocker runs the identity-level checks: a verified email always, and
// membership in the target repository's access group when one is known.
func userBlocker(id Identity, repo repos.Repo, repoKnown bool) string {
	if id.Email == "" || !id.EmailVerified {
		return BlockerNoVerifiedEmail
	}
	if repoKnown && repo.AccessGroup != "" && !id.InGroup(repo.AccessGroup) {
		display := repo.AccessGroupDisplay
		if display == "" {
			display = repo.AccessGroup
		}
		return fmt.Sprintf("You have insufficient permissions to land; membership in %s is required.", display)
	}
	return ""
}

// requestedPHIDs maps the requested landing path to revision PHIDs. ok is
// false when a requested revision is not part of the resolved stack.
func requestedPHIDs(data *stacks.RevisionData, path []jobs.PathEntry) ([]review.PHID, bool) {
	phids := make([]review.PHID, len(path))
	for i, entry := range path {
		rev := data.RevisionByID(entry.RevisionID)
		if rev == nil {
			return nil, false
		}
		phids[i] = rev.PHID
	}
	return phids, true
}

// isPrefixOfAny reports whether seq is a non-empty prefix of one of the
// landable paths.
func isPrefixOfAny(seq []review.PHID, paths [][]review.PHID) bool {
	if len(seq) == 0 {
		return false
	}
	for _, path := range paths {
		if len(seq) > len(path) {
			continue
		}
		match := true
		for i := range seq {
			if path[i] != seq[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
