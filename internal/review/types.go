// Package review is the client for the code-review service's conduit-style
// HTTP API. It exposes the read surface the landing pipeline needs (revision,
// diff, stack edge, user, project and comment lookups, raw diff download)
// plus the single write the pipeline performs: removing a project tag from a
// revision after it lands.
package review

import (
	"fmt"
	"strings"
	"time"
)

// PHID is an opaque object identifier issued by the review service. PHIDs
// are stable and unique across object types.
type PHID string

// RevisionStatus is the review-side lifecycle state of a revision.
type RevisionStatus string

const (
	StatusAccepted       RevisionStatus = "accepted"
	StatusNeedsReview    RevisionStatus = "needs-review"
	StatusNeedsRevision  RevisionStatus = "needs-revision"
	StatusChangesPlanned RevisionStatus = "changes-planned"
	StatusDraft          RevisionStatus = "draft"
	StatusPublished      RevisionStatus = "published"
	StatusAbandoned      RevisionStatus = "abandoned"
)

// Closed reports whether the revision has left review and can no longer be
// landed. Closed revisions are skipped over when resolving stacks.
func (s RevisionStatus) Closed() bool {
	return s == StatusPublished || s == StatusAbandoned
}

// Display renders the status for user-facing messages, e.g. "Needs Review".
func (s RevisionStatus) Display() string {
	words := strings.Split(string(s), "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Reviewer status values as reported by the reviewers attachment.
const (
	ReviewerAccepted = "accepted"
	ReviewerBlocking = "blocking"
	ReviewerRejected = "rejected"
	ReviewerAdded    = "added"
	ReviewerResigned = "resigned"
)

// Reviewer is one reviewer relationship on a revision.
type Reviewer struct {
	PHID   PHID
	Status string
	// IsBlocking marks a reviewer whose acceptance is mandatory.
	IsBlocking bool
	// Voided is set when the reviewer's vote was invalidated by a newer
	// diff, so an "accepted" status no longer applies to the current diff.
	Voided bool
}

// Revision is the service's view of one proposed change. Read-only from the
// landing pipeline's perspective; refreshed on demand.
type Revision struct {
	ID             int
	PHID           PHID
	Title          string
	Summary        string
	Status         RevisionStatus
	BugID          int
	AuthorPHID     PHID
	RepositoryPHID PHID
	// DiffPHID identifies the revision's current diff. Older diffs remain
	// fetchable but only the current one is landable.
	DiffPHID     PHID
	ProjectPHIDs []PHID
	Reviewers    []Reviewer
}

// Name returns the user-facing identifier, e.g. "D123".
func (r *Revision) Name() string {
	return fmt.Sprintf("D%d", r.ID)
}

// URL returns the revision's page on the review service.
func (r *Revision) URL(base string) string {
	return fmt.Sprintf("%s/D%d", strings.TrimRight(base, "/"), r.ID)
}

// HasProject reports whether the revision carries the given project tag.
func (r *Revision) HasProject(phid PHID) bool {
	for _, p := range r.ProjectPHIDs {
		if p == phid {
			return true
		}
	}
	return false
}

// Commit is one VCS commit attached to a diff.
type Commit struct {
	Identifier  string
	AuthorName  string
	AuthorEmail string
}

// Diff is a specific patch version of a revision. Immutable once published.
type Diff struct {
	ID           int
	PHID         PHID
	RevisionPHID PHID
	// BaseCommitHash is the commit the diff was generated against, when the
	// uploader recorded one.
	BaseCommitHash string
	// AuthorName and AuthorEmail come from the first attached commit. Both
	// empty means the author identity is unknown to the review service.
	AuthorName  string
	AuthorEmail string
	Commits     []Commit
	DateCreated time.Time
}

// Repository is the review service's record of a repository a revision
// belongs to. Matched against configured landing targets by short name.
type Repository struct {
	PHID      PHID
	Name      string
	ShortName string
}

// User is a review-service account.
type User struct {
	PHID     PHID
	UserName string
	RealName string
}

// Edge types returned by stack-graph queries.
const (
	EdgeParent = "revision.parent"
	EdgeChild  = "revision.child"
)

// Edge is one directed stack relationship. For EdgeParent the target is a
// parent of the source; for EdgeChild the target is a child.
type Edge struct {
	Source PHID
	Type   string
	Target PHID
}

// Transaction is one event on a revision's timeline. The landing pipeline
// reads two kinds: plain comments (sec-approval sanitised messages) and
// inline review comments (the unresolved-comment warning).
type Transaction struct {
	ID   int
	PHID PHID
	Type string
	// IsDone applies to inline comments: false means unresolved.
	IsDone bool
	// Comments holds the raw text of the transaction's non-removed comments.
	Comments []string
}
