package api

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/untoldecay/treeline/internal/assess"
	"github.com/untoldecay/treeline/internal/jobs"
	"github.com/untoldecay/treeline/internal/patch"
	"github.com/untoldecay/treeline/internal/review"
)

// buildPatches renders one landable patch per path entry: the raw diff plus
// the canonical commit message, serialised in hg export form. Entries are
// independent, so the downloads run in parallel.
func (s *Server) buildPatches(ctx context.Context, res *assess.Result, path []jobs.PathEntry) ([][]byte, error) {
	out := make([][]byte, len(path))
	g, ctx := errgroup.WithContext(ctx)
	for i, entry := range path {
		g.Go(func() error {
			b, err := s.buildPatch(ctx, res, entry)
			if err != nil {
				return err
			}
			out[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Server) buildPatch(ctx context.Context, res *assess.Result, entry jobs.PathEntry) ([]byte, error) {
	rev := res.Stack.Data.RevisionByID(entry.RevisionID)
	if rev == nil {
		return nil, fmt.Errorf("revision D%d missing from resolved stack", entry.RevisionID)
	}
	diff := res.Stack.Data.DiffFor(rev)
	if diff == nil || diff.ID != entry.DiffID {
		return nil, fmt.Errorf("diff %d of D%d missing from resolved stack", entry.DiffID, entry.RevisionID)
	}

	raw, err := s.Review.RawDiff(ctx, diff.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to download diff %d: %w", diff.ID, err)
	}

	title, summary, err := s.commitText(ctx, rev)
	if err != nil {
		return nil, err
	}
	reviewers, err := s.acceptedReviewers(ctx, rev)
	if err != nil {
		return nil, err
	}

	var revisionURL string
	if s.ReviewURL != "" {
		revisionURL = rev.URL(s.ReviewURL)
	}
	_, message := patch.BuildMessage(patch.MessageParams{
		Title:       title,
		Summary:     summary,
		BugID:       rev.BugID,
		Reviewers:   reviewers,
		RevisionURL: revisionURL,
		Flags:       res.Repo.CommitFlags,
	})

	created := diff.DateCreated
	if created.IsZero() {
		created = time.Now()
	}
	p := &patch.Patch{
		AuthorName:  diff.AuthorName,
		AuthorEmail: diff.AuthorEmail,
		Timestamp:   strconv.FormatInt(created.Unix(), 10),
		Message:     message,
		Diff:        raw,
	}
	return p.MarshalHgExport(), nil
}

// commitText returns the title and summary the commit message is built
// from. Secure revisions go through sec-approval: the approved sanitised
// message is posted as a review comment whose PHID the sec-approval flow
// records, and when one exists it replaces the revision's own, potentially
// disclosing, text.
func (s *Server) commitText(ctx context.Context, rev *review.Revision) (title, summary string, err error) {
	phids, err := s.Store.SecApprovalCommentPHIDs(ctx, rev.ID)
	if err != nil {
		return "", "", fmt.Errorf("failed to look up sec-approval requests for D%d: %w", rev.ID, err)
	}
	if len(phids) == 0 {
		return rev.Title, rev.Summary, nil
	}

	sanctioned := make(map[review.PHID]bool, len(phids))
	for _, p := range phids {
		sanctioned[review.PHID(p)] = true
	}
	txns, err := s.Review.Transactions(ctx, rev.PHID)
	if err != nil {
		return "", "", fmt.Errorf("failed to list transactions for D%d: %w", rev.ID, err)
	}
	for _, txn := range txns {
		if !sanctioned[txn.PHID] || len(txn.Comments) == 0 {
			continue
		}
		text := strings.TrimSpace(txn.Comments[0])
		if text == "" {
			continue
		}
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			return strings.TrimSpace(text[:i]), strings.TrimSpace(text[i+1:]), nil
		}
		return text, "", nil
	}
	// The request exists but its comment is gone (deleted or hidden). Fall
	// back to the revision text rather than refusing the landing.
	return rev.Title, rev.Summary, nil
}

// acceptedReviewers resolves the usernames of reviewers whose acceptance
// still stands on the current diff, in reviewer order.
func (s *Server) acceptedReviewers(ctx context.Context, rev *review.Revision) ([]string, error) {
	var phids []review.PHID
	for _, r := range rev.Reviewers {
		if r.Status == review.ReviewerAccepted && !r.Voided {
			phids = append(phids, r.PHID)
		}
	}
	if len(phids) == 0 {
		return nil, nil
	}

	users, err := s.Review.Users(ctx, phids)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve reviewers of D%d: %w", rev.ID, err)
	}
	byPHID := make(map[review.PHID]*review.User, len(users))
	for _, u := range users {
		byPHID[u.PHID] = u
	}
	names := make([]string, 0, len(phids))
	for _, phid := range phids {
		if u := byPHID[phid]; u != nil {
			names = append(names, u.UserName)
		}
	}
	return names, nil
}
