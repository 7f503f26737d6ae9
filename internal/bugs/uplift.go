package bugs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/untoldecay/treeline/internal/patch"
	"github.com/untoldecay/treeline/internal/repos"
)

// leaveOpenKeyword marks bugs whose status must not flip to fixed when a
// partial fix lands.
const leaveOpenKeyword = "leave-open"

var majorVersionRe = regexp.MustCompile(`^\s*(\d+)`)

// MajorVersion extracts the leading release number from a milestone file
// ("112.0a1" -> 112).
func MajorVersion(milestone []byte) (int, error) {
	m := majorVersionRe.FindSubmatch(milestone)
	if m == nil {
		return 0, fmt.Errorf("milestone %q has no leading version number", strings.TrimSpace(string(milestone)))
	}
	var major int
	if _, err := fmt.Sscanf(string(m[1]), "%d", &major); err != nil {
		return 0, fmt.Errorf("milestone %q has no leading version number", strings.TrimSpace(string(milestone)))
	}
	return major, nil
}

// checkinTag is the whiteboard token requesting a landing on the given
// target.
func checkinTag(repo repos.Repo) string {
	short := repo.ShortName
	if short == "" {
		short = repo.Name
	}
	return fmt.Sprintf("[checkin-needed-%s]", short)
}

// Updater applies post-landing bookkeeping for uplifts: on approval
// targets, landed bugs get their release status flag set to fixed and
// their checkin-needed tag removed.
type Updater struct {
	Client *Client
	Log    *zap.Logger
}

// ConfirmUplift updates every bug named in the landed commit titles.
// milestone is the raw milestone file from the landed checkout; it picks
// the status flag to set. Per-bug failures are collected rather than
// aborting the sweep, since the landing itself already succeeded.
func (u *Updater) ConfirmUplift(ctx context.Context, repo repos.Repo, milestone []byte, titles []string) error {
	log := u.Log
	if log == nil {
		log = zap.NewNop()
	}

	major, err := MajorVersion(milestone)
	if err != nil {
		return err
	}
	flag := fmt.Sprintf("%s%d", statusFlagPrefix, major)

	seen := make(map[int]bool)
	var ids []int
	for _, title := range titles {
		for _, id := range patch.ParseBugs(title) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Ints(ids)

	var errs []error
	for _, id := range ids {
		if err := u.confirmBug(ctx, repo, id, flag); err != nil {
			log.Warn("failed to update bug after uplift",
				zap.Int("bug", id),
				zap.String("repo", repo.Name),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (u *Updater) confirmBug(ctx context.Context, repo repos.Repo, id int, flag string) error {
	bug, err := u.Client.Bug(ctx, id)
	if err != nil {
		return err
	}

	changes := make(map[string]any)

	// Only flip flags the bug actually tracks, and never override a
	// value someone already set.
	if current, ok := bug.StatusFlags[flag]; ok && (current == "" || current == "---" || current == "affected") {
		if !bug.HasKeyword(leaveOpenKeyword) {
			changes[flag] = "fixed"
		}
	}

	if tag := checkinTag(repo); strings.Contains(bug.Whiteboard, tag) {
		changes["whiteboard"] = strings.ReplaceAll(bug.Whiteboard, tag, "")
	}

	if len(changes) == 0 {
		return nil
	}
	return u.Client.Update(ctx, id, changes)
}
