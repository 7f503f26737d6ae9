package worktree

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/treeline/internal/patch"
	"github.com/untoldecay/treeline/internal/repos"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available in PATH, skipping test")
	}
}

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available in PATH, skipping test")
	}
}

func runCmd(t *testing.T, dir, name string, args ...string) string {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %s failed: %v\n%s", name, strings.Join(args, " "), err, out)
	}
	return string(out)
}

type landingEnv struct {
	t        *testing.T
	ctx      context.Context
	upstream string
	seed     string
	repo     repos.Repo
	wt       *Worktree
}

// newLandingEnv builds a bare upstream seeded with one commit on main
// (ship.txt containing "one\n") and a Worktree cloned from it.
func newLandingEnv(t *testing.T, mutate ...func(*repos.Repo)) *landingEnv {
	t.Helper()
	requireGit(t)

	base := t.TempDir()
	upstream := filepath.Join(base, "upstream.git")
	runCmd(t, base, "git", "init", "--bare", "upstream.git")
	runCmd(t, upstream, "git", "symbolic-ref", "HEAD", "refs/heads/main")

	seed := filepath.Join(base, "seed")
	runCmd(t, base, "git", "clone", upstream, "seed")
	runCmd(t, seed, "git", "config", "user.email", "seed@example.com")
	runCmd(t, seed, "git", "config", "user.name", "Seed User")
	runCmd(t, seed, "git", "checkout", "-b", "main")
	if err := os.WriteFile(filepath.Join(seed, "ship.txt"), []byte("one\n"), 0644); err != nil {
		t.Fatalf("failed to seed ship.txt: %v", err)
	}
	runCmd(t, seed, "git", "add", "ship.txt")
	runCmd(t, seed, "git", "commit", "-m", "initial revision")
	runCmd(t, seed, "git", "push", "origin", "main")

	repo := repos.Repo{
		Name:         "test-repo",
		URL:          upstream,
		PullPath:     upstream,
		PushPath:     upstream,
		Tree:         "test-tree",
		PushBookmark: "main",
	}
	for _, m := range mutate {
		m(&repo)
	}

	wt := New(repo, filepath.Join(base, "clone"), time.Minute, zap.NewNop())
	return &landingEnv{
		t:        t,
		ctx:      context.Background(),
		upstream: upstream,
		seed:     seed,
		repo:     repo,
		wt:       wt,
	}
}

// open starts a push scope, registering its Close with test cleanup.
func (env *landingEnv) open() *PushScope {
	env.t.Helper()
	scope, err := env.wt.ForPush(env.ctx, "requester@example.com")
	if err != nil {
		env.t.Fatalf("failed to open push scope: %v", err)
	}
	env.t.Cleanup(scope.Close)
	return scope
}

// advanceUpstream lands an extra commit on upstream main, simulating a
// racing push.
func (env *landingEnv) advanceUpstream() {
	env.t.Helper()
	if err := os.WriteFile(filepath.Join(env.seed, "race.txt"), []byte("raced\n"), 0644); err != nil {
		env.t.Fatalf("failed to write race.txt: %v", err)
	}
	runCmd(env.t, env.seed, "git", "add", "race.txt")
	runCmd(env.t, env.seed, "git", "commit", "-m", "racing commit")
	runCmd(env.t, env.seed, "git", "push", "origin", "main")
}

func makePatch(t *testing.T, message, diff string) []byte {
	t.Helper()
	p := &patch.Patch{
		AuthorName:  "Dev Eloper",
		AuthorEmail: "dev@example.com",
		Timestamp:   "1496239141",
		Message:     message,
		Diff:        []byte(diff),
	}
	return p.MarshalHgExport()
}

const appendLineDiff = `diff --git a/ship.txt b/ship.txt
--- a/ship.txt
+++ b/ship.txt
@@ -1,1 +1,2 @@
 one
+two
`

const conflictingDiff = `diff --git a/ship.txt b/ship.txt
--- a/ship.txt
+++ b/ship.txt
@@ -1,1 +1,2 @@
 uno
+dos
`

func TestLandingHappyPath(t *testing.T) {
	env := newLandingEnv(t)
	scope := env.open()

	if err := scope.UpdateRepo(env.ctx); err != nil {
		t.Fatalf("UpdateRepo failed: %v", err)
	}

	content, err := scope.ReadCheckoutFile(env.ctx, "ship.txt")
	if err != nil {
		t.Fatalf("ReadCheckoutFile failed: %v", err)
	}
	if string(content) != "one\n" {
		t.Fatalf("ReadCheckoutFile = %q, want %q", content, "one\n")
	}

	if err := scope.ApplyPatch(env.ctx, makePatch(t, "add a second line", appendLineDiff)); err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}

	tip, err := scope.Tip(env.ctx)
	if err != nil {
		t.Fatalf("Tip failed: %v", err)
	}
	if len(tip) != 40 {
		t.Fatalf("Tip = %q, want a 40-hex hash", tip)
	}

	if err := scope.Push(env.ctx); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	subject := strings.TrimSpace(runCmd(t, env.upstream, "git", "log", "-1", "--format=%s", "refs/heads/main"))
	if subject != "add a second line" {
		t.Errorf("upstream tip subject = %q, want %q", subject, "add a second line")
	}
	author := strings.TrimSpace(runCmd(t, env.upstream, "git", "log", "-1", "--format=%an <%ae>", "refs/heads/main"))
	if author != "Dev Eloper <dev@example.com>" {
		t.Errorf("upstream tip author = %q, want the patch author", author)
	}
	landed := strings.TrimSpace(runCmd(t, env.upstream, "git", "rev-parse", "refs/heads/main"))
	if landed != tip {
		t.Errorf("upstream main = %s, want pushed tip %s", landed, tip)
	}
}

func TestApplyPatchConflict(t *testing.T) {
	env := newLandingEnv(t)
	scope := env.open()

	if err := scope.UpdateRepo(env.ctx); err != nil {
		t.Fatalf("UpdateRepo failed: %v", err)
	}

	err := scope.ApplyPatch(env.ctx, makePatch(t, "conflicting change", conflictingDiff))
	var conflict *PatchConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("ApplyPatch error = %v, want *PatchConflictError", err)
	}
	if len(conflict.FailedPaths) != 1 || conflict.FailedPaths[0] != "ship.txt" {
		t.Fatalf("FailedPaths = %v, want [ship.txt]", conflict.FailedPaths)
	}
	if len(conflict.Rejects) != 1 || conflict.Rejects[0].Path != "ship.txt" {
		t.Fatalf("Rejects = %+v, want one entry for ship.txt", conflict.Rejects)
	}
	if !strings.Contains(conflict.Rejects[0].Content, "@@") {
		t.Errorf("reject content %q does not look like a rejected hunk", conflict.Rejects[0].Content)
	}

	// Closing the scope must leave no conflict wreckage behind.
	scope.Close()
	if _, err := os.Stat(filepath.Join(env.wt.Dir(), "ship.txt.rej")); !os.IsNotExist(err) {
		t.Errorf("ship.txt.rej survived scope close (stat err = %v)", err)
	}
}

func TestApplyPatchRejectsBadInput(t *testing.T) {
	env := newLandingEnv(t)
	scope := env.open()
	if err := scope.UpdateRepo(env.ctx); err != nil {
		t.Fatalf("UpdateRepo failed: %v", err)
	}

	t.Run("missing diff", func(t *testing.T) {
		err := scope.ApplyPatch(env.ctx, makePatch(t, "headers only", ""))
		var noDiff *NoDiffStartLineError
		if !errors.As(err, &noDiff) {
			t.Fatalf("error = %v, want *NoDiffStartLineError", err)
		}
		if noDiff.FirstLine != "headers only" {
			t.Errorf("FirstLine = %q, want %q", noDiff.FirstLine, "headers only")
		}
	})

	t.Run("unparseable patch", func(t *testing.T) {
		err := scope.ApplyPatch(env.ctx, []byte("# HG changeset patch\n# Date 1 0\nno user header\n"))
		var malformed *MalformedPatchError
		if !errors.As(err, &malformed) {
			t.Fatalf("error = %v, want *MalformedPatchError", err)
		}
	})

	t.Run("garbage diff", func(t *testing.T) {
		err := scope.ApplyPatch(env.ctx, makePatch(t, "garbage diff", "this is not a diff\n"))
		var malformed *MalformedPatchError
		if !errors.As(err, &malformed) {
			t.Fatalf("error = %v, want *MalformedPatchError", err)
		}
	})
}

func TestFormatStackAmendsSingleCommit(t *testing.T) {
	requireSh(t)
	env := newLandingEnv(t, func(r *repos.Repo) {
		r.AutoformatEnabled = true
		// The formatter also proves the requester marker reaches
		// subprocess environments.
		r.Formatters = []string{`printf '%s\n' "$TL_LANDING_USER" > ship.txt`}
	})
	scope := env.open()

	if err := scope.UpdateRepo(env.ctx); err != nil {
		t.Fatalf("UpdateRepo failed: %v", err)
	}
	if err := scope.ApplyPatch(env.ctx, makePatch(t, "add a second line", appendLineDiff)); err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}
	oldTip, err := scope.Tip(env.ctx)
	if err != nil {
		t.Fatalf("Tip failed: %v", err)
	}

	replacements, err := scope.FormatStack(env.ctx, 1, []int{1234})
	if err != nil {
		t.Fatalf("FormatStack failed: %v", err)
	}
	newTip, err := scope.Tip(env.ctx)
	if err != nil {
		t.Fatalf("Tip failed: %v", err)
	}
	if newTip == oldTip {
		t.Fatal("FormatStack changed nothing; expected an amended tip")
	}
	if got := replacements[oldTip]; got != newTip {
		t.Errorf("replacements[%s] = %q, want %s", oldTip, got, newTip)
	}

	subject := strings.TrimSpace(runCmd(t, env.wt.Dir(), "git", "log", "-1", "--format=%s"))
	if subject != "add a second line" {
		t.Errorf("amended subject = %q, want the original message", subject)
	}
	content, err := scope.ReadCheckoutFile(env.ctx, "ship.txt")
	if err != nil {
		t.Fatalf("ReadCheckoutFile failed: %v", err)
	}
	if string(content) != "requester@example.com\n" {
		t.Errorf("formatted ship.txt = %q, want the requester marker", content)
	}
}

func TestFormatStackNoChanges(t *testing.T) {
	requireSh(t)
	env := newLandingEnv(t, func(r *repos.Repo) {
		r.AutoformatEnabled = true
		r.Formatters = []string{"true"}
	})
	scope := env.open()
	if err := scope.UpdateRepo(env.ctx); err != nil {
		t.Fatalf("UpdateRepo failed: %v", err)
	}
	if err := scope.ApplyPatch(env.ctx, makePatch(t, "add a second line", appendLineDiff)); err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}
	replacements, err := scope.FormatStack(env.ctx, 1, nil)
	if err != nil {
		t.Fatalf("FormatStack failed: %v", err)
	}
	if len(replacements) != 0 {
		t.Errorf("replacements = %v, want none when formatters change nothing", replacements)
	}
}

func TestFormatStackCommandFailure(t *testing.T) {
	requireSh(t)
	env := newLandingEnv(t, func(r *repos.Repo) {
		r.AutoformatEnabled = true
		r.Formatters = []string{"exit 3"}
	})
	scope := env.open()
	if err := scope.UpdateRepo(env.ctx); err != nil {
		t.Fatalf("UpdateRepo failed: %v", err)
	}
	if err := scope.ApplyPatch(env.ctx, makePatch(t, "add a second line", appendLineDiff)); err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}
	_, err := scope.FormatStack(env.ctx, 1, nil)
	var autoformat *AutoformatError
	if !errors.As(err, &autoformat) {
		t.Fatalf("FormatStack error = %v, want *AutoformatError", err)
	}
	if autoformat.Command != "exit 3" {
		t.Errorf("Command = %q, want the failing formatter", autoformat.Command)
	}
}

func TestPushLosesRace(t *testing.T) {
	env := newLandingEnv(t)
	scope := env.open()

	if err := scope.UpdateRepo(env.ctx); err != nil {
		t.Fatalf("UpdateRepo failed: %v", err)
	}
	if err := scope.ApplyPatch(env.ctx, makePatch(t, "add a second line", appendLineDiff)); err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}

	env.advanceUpstream()

	err := scope.Push(env.ctx)
	var race *LostPushRaceError
	if !errors.As(err, &race) {
		t.Fatalf("Push error = %v, want *LostPushRaceError", err)
	}
}

func TestLastCommitForPath(t *testing.T) {
	env := newLandingEnv(t)
	scope := env.open()
	if err := scope.UpdateRepo(env.ctx); err != nil {
		t.Fatalf("UpdateRepo failed: %v", err)
	}

	tip, err := scope.Tip(env.ctx)
	if err != nil {
		t.Fatalf("Tip failed: %v", err)
	}
	short, err := scope.LastCommitForPath(env.ctx, "ship.txt")
	if err != nil {
		t.Fatalf("LastCommitForPath failed: %v", err)
	}
	if len(short) != 12 {
		t.Fatalf("LastCommitForPath = %q, want a 12-hex hash", short)
	}
	if !strings.HasPrefix(tip, short) {
		t.Errorf("LastCommitForPath = %s, want a prefix of tip %s", short, tip)
	}
}

func TestClassifyPushFailure(t *testing.T) {
	wt := New(repos.Repo{Name: "test-repo", Tree: "test-tree"}, t.TempDir(), time.Minute, zap.NewNop())
	baseErr := errors.New("exit status 1")

	tests := []struct {
		name   string
		output string
		want   any
	}{
		{"closed tree hook", "remote: Tree test-tree is CLOSED! (reason: infra)", &TreeClosedError{}},
		{"approval required hook", "remote: error: APPROVAL REQUIRED! ask a sheriff", &TreeApprovalRequiredError{}},
		{"non fast forward", "! [rejected] HEAD -> main (non-fast-forward)", &LostPushRaceError{}},
		{"fetch first", "! [rejected] HEAD -> main (fetch first)\nerror: failed to push some refs", &LostPushRaceError{}},
		{"anything else", "fatal: unable to access remote", &PushError{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wt.classifyPushFailure(tt.output, baseErr)
			switch tt.want.(type) {
			case *TreeClosedError:
				var e *TreeClosedError
				if !errors.As(err, &e) {
					t.Fatalf("got %T (%v), want *TreeClosedError", err, err)
				}
			case *TreeApprovalRequiredError:
				var e *TreeApprovalRequiredError
				if !errors.As(err, &e) {
					t.Fatalf("got %T (%v), want *TreeApprovalRequiredError", err, err)
				}
			case *LostPushRaceError:
				var e *LostPushRaceError
				if !errors.As(err, &e) {
					t.Fatalf("got %T (%v), want *LostPushRaceError", err, err)
				}
			case *PushError:
				var e *PushError
				if !errors.As(err, &e) {
					t.Fatalf("got %T (%v), want *PushError", err, err)
				}
			}
		})
	}
}

func TestForPushSerialisesAcrossScopes(t *testing.T) {
	env := newLandingEnv(t)

	scope, err := env.wt.ForPush(env.ctx, "first@example.com")
	if err != nil {
		t.Fatalf("first ForPush failed: %v", err)
	}

	// A second worktree on the same clone dir must wait for the lock.
	other := New(env.repo, env.wt.Dir(), time.Minute, zap.NewNop())
	ctx, cancel := context.WithTimeout(env.ctx, 2*time.Second)
	defer cancel()
	if _, err := other.ForPush(ctx, "second@example.com"); err == nil {
		t.Fatal("second ForPush succeeded while the first scope was open")
	}

	scope.Close()
	scope2, err := other.ForPush(env.ctx, "second@example.com")
	if err != nil {
		t.Fatalf("ForPush after release failed: %v", err)
	}
	scope2.Close()
}
