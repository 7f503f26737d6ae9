// Package worktree drives the git checkouts the landing worker pushes
// from. Each configured repository gets one long-lived local clone;
// landings take an exclusive scope on it, apply patches on a detached
// head and push the result to the repository's push path.
package worktree

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/treeline/internal/patch"
	"github.com/untoldecay/treeline/internal/repos"
)

// Commits are authored by the patch author; the service itself is the
// committer of record.
const (
	committerName  = "treeline"
	committerEmail = "treeline@localhost"
)

// requesterEnvVar carries the landing requester's email into git
// subprocesses so server-side hooks can attribute the push.
const requesterEnvVar = "TL_LANDING_USER"

// Worktree is one local clone of an upstream repository. It is not safe
// for concurrent use; ForPush serialises users, including across
// processes, via a lock file next to the clone.
type Worktree struct {
	repo    repos.Repo
	dir     string
	timeout time.Duration
	log     *zap.Logger

	// env holds extra environment for git subprocesses, set for the
	// duration of a push scope.
	env []string
}

// New returns a Worktree for repo rooted at dir. timeout bounds every
// subprocess the worktree runs.
func New(repo repos.Repo, dir string, timeout time.Duration, log *zap.Logger) *Worktree {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worktree{repo: repo, dir: dir, timeout: timeout, log: log}
}

// Dir returns the clone directory.
func (w *Worktree) Dir() string { return w.dir }

// gitVerb names the subcommand in an argument list for error messages,
// skipping any leading -c key=value config pairs.
func gitVerb(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" {
			i++
			continue
		}
		return args[i]
	}
	return "git"
}

// run executes git with args in the clone and returns its combined
// output. Effect-style commands go through here; use capture for
// commands whose stdout is a value.
func (w *Worktree) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = w.dir
	cmd.Env = append(os.Environ(), w.env...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return string(output), fmt.Errorf("git %s timed out after %s", gitVerb(args), w.timeout)
		}
		return string(output), fmt.Errorf("failed to run git %s: %w\nOutput: %s", gitVerb(args), err, string(output))
	}
	return string(output), nil
}

// capture executes git with args and returns stdout only, keeping
// stderr for the error message.
func (w *Worktree) capture(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = w.dir
	cmd.Env = append(os.Environ(), w.env...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("git %s timed out after %s", gitVerb(args), w.timeout)
		}
		return "", fmt.Errorf("failed to run git %s: %w\nOutput: %s", gitVerb(args), err, stderr.String())
	}
	return string(out), nil
}

// Ensure clones the repository if the clone directory does not hold one
// yet. Safe to call repeatedly.
func (w *Worktree) Ensure(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(w.dir, ".git")); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(w.dir), 0750); err != nil {
		return fmt.Errorf("failed to create clone parent directory: %w", err)
	}

	// Clones can be large; give the initial clone a generous ceiling
	// independent of the per-command timeout.
	ctx, cancel := context.WithTimeout(ctx, 4*w.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "clone", w.repo.PullPath, w.dir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to clone %s: %w\nOutput: %s", w.repo.PullPath, err, string(output))
	}
	w.log.Info("cloned repository",
		zap.String("repo", w.repo.Name),
		zap.String("dir", w.dir))
	return nil
}

// cleanup returns the checkout to a pristine state: local modifications
// discarded, untracked files (reject artifacts included) removed, any
// half-finished apply aborted. It never fails a landing; problems are
// logged and the next update either repairs or surfaces them.
func (w *Worktree) cleanup(ctx context.Context) {
	steps := [][]string{
		{"am", "--abort"},
		{"rebase", "--abort"},
		{"reset", "--hard"},
		{"clean", "-fdx"},
	}
	for _, args := range steps {
		if _, err := w.run(ctx, args...); err != nil {
			// am/rebase abort fail whenever nothing is in progress,
			// which is the common case. Only the destructive steps
			// are worth a log line.
			if args[0] == "reset" || args[0] == "clean" {
				w.log.Warn("checkout cleanup step failed", zap.Error(err))
			}
		}
	}
}

// landingBase resolves the ref landings are applied on: the pinned
// target commit when the repository has one, the push bookmark's remote
// head when configured, the remote default head otherwise.
func (w *Worktree) landingBase(ctx context.Context) (string, error) {
	if w.repo.TargetCommitHash != "" {
		return w.repo.TargetCommitHash, nil
	}
	if w.repo.PushBookmark != "" {
		return "refs/remotes/origin/" + w.repo.PushBookmark, nil
	}
	ref, err := w.capture(ctx, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil {
		// origin/HEAD goes stale when the clone predates a default
		// branch rename; ask the remote and retry once.
		if _, repairErr := w.run(ctx, "remote", "set-head", "origin", "--auto"); repairErr != nil {
			return "", err
		}
		ref, err = w.capture(ctx, "symbolic-ref", "refs/remotes/origin/HEAD")
		if err != nil {
			return "", err
		}
	}
	return strings.TrimSpace(ref), nil
}

// pushRef returns the remote branch name pushes target.
func (w *Worktree) pushRef(ctx context.Context) (string, error) {
	if w.repo.PushBookmark != "" {
		return w.repo.PushBookmark, nil
	}
	base, err := w.landingBase(ctx)
	if err != nil {
		return "", err
	}
	if name, ok := strings.CutPrefix(base, "refs/remotes/origin/"); ok {
		return name, nil
	}
	return "", fmt.Errorf("cannot derive a push branch from landing base %q; set push_bookmark for %s", base, w.repo.Name)
}

// UpdateRepo discards local state and moves the checkout to the newest
// landing base from the pull source. Failures come back as *UpdateError
// so callers can treat them uniformly.
func (w *Worktree) UpdateRepo(ctx context.Context) error {
	w.cleanup(ctx)
	if out, err := w.run(ctx, "fetch", "--prune", "origin"); err != nil {
		return &UpdateError{Reason: "fetch from pull source failed", Output: out, Err: err}
	}
	base, err := w.landingBase(ctx)
	if err != nil {
		return &UpdateError{Reason: "could not resolve landing base", Err: err}
	}
	if out, err := w.run(ctx, "checkout", "--detach", base); err != nil {
		return &UpdateError{Reason: fmt.Sprintf("checkout of %s failed", base), Output: out, Err: err}
	}
	return nil
}

// ApplyPatch parses raw, applies its diff on the current head and
// commits it with the patch's author, date and message. Conflicts are
// reported as *PatchConflictError with the reject artifacts attached;
// the checkout is left dirty for the caller's scope cleanup to collect.
func (w *Worktree) ApplyPatch(ctx context.Context, raw []byte) error {
	p, err := patch.Parse(raw)
	if err != nil {
		return &MalformedPatchError{Err: err}
	}
	if len(strings.TrimSpace(string(p.Diff))) == 0 {
		return &NoDiffStartLineError{FirstLine: p.FirstLine()}
	}

	diffPath, err := w.writeTempDiff(p.Diff)
	if err != nil {
		return err
	}
	defer os.Remove(diffPath)

	if out, err := w.run(ctx, "apply", "--reject", "--whitespace=nowarn", diffPath); err != nil {
		if conflict := w.collectRejects(out); conflict != nil {
			return conflict
		}
		return &MalformedPatchError{Err: err}
	}

	if out, err := w.run(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("failed to stage applied patch: %w\nOutput: %s", err, out)
	}

	args := []string{
		"-c", "user.name=" + committerName,
		"-c", "user.email=" + committerEmail,
		"commit",
		"--allow-empty",
		"--author", fmt.Sprintf("%s <%s>", p.AuthorName, p.AuthorEmail),
		"-m", p.Message,
	}
	if p.Timestamp != "" {
		args = append(args, "--date", p.Timestamp+" +0000")
	}
	if out, err := w.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to commit applied patch: %w\nOutput: %s", err, out)
	}
	return nil
}

// writeTempDiff writes diff outside the checkout so git clean cannot
// race with the apply.
func (w *Worktree) writeTempDiff(diff []byte) (string, error) {
	f, err := os.CreateTemp("", "treeline-*.diff")
	if err != nil {
		return "", fmt.Errorf("failed to create temp diff: %w", err)
	}
	if _, err := f.Write(diff); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write temp diff: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write temp diff: %w", err)
	}
	return f.Name(), nil
}

// collectRejects walks the checkout for .rej artifacts after a failed
// apply. Returns nil when none exist, meaning the failure was not a
// plain conflict.
func (w *Worktree) collectRejects(applyOutput string) *PatchConflictError {
	var rejects []RejectFile
	_ = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".rej") {
			return nil
		}
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			w.log.Warn("failed to read reject file", zap.String("path", path), zap.Error(readErr))
			return nil
		}
		rel, relErr := filepath.Rel(w.dir, path)
		if relErr != nil {
			rel = path
		}
		rejects = append(rejects, RejectFile{
			Path:    filepath.ToSlash(strings.TrimSuffix(rel, ".rej")),
			Content: string(content),
		})
		return nil
	})
	if len(rejects) == 0 {
		return nil
	}
	sort.Slice(rejects, func(i, j int) bool { return rejects[i].Path < rejects[j].Path })
	failed := make([]string, len(rejects))
	for i, r := range rejects {
		failed[i] = r.Path
	}
	return &PatchConflictError{FailedPaths: failed, Rejects: rejects, Output: applyOutput}
}

// FormatStack runs the repository's configured formatters over the
// checkout after count patches have been applied. A single-commit stack
// is amended in place and the rewrite reported as old->new; larger
// stacks get one extra formatting commit on top. Returns nil when the
// formatters changed nothing.
func (w *Worktree) FormatStack(ctx context.Context, count int, bugIDs []int) (map[string]string, error) {
	if !w.repo.AutoformatEnabled || len(w.repo.Formatters) == 0 || count == 0 {
		return nil, nil
	}

	for _, command := range w.repo.Formatters {
		if err := w.runFormatter(ctx, command); err != nil {
			return nil, err
		}
	}

	status, err := w.capture(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to inspect checkout after formatting: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return nil, nil
	}

	if out, err := w.run(ctx, "add", "-A"); err != nil {
		return nil, fmt.Errorf("failed to stage formatting changes: %w\nOutput: %s", err, out)
	}

	if count == 1 {
		oldTip, err := w.Tip(ctx)
		if err != nil {
			return nil, err
		}
		args := []string{
			"-c", "user.name=" + committerName,
			"-c", "user.email=" + committerEmail,
			"commit", "--amend", "--no-edit",
		}
		if out, err := w.run(ctx, args...); err != nil {
			return nil, fmt.Errorf("failed to amend formatting changes: %w\nOutput: %s", err, out)
		}
		newTip, err := w.Tip(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{oldTip: newTip}, nil
	}

	message := "No bug - apply code formatting"
	if len(bugIDs) > 0 {
		parts := make([]string, len(bugIDs))
		for i, id := range bugIDs {
			parts[i] = fmt.Sprintf("%d", id)
		}
		message = fmt.Sprintf("Bug %s - apply code formatting", strings.Join(parts, ", "))
	}
	args := []string{
		"-c", "user.name=" + committerName,
		"-c", "user.email=" + committerEmail,
		"commit", "-m", message,
	}
	if out, err := w.run(ctx, args...); err != nil {
		return nil, fmt.Errorf("failed to commit formatting changes: %w\nOutput: %s", err, out)
	}
	return nil, nil
}

// runFormatter executes one formatter command through the shell, in the
// checkout, with the landing environment applied.
func (w *Worktree) runFormatter(ctx context.Context, command string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = w.dir
	cmd.Env = append(os.Environ(), w.env...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &AutoformatError{Command: command, Output: string(output), Err: err}
	}
	return nil
}

// Push sends the current head to the repository's push path. Rejections
// are classified into the typed errors the worker retries on; anything
// else is a *PushError.
func (w *Worktree) Push(ctx context.Context) error {
	branch, err := w.pushRef(ctx)
	if err != nil {
		return &PushError{Err: err}
	}
	args := []string{"push"}
	if w.repo.ForcePush {
		args = append(args, "--force")
	}
	args = append(args, w.repo.PushPath, "HEAD:refs/heads/"+branch)
	out, err := w.run(ctx, args...)
	if err != nil {
		return w.classifyPushFailure(out, err)
	}
	return nil
}

// classifyPushFailure maps upstream rejection output onto typed errors.
// Tree hooks announce closures and approval requirements in their
// output; losing a race shows up as a non-fast-forward rejection.
func (w *Worktree) classifyPushFailure(output string, err error) error {
	upper := strings.ToUpper(output)
	switch {
	case strings.Contains(upper, "IS CLOSED!") || strings.Contains(upper, "TREE IS CLOSED"):
		return &TreeClosedError{Tree: w.repo.Tree}
	case strings.Contains(upper, "APPROVAL REQUIRED"):
		return &TreeApprovalRequiredError{Tree: w.repo.Tree}
	case strings.Contains(output, "non-fast-forward") ||
		strings.Contains(output, "fetch first") ||
		strings.Contains(output, "stale info"):
		return &LostPushRaceError{Output: output}
	default:
		return &PushError{Output: output, Err: err}
	}
}

// Tip returns the full 40-hex hash of the current head.
func (w *Worktree) Tip(ctx context.Context) (string, error) {
	out, err := w.capture(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// LastCommitForPath returns the short (12-hex) hash of the newest commit
// touching path, for annotating conflict breakdowns.
func (w *Worktree) LastCommitForPath(ctx context.Context, path string) (string, error) {
	out, err := w.capture(ctx, "log", "-1", "--format=%H", "--", path)
	if err != nil {
		return "", err
	}
	hash := strings.TrimSpace(out)
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return hash, nil
}

// ReadCheckoutFile returns the contents of a tracked file at the current
// head.
func (w *Worktree) ReadCheckoutFile(ctx context.Context, path string) ([]byte, error) {
	out, err := w.capture(ctx, "show", "HEAD:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from checkout: %w", path, err)
	}
	return []byte(out), nil
}
