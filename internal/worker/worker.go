// Package worker runs the landing loop: claim the next eligible job,
// apply its patches onto a fresh checkout of the target repository, push
// the result upstream and record the outcome. One worker processes one
// job at a time; claims are serialised through the store so extra
// workers can run side by side without double-landing.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/untoldecay/treeline/internal/blob"
	"github.com/untoldecay/treeline/internal/dynconfig"
	"github.com/untoldecay/treeline/internal/jobs"
	"github.com/untoldecay/treeline/internal/notify"
	"github.com/untoldecay/treeline/internal/repos"
	"github.com/untoldecay/treeline/internal/storage"
	"github.com/untoldecay/treeline/internal/treestatus"
)

// Checkout is the slice of a push scope the landing flow drives. It is
// satisfied by *worktree.PushScope.
type Checkout interface {
	UpdateRepo(ctx context.Context) error
	ApplyPatch(ctx context.Context, raw []byte) error
	FormatStack(ctx context.Context, count int, bugIDs []int) (map[string]string, error)
	Push(ctx context.Context) error
	Tip(ctx context.Context) (string, error)
	LastCommitForPath(ctx context.Context, path string) (string, error)
	ReadCheckoutFile(ctx context.Context, path string) ([]byte, error)
	Close()
}

// Workspaces opens exclusive push scopes on repository checkouts.
type Workspaces interface {
	ForPush(ctx context.Context, repo repos.Repo, requesterEmail string) (Checkout, error)
}

// UpliftConfirmer applies bug tracker bookkeeping after an uplift lands.
type UpliftConfirmer interface {
	ConfirmUplift(ctx context.Context, repo repos.Repo, milestone []byte, titles []string) error
}

// Options are the static loop timings. The throttle and grace values can
// be overridden at runtime through dynconfig without a restart.
type Options struct {
	// Sleep is the idle pause between claim attempts when the queue is
	// empty or the worker is paused.
	Sleep time.Duration
	// ThrottleSeconds is the pause after each processed job.
	ThrottleSeconds int
	// GraceSeconds keeps fresh submissions claimable only after this
	// age, leaving users a window to cancel mistakes.
	GraceSeconds int
}

// Worker owns the landing loop.
type Worker struct {
	Store      storage.Storage
	Targets    func() *repos.Set
	Trees      treestatus.Checker
	Workspaces Workspaces
	Patches    blob.Store
	Notify     notify.Notifier
	Vars       *dynconfig.Vars
	Bugs       UpliftConfirmer // nil disables post-uplift bug updates
	Log        *zap.Logger
	Opts       Options
}

// Run drives the loop until ctx is cancelled or an operator sets the
// stop flag. The job in flight when ctx is cancelled still runs to its
// outcome; only new claims stop.
func (w *Worker) Run(ctx context.Context) error {
	log := w.log()
	log.Info("landing worker started",
		zap.Duration("sleep", w.Opts.Sleep),
		zap.Int("throttle_seconds", w.Opts.ThrottleSeconds),
		zap.Int("grace_seconds", w.Opts.GraceSeconds))

	for {
		select {
		case <-ctx.Done():
			log.Info("landing worker shutting down")
			return nil
		default:
		}

		stopped, err := w.Vars.Bool(ctx, dynconfig.KeyStop, false)
		if err != nil {
			log.Warn("failed to read stop flag", zap.Error(err))
		}
		if stopped {
			log.Info("landing worker stopped by operator flag")
			return nil
		}

		paused, err := w.Vars.Bool(ctx, dynconfig.KeyPause, false)
		if err != nil {
			log.Warn("failed to read pause flag", zap.Error(err))
		}
		if paused {
			w.sleep(ctx, w.Opts.Sleep)
			continue
		}

		job, err := w.claimNext(ctx)
		if err != nil {
			log.Error("failed to claim next landing job", zap.Error(err))
			w.sleep(ctx, w.Opts.Sleep)
			continue
		}
		if job == nil {
			w.sleep(ctx, w.Opts.Sleep)
			continue
		}

		w.process(ctx, job)

		throttle, err := w.Vars.Int(ctx, dynconfig.KeyThrottleSeconds, w.Opts.ThrottleSeconds)
		if err != nil {
			log.Warn("failed to read throttle override", zap.Error(err))
		}
		w.sleep(ctx, time.Duration(throttle)*time.Second)
	}
}

func (w *Worker) log() *zap.Logger {
	if w.Log != nil {
		return w.Log
	}
	return zap.NewNop()
}

// claimNext claims the top job among repositories whose trees currently
// accept landings. Returns nil when nothing is claimable.
func (w *Worker) claimNext(ctx context.Context) (*jobs.LandingJob, error) {
	enabled := w.enabledRepos(ctx)
	if len(enabled) == 0 {
		return nil, nil
	}
	grace, err := w.Vars.Int(ctx, dynconfig.KeyGraceSeconds, w.Opts.GraceSeconds)
	if err != nil {
		w.log().Warn("failed to read grace override", zap.Error(err))
	}
	return w.Store.NextJobForUpdate(ctx, enabled, time.Duration(grace)*time.Second)
}

// enabledRepos filters the configured repositories down to those whose
// trees are open. A tree-status outage disables its tree for this
// iteration rather than failing the loop.
func (w *Worker) enabledRepos(ctx context.Context) []string {
	set := w.Targets()
	var enabled []string
	for _, repo := range set.All() {
		tree, err := w.Trees.Tree(ctx, repo.Tree)
		if err != nil {
			w.log().Warn("failed to check tree status",
				zap.String("tree", repo.Tree), zap.Error(err))
			continue
		}
		if tree.IsOpen() {
			enabled = append(enabled, repo.Name)
		}
	}
	return enabled
}

// sleep pauses for d unless ctx finishes first.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
