package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/untoldecay/treeline/internal/blob"
	"github.com/untoldecay/treeline/internal/bugs"
	"github.com/untoldecay/treeline/internal/config"
	"github.com/untoldecay/treeline/internal/logging"
	"github.com/untoldecay/treeline/internal/metrics"
	"github.com/untoldecay/treeline/internal/notify"
	"github.com/untoldecay/treeline/internal/repos"
	"github.com/untoldecay/treeline/internal/storage/sqlite"
	"github.com/untoldecay/treeline/internal/treestatus"
	"github.com/untoldecay/treeline/internal/ui"
	"github.com/untoldecay/treeline/internal/worker"
	"github.com/untoldecay/treeline/internal/worktree"
)

// pushWorkspaces adapts the worktree manager to the worker's Workspaces
// interface.
type pushWorkspaces struct {
	mgr *worktree.Manager
}

func (p pushWorkspaces) ForPush(ctx context.Context, repo repos.Repo, requesterEmail string) (worker.Checkout, error) {
	scope, err := p.mgr.ForPush(ctx, repo, requesterEmail)
	if err != nil {
		return nil, err
	}
	return scope, nil
}

var workerCmd = &cobra.Command{
	Use:     "worker",
	GroupID: "service",
	Short:   "Run the landing worker",
	Long: `Run the worker that claims queued landing jobs, applies their patches
onto fresh checkouts and pushes upstream. One job at a time; SIGINT/SIGTERM
finish the job in flight before exiting. Config worker.repos restricts
which landing targets this worker serves (empty means all).`,
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.NewService("worker")
		defer func() { _ = log.Sync() }()

		store, err := sqlite.New(rootCtx, config.GetString("db.path"))
		if err != nil {
			FatalError("failed to open landing job store: %v", err)
		}
		defer func() { _ = store.Close() }()

		vars := newVars(store)
		only := config.GetStringSlice("worker.repos")

		reposPath := config.GetString("repos.file")
		set, err := repos.Load(reposPath)
		if err != nil {
			FatalError("failed to load landing targets from %s: %v", reposPath, err)
		}

		var targets atomic.Pointer[repos.Set]
		targets.Store(filterTargets(set, only, log))

		watcher, err := repos.NewWatcher(reposPath,
			func(next *repos.Set) {
				targets.Store(filterTargets(next, only, log))
				// Operators often flip pause/stop in the same edit session
				// as a target change; drop the memo so both land together.
				vars.Invalidate()
				log.Info("landing targets reloaded", zap.Int("count", next.Len()))
			},
			func(err error) {
				log.Warn("landing targets reload failed", zap.Error(err))
			})
		if err != nil {
			log.Warn("landing targets file watching disabled", zap.Error(err))
		} else {
			watcher.Start(rootCtx)
			defer func() { _ = watcher.Close() }()
		}

		patches, err := blob.New(config.GetString("blob.scheme"), config.GetString("blob.bucket"), config.GetString("blob.root"))
		if err != nil {
			FatalError("failed to open patch store: %v", err)
		}

		var trees treestatus.Checker = treestatus.Stub{}
		if url := config.GetString("treestatus.url"); url != "" {
			trees = treestatus.NewClient(url)
		}

		var uplift worker.UpliftConfirmer
		if url := config.GetString("bugs.url"); url != "" {
			uplift = &bugs.Updater{
				Client: bugs.NewClient(url, config.GetString("bugs.api_key")),
				Log:    log,
			}
		}

		mgr := worktree.NewManager(
			config.GetString("worker.clone_root"),
			config.GetDuration("worker.command_timeout"),
			log,
		)

		if addr := config.GetString("worker.metrics_listen"); addr != "" {
			go serveMetrics(rootCtx, addr, log)
		}

		w := &worker.Worker{
			Store:      store,
			Targets:    targets.Load,
			Trees:      trees,
			Workspaces: pushWorkspaces{mgr: mgr},
			Patches:    patches,
			Notify:     notify.New(config.GetString("notify.url"), log),
			Vars:       vars,
			Bugs:       uplift,
			Log:        log,
			Opts: worker.Options{
				Sleep:           time.Duration(config.GetInt("worker.sleep_seconds")) * time.Second,
				ThrottleSeconds: config.GetInt("worker.throttle_seconds"),
				GraceSeconds:    config.GetInt("worker.grace_seconds"),
			},
		}

		if !jsonOutput {
			fmt.Printf("%s Treeline worker started (%d targets)\n", ui.RenderPass("✓"), targets.Load().Len())
		}
		if err := w.Run(rootCtx); err != nil {
			FatalError("landing worker failed: %v", err)
		}
		log.Info("landing worker stopped")
	},
}

// filterTargets restricts a target set to the names in only. An empty list
// keeps the full set; unknown names are logged and skipped.
func filterTargets(set *repos.Set, only []string, log *zap.Logger) *repos.Set {
	if len(only) == 0 {
		return set
	}
	keep := make([]repos.Repo, 0, len(only))
	for _, name := range only {
		repo, ok := set.Get(name)
		if !ok {
			log.Warn("worker.repos names an unknown landing target", zap.String("repo", name))
			continue
		}
		keep = append(keep, repo)
	}
	sub, err := repos.NewSet(keep)
	if err != nil {
		log.Warn("failed to filter landing targets", zap.Error(err))
		return set
	}
	return sub
}

// serveMetrics exposes the worker's prometheus metrics on its own listener.
func serveMetrics(ctx context.Context, addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics listener failed", zap.Error(err))
	}
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
