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

	"github.com/untoldecay/treeline/internal/api"
	"github.com/untoldecay/treeline/internal/assess"
	"github.com/untoldecay/treeline/internal/blob"
	"github.com/untoldecay/treeline/internal/cache"
	"github.com/untoldecay/treeline/internal/config"
	"github.com/untoldecay/treeline/internal/logging"
	"github.com/untoldecay/treeline/internal/repos"
	"github.com/untoldecay/treeline/internal/review"
	"github.com/untoldecay/treeline/internal/storage/sqlite"
	"github.com/untoldecay/treeline/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "service",
	Short:   "Run the Treeline API server",
	Long: `Run the HTTP API that assesses landings and queues landing jobs.
Shuts down cleanly on SIGINT/SIGTERM. Edits to the repos file are picked
up without a restart.`,
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.NewService("api")
		defer func() { _ = log.Sync() }()

		store, err := sqlite.New(rootCtx, config.GetString("db.path"))
		if err != nil {
			FatalError("failed to open landing job store: %v", err)
		}
		defer func() { _ = store.Close() }()

		reposPath := config.GetString("repos.file")
		set, err := repos.Load(reposPath)
		if err != nil {
			FatalError("failed to load landing targets from %s: %v", reposPath, err)
		}

		var targets atomic.Pointer[repos.Set]
		targets.Store(set)

		watcher, err := repos.NewWatcher(reposPath,
			func(next *repos.Set) {
				targets.Store(next)
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

		projects := cache.New(config.GetString("redis.url"), log)
		reviewClient := review.NewClient(
			config.GetString("review.url"),
			config.GetString("review.token"),
			config.GetDuration("review.timeout"),
			projects,
		)

		patches, err := blob.New(config.GetString("blob.scheme"), config.GetString("blob.bucket"), config.GetString("blob.root"))
		if err != nil {
			FatalError("failed to open patch store: %v", err)
		}

		publicURL := config.GetString("review.public_url")
		if publicURL == "" {
			publicURL = config.GetString("review.url")
		}

		srv := &api.Server{
			Store:       store,
			Review:      reviewClient,
			Engine:      &assess.Engine{Store: store, Review: reviewClient, Log: log},
			Targets:     targets.Load,
			Patches:     patches,
			Vars:        newVars(store),
			Log:         log,
			ReviewURL:   publicURL,
			Version:     Version,
			CORSOrigins: config.GetStringSlice("api.cors_origins"),
		}

		httpSrv := &http.Server{
			Addr:              config.GetString("api.listen"),
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-rootCtx.Done()
			log.Info("shutting down api server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				log.Warn("api server shutdown failed", zap.Error(err))
			}
		}()

		log.Info("api server listening",
			zap.String("addr", httpSrv.Addr),
			zap.String("version", Version),
			zap.Strings("targets", set.Names()))
		if !jsonOutput {
			fmt.Printf("%s Treeline API listening on %s\n", ui.RenderPass("✓"), httpSrv.Addr)
		}

		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			FatalError("api server failed: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
