package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/untoldecay/treeline/internal/config"
	"github.com/untoldecay/treeline/internal/dynconfig"
	"github.com/untoldecay/treeline/internal/storage"
	"github.com/untoldecay/treeline/internal/storage/sqlite"
	"github.com/untoldecay/treeline/internal/ui"
)

func newVars(s storage.Storage) *dynconfig.Vars {
	ttl := config.GetDuration("dynconfig.ttl")
	if ttl <= 0 {
		ttl = dynconfig.DefaultTTL
	}
	return dynconfig.New(s, ttl)
}

// openVars opens the job store for direct variable access. Admin commands
// talk to the database, not the API: they must work when the API is down.
func openVars() (*sqlite.SQLiteStorage, *dynconfig.Vars) {
	store, err := sqlite.New(rootCtx, config.GetString("db.path"))
	if err != nil {
		FatalErrorRespectJSON("failed to open landing job store: %v", err)
	}
	return store, newVars(store)
}

func setVar(key, value string) {
	store, vars := openVars()
	defer func() { _ = store.Close() }()

	if err := vars.Set(rootCtx, key, value); err != nil {
		FatalErrorRespectJSON("failed to set %s: %v", key, err)
	}
	if jsonOutput {
		outputJSON(map[string]string{key: value})
		return
	}
	fmt.Printf("%s Set %s = %s\n", ui.RenderPass("✓"), key, value)
}

var adminCmd = &cobra.Command{
	Use:     "admin",
	GroupID: "service",
	Short:   "Operate the landing queue",
	Long: `Operator controls for the landing pipeline. These write dynamic config
variables in the database; the worker and API notice changes within the
dynconfig TTL (default 60s) without a restart.`,
}

var adminPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause landings: the worker sleeps without claiming jobs",
	Run: func(cmd *cobra.Command, args []string) {
		setVar(dynconfig.KeyPause, "true")
	},
}

var adminResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume landings after a pause",
	Run: func(cmd *cobra.Command, args []string) {
		setVar(dynconfig.KeyPause, "false")
	},
}

var adminStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the worker: running workers exit, new ones refuse to start",
	Run: func(cmd *cobra.Command, args []string) {
		setVar(dynconfig.KeyStop, "true")
	},
}

var adminStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Clear the stop flag so workers can run again",
	Run: func(cmd *cobra.Command, args []string) {
		setVar(dynconfig.KeyStop, "false")
	},
}

var adminThrottleCmd = &cobra.Command{
	Use:   "throttle <seconds>",
	Short: "Set the pause between processed jobs",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setVar(dynconfig.KeyThrottleSeconds, mustSeconds(args[0]))
	},
}

var adminGraceCmd = &cobra.Command{
	Use:   "grace <seconds>",
	Short: "Set how long fresh submissions stay cancellable before claiming",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setVar(dynconfig.KeyGraceSeconds, mustSeconds(args[0]))
	},
}

var adminCapacityCmd = &cobra.Command{
	Use:   "capacity <n>",
	Short: "Set the active-job limit per repository (0 disables the limit)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			FatalErrorRespectJSON("capacity must be a non-negative integer, got %q", args[0])
		}
		setVar(dynconfig.KeyCapacity, strconv.Itoa(n))
	},
}

var adminShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current dynamic config variables",
	Run: func(cmd *cobra.Command, args []string) {
		store, vars := openVars()
		defer func() { _ = store.Close() }()

		pause, err := vars.Bool(rootCtx, dynconfig.KeyPause, config.GetBool("landing.pause"))
		if err != nil {
			FatalErrorRespectJSON("failed to read variables: %v", err)
		}
		stop, _ := vars.Bool(rootCtx, dynconfig.KeyStop, config.GetBool("landing.stop"))
		throttle, _ := vars.Int(rootCtx, dynconfig.KeyThrottleSeconds, config.GetInt("worker.throttle_seconds"))
		grace, _ := vars.Int(rootCtx, dynconfig.KeyGraceSeconds, config.GetInt("worker.grace_seconds"))
		capacity, _ := vars.Int(rootCtx, dynconfig.KeyCapacity, 0)

		if jsonOutput {
			outputJSON(map[string]interface{}{
				dynconfig.KeyPause:           pause,
				dynconfig.KeyStop:            stop,
				dynconfig.KeyThrottleSeconds: throttle,
				dynconfig.KeyGraceSeconds:    grace,
				dynconfig.KeyCapacity:        capacity,
			})
			return
		}

		fmt.Printf("  %-24s %v\n", dynconfig.KeyPause, pause)
		fmt.Printf("  %-24s %v\n", dynconfig.KeyStop, stop)
		fmt.Printf("  %-24s %d\n", dynconfig.KeyThrottleSeconds, throttle)
		fmt.Printf("  %-24s %d\n", dynconfig.KeyGraceSeconds, grace)
		fmt.Printf("  %-24s %d\n", dynconfig.KeyCapacity, capacity)
	},
}

func mustSeconds(arg string) string {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		FatalErrorRespectJSON("want a non-negative number of seconds, got %q", arg)
	}
	return strconv.Itoa(n)
}

func init() {
	adminCmd.AddCommand(adminPauseCmd, adminResumeCmd, adminStopCmd, adminStartCmd,
		adminThrottleCmd, adminGraceCmd, adminCapacityCmd, adminShowCmd)
	rootCmd.AddCommand(adminCmd)
}
