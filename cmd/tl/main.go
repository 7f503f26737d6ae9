// Command tl is the Treeline CLI: client commands for requesting and
// inspecting landings, plus the serve/worker entry points that run the
// service itself.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/untoldecay/treeline/internal/config"
)

// rootCtx is cancelled on SIGINT/SIGTERM so long-running commands
// (serve, worker) shut down cleanly.
var rootCtx context.Context

// jsonOutput mirrors the persistent --json flag.
var jsonOutput bool

var (
	emailFlag  string
	groupsFlag string
	apiFlag    string
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Treeline lands reviewed code onto upstream repositories",
	Long: `Treeline converts reviewed revisions into commits pushed onto upstream
repositories. The CLI talks to a Treeline API server for landing requests
and runs the server and landing worker themselves.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		if jsonOutput {
			config.Set("json", true)
		}
		if apiFlag != "" {
			config.Set("api.base_url", apiFlag)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&emailFlag, "email", "", "Email to act as (default: config user.email, then git config user.email)")
	rootCmd.PersistentFlags().StringVar(&groupsFlag, "groups", "", "Comma-separated access groups to claim (development only)")
	rootCmd.PersistentFlags().StringVar(&apiFlag, "api", "", "Treeline API base URL (default: config api.base_url)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "landing", Title: "Landing Commands:"},
		&cobra.Group{ID: "service", Title: "Service Commands:"},
	)
}

// outputJSON marshals v to indented JSON on stdout.
func outputJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

// FatalError prints a formatted error to stderr and exits non-zero.
func FatalError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// FatalErrorRespectJSON is FatalError, but emits {"error": ...} when the
// --json flag is set so scripted callers always get parseable output.
func FatalErrorRespectJSON(format string, args ...interface{}) {
	if jsonOutput {
		outputJSON(map[string]string{"error": fmt.Sprintf(format, args...)})
		os.Exit(1)
	}
	FatalError(format, args...)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	rootCtx = ctx

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
