package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/untoldecay/treeline/internal/ui"
)

var cancelCmd = &cobra.Command{
	Use:     "cancel <job-id>",
	GroupID: "landing",
	Short:   "Cancel a queued landing job",
	Long: `Cancel a landing job you requested. Only jobs that have not started
processing (SUBMITTED or DEFERRED) can be cancelled.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			FatalErrorRespectJSON("invalid job id %q", args[0])
		}

		if !force && !jsonOutput {
			if !ui.PromptYesNo(fmt.Sprintf("Cancel landing job %d?", id), false) {
				return
			}
		}

		if err := newAPIClient().CancelJob(rootCtx, id); err != nil {
			FatalErrorRespectJSON("cancelling job %d failed: %v", id, err)
		}

		if jsonOutput {
			outputJSON(map[string]int64{"id": id})
			return
		}
		fmt.Printf("%s Cancelled landing job %d\n", ui.RenderPass("✓"), id)
	},
}

func init() {
	cancelCmd.Flags().BoolP("force", "f", false, "Cancel without prompting")
	rootCmd.AddCommand(cancelCmd)
}
