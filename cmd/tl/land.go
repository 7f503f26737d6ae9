package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/untoldecay/treeline/internal/ui"
)

var landCmd = &cobra.Command{
	Use:     "land D<revision>:<diff> [D<revision>:<diff>...]",
	GroupID: "landing",
	Short:   "Queue a landing for a stack of revisions",
	Long: `Assess and queue a landing. Each argument names one revision and the
diff to land, parent first:

  tl land D123:456
  tl land D123:456 D124:457

Blockers stop the landing outright. Warnings are shown and must be
acknowledged interactively (or with --yes) before the landing is queued.
On success the landing job id is printed; follow it with 'tl jobs <id>'.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")

		path, err := parseLandingPath(args)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}

		client := newAPIClient()
		view, err := client.DryRun(rootCtx, path)
		if err != nil {
			FatalErrorRespectJSON("assessment failed: %v", err)
		}

		if view.Blocker != nil {
			if jsonOutput {
				outputJSON(view)
				os.Exit(1)
			}
			fmt.Print(ui.RenderAssessment(view, ui.GetWidth()))
			fmt.Fprintf(os.Stderr, "  %s Resolve the blocker and re-run 'tl dryrun' to check\n", ui.RenderMuted("Hint:"))
			os.Exit(1)
		}

		token := ""
		if len(view.Warnings) > 0 {
			if !jsonOutput {
				fmt.Print(ui.RenderAssessment(view, ui.GetWidth()))
			}
			if !yes {
				if !ui.IsTerminal() {
					FatalErrorRespectJSON("landing has unacknowledged warnings; re-run with --yes to acknowledge them")
				}
				confirmWarnings(len(view.Warnings))
			}
			if view.ConfirmationToken != nil {
				token = *view.ConfirmationToken
			}
		}

		id, err := client.Submit(rootCtx, path, token)
		if err != nil {
			var p *problem
			if errors.As(err, &p) {
				if jsonOutput {
					outputJSON(p)
					os.Exit(1)
				}
				if p.Assessment != nil {
					fmt.Print(ui.RenderAssessment(p.Assessment, ui.GetWidth()))
				}
				FatalError("%s", p.Error())
			}
			FatalErrorRespectJSON("landing failed: %v", err)
		}

		if jsonOutput {
			outputJSON(map[string]int64{"id": id})
			return
		}
		fmt.Printf("%s Queued landing job %d\n", ui.RenderPass("✓"), id)
		fmt.Printf("  Follow it with: %s\n", ui.RenderAccent(fmt.Sprintf("tl jobs %d", id)))
	},
}

// confirmWarnings runs the interactive acknowledgement form. Declining or
// aborting exits without landing.
func confirmWarnings(count int) {
	confirmed := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Acknowledge %d warning group(s) and land?", count)).
				Description("Acknowledged warnings do not block the landing.").
				Affirmative("Land").
				Negative("Abort").
				Value(&confirmed),
		),
	).WithTheme(huh.ThemeDracula())

	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			fmt.Fprintln(os.Stderr, ui.RenderWarn("Landing aborted."))
			os.Exit(0)
		}
		FatalError("form error: %v", err)
	}
	if !confirmed {
		fmt.Fprintln(os.Stderr, ui.RenderWarn("Landing aborted."))
		os.Exit(0)
	}
}

func init() {
	landCmd.Flags().BoolP("yes", "y", false, "Acknowledge all warnings without prompting")
	rootCmd.AddCommand(landCmd)
}
