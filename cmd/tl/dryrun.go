package main

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/untoldecay/treeline/internal/ui"
)

// pathArgRe matches one landing-path argument: D<revision>:<diff>.
var pathArgRe = regexp.MustCompile(`^(D[1-9][0-9]*):([1-9][0-9]*)$`)

// parseLandingPath turns CLI arguments like "D123:456" into the wire shape.
func parseLandingPath(args []string) ([]pathEntryPayload, error) {
	path := make([]pathEntryPayload, 0, len(args))
	for _, arg := range args {
		m := pathArgRe.FindStringSubmatch(arg)
		if m == nil {
			return nil, fmt.Errorf("invalid landing-path entry %q: want D<revision>:<diff>, e.g. D123:456", arg)
		}
		diffID, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, fmt.Errorf("invalid diff id in %q: %w", arg, err)
		}
		path = append(path, pathEntryPayload{RevisionID: m[1], DiffID: diffID})
	}
	return path, nil
}

var dryrunCmd = &cobra.Command{
	Use:     "dryrun D<revision>:<diff> [D<revision>:<diff>...]",
	GroupID: "landing",
	Short:   "Assess a landing without queueing it",
	Long: `Assess whether a landing path could land right now.

Each argument names one revision and the diff to land, parent first:

  tl dryrun D123:456
  tl dryrun D123:456 D124:457

The server reports the blocker stopping the landing, or the warnings that
would need acknowledgement, without creating a landing job.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path, err := parseLandingPath(args)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}

		view, err := newAPIClient().DryRun(rootCtx, path)
		if err != nil {
			var p *problem
			if errors.As(err, &p) && jsonOutput {
				outputJSON(p)
				return
			}
			FatalErrorRespectJSON("dryrun failed: %v", err)
		}

		if jsonOutput {
			outputJSON(view)
			return
		}
		fmt.Print(ui.RenderAssessment(view, ui.GetWidth()))
	},
}

func init() {
	rootCmd.AddCommand(dryrunCmd)
}
