package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/untoldecay/treeline/internal/config"
	"github.com/untoldecay/treeline/internal/repos"
	"github.com/untoldecay/treeline/internal/ui"
)

var reposCmd = &cobra.Command{
	Use:     "repos",
	GroupID: "service",
	Short:   "List the configured landing targets",
	Long:    `List the landing targets defined in the repos file (config repos.file).`,
	Run: func(cmd *cobra.Command, args []string) {
		path := config.GetString("repos.file")
		set, err := repos.Load(path)
		if err != nil {
			FatalErrorRespectJSON("failed to load %s: %v", path, err)
		}

		if jsonOutput {
			outputJSON(set.All())
			return
		}

		rows := make([]ui.TargetRow, 0, set.Len())
		for _, repo := range set.All() {
			rows = append(rows, ui.TargetRow{
				Name:        repo.Name,
				Tree:        repo.Tree,
				AccessGroup: repo.AccessGroup,
				URL:         repo.URL,
				Notes:       targetNotes(repo),
			})
		}
		fmt.Println(ui.RenderTargetsTable(rows, ui.GetWidth()))
	},
}

func targetNotes(repo repos.Repo) string {
	var notes []string
	if repo.ApprovalRequired {
		notes = append(notes, "uplift")
	}
	if repo.AutoformatEnabled {
		notes = append(notes, "autoformat")
	}
	if repo.ForcePush {
		notes = append(notes, "force-push")
	}
	if repo.PushBookmark != "" {
		notes = append(notes, "bookmark="+repo.PushBookmark)
	}
	return strings.Join(notes, ", ")
}

func init() {
	rootCmd.AddCommand(reposCmd)
}
