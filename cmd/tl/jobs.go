package main

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/untoldecay/treeline/internal/jobs"
	"github.com/untoldecay/treeline/internal/ui"
)

var revisionArgRe = regexp.MustCompile(`^D[1-9][0-9]*$`)

var jobsCmd = &cobra.Command{
	Use:     "jobs <D<revision> | job-id>",
	GroupID: "landing",
	Short:   "List landing jobs for a stack, or show one job",
	Long: `With a revision id, list every landing job that touches the revision's
stack, newest first:

  tl jobs D123
  tl jobs D123 --status FAILED
  tl jobs D123 --since "2 days ago"

With a numeric job id, show that job in full, including the merge-conflict
breakdown when the landing failed to apply:

  tl jobs 42`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if revisionArgRe.MatchString(args[0]) {
			listStackJobs(cmd, args[0])
			return
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			FatalErrorRespectJSON("argument %q is neither a revision id (D123) nor a job id", args[0])
		}
		showJob(id)
	},
}

func listStackJobs(cmd *cobra.Command, revisionID string) {
	statusFilter, _ := cmd.Flags().GetString("status")
	sinceRaw, _ := cmd.Flags().GetString("since")

	var since time.Time
	if sinceRaw != "" {
		t, err := parseSince(sinceRaw)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		since = t
	}

	list, err := newAPIClient().StackJobs(rootCtx, revisionID)
	if err != nil {
		FatalErrorRespectJSON("listing jobs failed: %v", err)
	}

	filtered := list[:0]
	for _, job := range list {
		if statusFilter != "" && !strings.EqualFold(job.Status, statusFilter) {
			continue
		}
		if !since.IsZero() && job.CreatedAt.Before(since) {
			continue
		}
		filtered = append(filtered, job)
	}

	if jsonOutput {
		outputJSON(filtered)
		return
	}

	rows := make([]ui.JobRow, len(filtered))
	for i, job := range filtered {
		rows[i] = ui.JobRow{
			ID:        job.ID,
			Status:    job.Status,
			Revisions: ui.SummarizePath(pathStrings(job.LandingPath)),
			Requester: job.RequesterEmail,
			Created:   job.CreatedAt.Local().Format("2006-01-02 15:04"),
			Details:   job.Details,
		}
	}
	fmt.Println(ui.RenderJobsTable(rows, ui.GetWidth()))
}

func showJob(id int64) {
	job, err := newAPIClient().GetJob(rootCtx, id)
	if err != nil {
		FatalErrorRespectJSON("fetching job %d failed: %v", id, err)
	}

	if jsonOutput {
		outputJSON(job)
		return
	}

	row := ui.JobRow{
		ID:        job.ID,
		Status:    job.Status,
		Requester: job.RequesterEmail,
		Created:   job.CreatedAt.Local().Format("2006-01-02 15:04"),
		Details:   job.Details,
	}
	fmt.Print(ui.RenderJobDetail(row, pathStrings(job.LandingPath), ui.GetWidth()))

	if job.ErrorBreakdown != nil {
		fmt.Printf("\n%s\n", ui.RenderFail("✗ The landing failed to apply cleanly:"))
		fmt.Print(ui.RenderBreakdown(job.ErrorBreakdown, ui.GetWidth()))
	}
}

func pathStrings(path []jobs.PathEntry) []string {
	out := make([]string, len(path))
	for i, entry := range path {
		out[i] = fmt.Sprintf("D%d:%d", entry.RevisionID, entry.DiffID)
	}
	return out
}

// parseSince accepts RFC3339, YYYY-MM-DD, or natural language ("2 days ago",
// "last monday").
func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, time.Local); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(raw, time.Now())
	if err != nil || r == nil {
		return time.Time{}, fmt.Errorf("could not parse --since value %q", raw)
	}
	return r.Time, nil
}

func init() {
	jobsCmd.Flags().String("status", "", "Only list jobs with this status (SUBMITTED, IN_PROGRESS, DEFERRED, FAILED, LANDED, CANCELLED)")
	jobsCmd.Flags().String("since", "", "Only list jobs created after this time (RFC3339, YYYY-MM-DD, or natural language)")
	rootCmd.AddCommand(jobsCmd)
}
