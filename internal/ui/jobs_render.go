package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// JobRow is one landing job prepared for tabular rendering.
type JobRow struct {
	ID        int64
	Status    string
	Revisions string
	Requester string
	Created   string
	Details   string
}

// StatusStyle returns the style for a landing-job status cell.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "LANDED":
		return TableSuccessStyle
	case "FAILED":
		return lipgloss.NewStyle().Foreground(ColorFail)
	case "CANCELLED":
		return TableHintStyle
	case "DEFERRED":
		return TableWarningStyle
	case "IN_PROGRESS":
		return lipgloss.NewStyle().Foreground(ColorAccent)
	default: // SUBMITTED
		return lipgloss.NewStyle()
	}
}

// StatusIcon returns a one-glyph marker for the status, empty without emoji.
func StatusIcon(status string) string {
	if !ShouldUseEmoji() {
		return ""
	}
	switch status {
	case "LANDED":
		return "✓ "
	case "FAILED":
		return "✗ "
	case "CANCELLED":
		return "⊘ "
	case "DEFERRED":
		return "⏸ "
	case "IN_PROGRESS":
		return "→ "
	default:
		return "• "
	}
}

// RenderJobsTable renders landing jobs newest-first into a bordered table.
func RenderJobsTable(jobs []JobRow, width int) string {
	if len(jobs) == 0 {
		return TableHintStyle.Render("  No landing jobs found.")
	}

	rows := [][]string{}
	statuses := []string{}
	for _, j := range jobs {
		maxDetails := width - 60
		if maxDetails < 12 {
			maxDetails = 12
		}
		details := j.Details
		if len(details) > maxDetails {
			details = details[:maxDetails-3] + "..."
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", j.ID),
			StatusIcon(j.Status) + j.Status,
			j.Revisions,
			j.Requester,
			j.Created,
			details,
		})
		statuses = append(statuses, j.Status)
	}

	return newTable(width).
		Headers("Job", "Status", "Revisions", "Requester", "Created", "Details").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			style := lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Left)
			if col == 1 && row >= 0 && row < len(statuses) {
				return StatusStyle(statuses[row]).Padding(0, 1)
			}
			return style
		}).
		String()
}

// TargetRow is one landing target prepared for tabular rendering.
type TargetRow struct {
	Name        string
	Tree        string
	AccessGroup string
	URL         string
	Notes       string
}

// RenderTargetsTable renders the configured landing targets.
func RenderTargetsTable(targets []TargetRow, width int) string {
	if len(targets) == 0 {
		return TableHintStyle.Render("  No landing targets configured.")
	}

	rows := [][]string{}
	for _, t := range targets {
		rows = append(rows, []string{t.Name, t.Tree, t.AccessGroup, t.URL, t.Notes})
	}

	return newTable(width).
		Headers("Target", "Tree", "Access", "URL", "Notes").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			style := lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Left)
			if col == 0 {
				style = style.Bold(true).Foreground(ColorAccent)
			}
			return style
		}).
		String()
}

// RenderJobDetail renders one job as a two-column summary table followed by
// the landing path.
func RenderJobDetail(j JobRow, path []string, width int) string {
	var sections []string

	rows := [][]string{
		{"Status", StatusIcon(j.Status) + j.Status},
		{"Requester", j.Requester},
		{"Created", j.Created},
	}
	if j.Details != "" {
		rows = append(rows, []string{"Details", j.Details})
	}

	t := newTable(width).
		Headers("Field", fmt.Sprintf("Landing Job %d", j.ID)).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				if col == 0 {
					return TableHeaderStyle.Width(14)
				}
				return TableHeaderStyle.Width(width - 14 - 3)
			}
			style := lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Left)
			if col == 0 {
				style = style.Bold(true).Foreground(ColorAccent)
			}
			if col == 1 && row == 0 {
				return StatusStyle(j.Status).Padding(0, 1)
			}
			return style
		})
	sections = append(sections, t.String())

	if len(path) > 0 {
		sections = append(sections, "", lipgloss.NewStyle().Bold(true).Render("Landing path:"))
		for i, entry := range path {
			sections = append(sections, fmt.Sprintf("  %d. %s", i+1, entry))
		}
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

// SummarizePath renders a landing path as "D1:42 → D2:43".
func SummarizePath(entries []string) string {
	return strings.Join(entries, " → ")
}
