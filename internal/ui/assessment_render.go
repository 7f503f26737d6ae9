package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/untoldecay/treeline/internal/assess"
)

// RenderAssessment renders a dryrun/submission assessment: a blocker box when
// landing is blocked, a warnings table when anything needs acknowledgement,
// and a green all-clear otherwise.
func RenderAssessment(view *assess.View, width int) string {
	var sections []string

	if view.Blocker != nil {
		blockBox := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorFail).
			Padding(0, 1).
			Width(width - 2)

		var content []string
		content = append(content, lipgloss.NewStyle().Bold(true).Foreground(ColorFail).Render("✗ Landing is blocked"))
		content = append(content, "", *view.Blocker)
		sections = append(sections, blockBox.Render(strings.Join(content, "\n")))
	}

	if len(view.Warnings) > 0 {
		rows := [][]string{}
		for _, group := range view.Warnings {
			for _, inst := range group.Instances {
				details := inst.Details
				if details == "" {
					details = group.Display
				}
				rows = append(rows, []string{fmt.Sprintf("W%d", group.ID), inst.RevisionID, details})
			}
		}

		t := newTable(width).
			Headers("Warning", "Revision", "Details").
			Rows(rows...).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return TableHeaderStyle
				}
				style := lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Left)
				if col == 0 {
					style = style.Foreground(ColorWarn)
				}
				return style
			})
		sections = append(sections, t.String())
	}

	if view.Blocker == nil && len(view.Warnings) == 0 {
		sections = append(sections, RenderPass("✓")+" Landing is clear: no blockers, no warnings.")
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}
