package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/untoldecay/treeline/internal/jobs"
)

// RenderBreakdown renders a merge-conflict breakdown as styled markdown:
// which files failed to apply, who touched them last, and the reject hunks.
// Falls back to the plain markdown when rendering is unavailable.
func RenderBreakdown(b *jobs.ErrorBreakdown, width int) string {
	md := breakdownMarkdown(b)
	if !ShouldUseColor() {
		return md
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

func breakdownMarkdown(b *jobs.ErrorBreakdown) string {
	var sb strings.Builder

	sb.WriteString("## Merge conflict breakdown\n\n")

	if len(b.FailedPaths) > 0 {
		sb.WriteString("The following paths failed to apply:\n\n")
		for _, fp := range b.FailedPaths {
			if fp.URL != "" {
				fmt.Fprintf(&sb, "- `%s` last changed in [%s](%s)\n", fp.Path, fp.ChangesetID, fp.URL)
			} else {
				fmt.Fprintf(&sb, "- `%s` last changed in %s\n", fp.Path, fp.ChangesetID)
			}
		}
		sb.WriteString("\n")
	}

	if len(b.RejectPaths) > 0 {
		paths := make([]string, 0, len(b.RejectPaths))
		for p := range b.RejectPaths {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		sb.WriteString("### Rejected hunks\n\n")
		for _, p := range paths {
			rej := b.RejectPaths[p]
			fmt.Fprintf(&sb, "**%s**\n\n", rej.Path)
			sb.WriteString("```diff\n")
			sb.WriteString(strings.TrimRight(rej.Content, "\n"))
			sb.WriteString("\n```\n\n")
		}
	}

	return sb.String()
}
