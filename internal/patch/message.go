package patch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// bugRe is deliberately conservative: "bug 12345" and "b=12345" forms only.
// Anything fancier produces too many false positives in commit titles.
var bugRe = regexp.MustCompile(`(?i)\b(?:bug\s*#?\s*|b=#?\s*)(\d+)`)

// maxPlausibleBug filters out tracker noise; values at or above it are file
// sizes, timestamps, or hashes that happened to follow the word "bug".
const maxPlausibleBug = 100000000

// ParseBugs extracts bug ids referenced by a commit title, in order of
// first appearance, deduplicated.
func ParseBugs(title string) []int {
	var out []int
	seen := map[int]bool{}
	for _, m := range bugRe.FindAllStringSubmatch(title, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 || n >= maxPlausibleBug || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// MessageParams is the input to the commit-message builder. Title is the
// revision title, or the sec-approval sanitised title when one exists.
type MessageParams struct {
	Title       string
	Summary     string
	BugID       int
	Reviewers   []string
	RevisionURL string
	Flags       []string
}

// BuildMessage renders the canonical landed commit message: a first line of
// "Bug N - title r=reviewers flags", then the summary, then the revision URL
// trailer. It returns the first line separately because the bug-update path
// scans titles only.
func BuildMessage(p MessageParams) (firstLine, full string) {
	firstLine = strings.TrimSpace(p.Title)
	if p.BugID > 0 && !bugRe.MatchString(firstLine) {
		firstLine = fmt.Sprintf("Bug %d - %s", p.BugID, firstLine)
	}
	if len(p.Reviewers) > 0 {
		firstLine += " r=" + strings.Join(p.Reviewers, ",")
	}
	for _, f := range p.Flags {
		if f = strings.TrimSpace(f); f != "" {
			firstLine += " " + f
		}
	}

	var b strings.Builder
	b.WriteString(firstLine)
	if s := strings.TrimSpace(p.Summary); s != "" {
		b.WriteString("\n\n")
		b.WriteString(s)
	}
	if p.RevisionURL != "" {
		b.WriteString("\n\nDifferential Revision: ")
		b.WriteString(p.RevisionURL)
	}
	return firstLine, b.String()
}
