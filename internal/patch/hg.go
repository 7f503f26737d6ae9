package patch

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// hgHeaderKeys are the recognised "# Key Value" export headers, longest
// first so "Diff Start Line" is not swallowed by a shorter prefix.
var hgHeaderKeys = []string{
	"Diff Start Line",
	"Fail HG Import",
	"Node ID",
	"Parent",
	"User",
	"Date",
}

// ParseHgExport parses a mail-style hg export patch. The leading block of
// "# Key Value" lines ends at the first line not prefixed with "# ". When a
// "# Diff Start Line N" header is present the diff begins at line N
// (1-based over the whole patch) and the commit message is everything
// between the header block and line N. Without it, the message ends at the
// first line that looks like the start of a diff.
func ParseHgExport(data []byte) (*Patch, error) {
	lines := splitLinesKeepEnds(data)
	p := &Patch{}

	headerEnd := 0
	for i, line := range lines {
		if !bytes.HasPrefix(line, []byte("# ")) {
			break
		}
		headerEnd = i + 1
		text := lineText(line)
		for _, key := range hgHeaderKeys {
			prefix := "# " + key + " "
			if !strings.HasPrefix(text, prefix) {
				continue
			}
			value := strings.TrimSpace(text[len(prefix):])
			switch key {
			case "User":
				p.AuthorName, p.AuthorEmail = ParseAuthor(value)
			case "Date":
				// "<unix-seconds> <tz-offset>"; only the seconds survive.
				fields := strings.Fields(value)
				if len(fields) > 0 {
					p.Timestamp = fields[0]
				}
			case "Node ID":
				p.NodeID = value
			case "Parent":
				p.ParentID = value
			case "Diff Start Line":
				n, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("invalid Diff Start Line %q: %w", value, err)
				}
				p.DiffStartLine = n
			case "Fail HG Import":
				p.FailImport = true
			}
			break
		}
	}

	if p.AuthorEmail == "" && p.AuthorName == "" {
		return nil, fmt.Errorf("patch is missing a User header")
	}
	if p.Timestamp == "" {
		return nil, fmt.Errorf("patch is missing a Date header")
	}

	var messageLines, diffLines [][]byte
	if p.DiffStartLine > 0 {
		if p.DiffStartLine <= headerEnd || p.DiffStartLine > len(lines)+1 {
			return nil, fmt.Errorf("Diff Start Line %d is outside the patch", p.DiffStartLine)
		}
		messageLines = lines[headerEnd : p.DiffStartLine-1]
		diffLines = lines[p.DiffStartLine-1:]
	} else {
		diffAt := -1
		for i := headerEnd; i < len(lines); i++ {
			if diffLineRe.MatchString(lineText(lines[i])) {
				diffAt = i
				break
			}
		}
		if diffAt < 0 {
			messageLines = lines[headerEnd:]
		} else {
			messageLines = lines[headerEnd:diffAt]
			diffLines = lines[diffAt:]
		}
	}

	p.Message = strings.TrimSpace(string(bytes.Join(messageLines, nil)))
	p.Diff = bytes.Join(diffLines, nil)
	return p, nil
}

// MarshalHgExport renders the patch back into export form with an explicit
// Diff Start Line header. Parsing the output yields an identical record.
func (p *Patch) MarshalHgExport() []byte {
	headers := []string{
		"# HG changeset patch",
		fmt.Sprintf("# User %s <%s>", p.AuthorName, p.AuthorEmail),
		fmt.Sprintf("# Date %s +0000", p.Timestamp),
	}
	if p.NodeID != "" {
		headers = append(headers, "# Node ID "+p.NodeID)
	}
	if p.ParentID != "" {
		headers = append(headers, "# Parent "+p.ParentID)
	}
	if p.FailImport {
		headers = append(headers, "# Fail HG Import FAIL")
	}

	messageLineCount := 0
	if p.Message != "" {
		messageLineCount = strings.Count(p.Message, "\n") + 1
	}
	// Header block, the Diff Start Line header itself, the message, and one
	// separating blank line put the diff at this 1-based line.
	diffStart := len(headers) + 1 + messageLineCount + 1 + 1

	var b bytes.Buffer
	for _, h := range headers {
		b.WriteString(h)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "# Diff Start Line %d\n", diffStart)
	if p.Message != "" {
		b.WriteString(p.Message)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.Write(p.Diff)
	return b.Bytes()
}
