package patch

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

var patchSubjectPrefixRe = regexp.MustCompile(`^\s*\[PATCH[^\]]*\]\s*`)

// ParseGitFormatPatch parses git format-patch output: an RFC 822-like
// header block (From:, Date:, Subject:), the commit body up to the "---"
// separator, then the diff up to the "-- " signature trailer. Header
// continuation lines (leading whitespace) are unfolded into the previous
// header, which is how long subjects arrive.
func ParseGitFormatPatch(data []byte) (*Patch, error) {
	lines := splitLinesKeepEnds(data)
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty patch")
	}

	i := 0
	// mbox separator line, e.g. "From 9fb9b2d... Mon Sep 17 00:00:00 2001".
	if text := lineText(lines[0]); strings.HasPrefix(text, "From ") {
		i = 1
	}

	headers := map[string]string{}
	lastKey := ""
	for ; i < len(lines); i++ {
		text := lineText(lines[i])
		if text == "" {
			i++
			break
		}
		if (strings.HasPrefix(text, " ") || strings.HasPrefix(text, "\t")) && lastKey != "" {
			headers[lastKey] += " " + strings.TrimSpace(text)
			continue
		}
		key, value, ok := strings.Cut(text, ":")
		if !ok {
			return nil, fmt.Errorf("malformed patch header line %q", text)
		}
		lastKey = key
		headers[key] = strings.TrimSpace(value)
	}

	from, ok := headers["From"]
	if !ok || from == "" {
		return nil, fmt.Errorf("patch is missing a From header")
	}
	date, ok := headers["Date"]
	if !ok || date == "" {
		return nil, fmt.Errorf("patch is missing a Date header")
	}

	p := &Patch{}
	p.AuthorName, p.AuthorEmail = ParseAuthor(from)
	ts, err := parseRFC2822(date)
	if err != nil {
		return nil, fmt.Errorf("parsing Date header: %w", err)
	}
	p.Timestamp = ts

	subject := patchSubjectPrefixRe.ReplaceAllString(headers["Subject"], "")

	// Body paragraphs up to the "---" separator belong to the commit
	// message. Everything between "---" and the first diff line is the
	// diffstat, which is presentation only.
	var bodyLines [][]byte
	sepAt := -1
	for j := i; j < len(lines); j++ {
		if lineText(lines[j]) == "---" {
			sepAt = j
			break
		}
		bodyLines = append(bodyLines, lines[j])
	}

	var diffLines [][]byte
	if sepAt >= 0 {
		diffAt := -1
		for j := sepAt + 1; j < len(lines); j++ {
			if diffLineRe.MatchString(lineText(lines[j])) {
				diffAt = j
				break
			}
		}
		if diffAt >= 0 {
			end := len(lines)
			for j := diffAt; j < len(lines); j++ {
				// "-- " opens the version trailer emitted by format-patch.
				if text := strings.TrimRight(string(lines[j]), "\r\n"); text == "-- " || text == "--" {
					end = j
					break
				}
			}
			diffLines = lines[diffAt:end]
		}
	}

	body := strings.TrimSpace(string(bytes.Join(bodyLines, nil)))
	switch {
	case subject != "" && body != "":
		p.Message = subject + "\n\n" + body
	case subject != "":
		p.Message = subject
	default:
		p.Message = body
	}
	p.Diff = bytes.Join(diffLines, nil)
	return p, nil
}
