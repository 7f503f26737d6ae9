// Package patch parses and builds the two patch dialects accepted for
// landings: mail-style hg export patches and git format-patch output. Both
// parse into the same normalised record. Line endings inside the diff are
// preserved byte-for-byte; CRLF diffs must survive a parse/emit round trip.
package patch

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Format identifies a patch dialect.
type Format string

const (
	FormatHgExport Format = "hgexport"
	FormatGit      Format = "git-format-patch"
)

// Patch is the normalised parse result shared by both dialects.
type Patch struct {
	AuthorName  string
	AuthorEmail string
	// Timestamp is the author date as a string of unix seconds. Timezone
	// offsets present in the source are dropped.
	Timestamp string
	// Message is the full commit message (title line plus body), trimmed of
	// surrounding blank lines.
	Message string
	// Diff is the raw diff content, byte-for-byte as it appeared.
	Diff []byte

	// hg export headers, when present in the source.
	NodeID        string
	ParentID      string
	DiffStartLine int
	FailImport    bool
}

// FirstLine returns the title line of the commit message.
func (p *Patch) FirstLine() string {
	if i := strings.IndexByte(p.Message, '\n'); i >= 0 {
		return strings.TrimRight(p.Message[:i], "\r")
	}
	return p.Message
}

var diffLineRe = regexp.MustCompile(`^diff\s+\S+\s+\S+`)

// Detect guesses the dialect of a raw patch. hg export patches open with a
// "# " header block; everything else is treated as format-patch.
func Detect(data []byte) Format {
	if bytes.HasPrefix(data, []byte("# ")) {
		return FormatHgExport
	}
	return FormatGit
}

// Parse dispatches on Detect.
func Parse(data []byte) (*Patch, error) {
	if Detect(data) == FormatHgExport {
		return ParseHgExport(data)
	}
	return ParseGitFormatPatch(data)
}

// ParseAuthor splits a "Name <email>" value. Surrounding quotes on the name
// are trimmed. Values without angle brackets fall back to using the whole
// value as the email and the local part, dots replaced by spaces, as the
// name.
func ParseAuthor(value string) (name, email string) {
	value = strings.TrimSpace(value)
	if i := strings.IndexByte(value, '<'); i >= 0 {
		name = strings.Trim(strings.TrimSpace(value[:i]), `"`)
		rest := value[i+1:]
		if j := strings.IndexByte(rest, '>'); j >= 0 {
			email = strings.TrimSpace(rest[:j])
		} else {
			email = strings.TrimSpace(rest)
		}
		return name, email
	}
	email = value
	local := value
	if at := strings.IndexByte(local, '@'); at >= 0 {
		local = local[:at]
	}
	name = strings.ReplaceAll(local, ".", " ")
	return name, email
}

// rfc2822Layouts covers the date formats git and mail clients emit. The
// "Mon, 2 Jan" layout also accepts single-digit days.
var rfc2822Layouts = []string{
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon Jan 2 15:04:05 2006 -0700",
}

func parseRFC2822(value string) (string, error) {
	value = strings.TrimSpace(value)
	for _, layout := range rfc2822Layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return strconv.FormatInt(t.Unix(), 10), nil
		}
	}
	return "", fmt.Errorf("unparseable date %q", value)
}

// splitLinesKeepEnds splits data into lines, each retaining its original
// terminator so CRLF content reassembles unchanged.
func splitLinesKeepEnds(data []byte) [][]byte {
	var lines [][]byte
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			lines = append(lines, data)
			break
		}
		lines = append(lines, data[:i+1])
		data = data[i+1:]
	}
	return lines
}

// lineText strips the terminator from a raw line for matching.
func lineText(line []byte) string {
	return strings.TrimRight(string(line), "\r\n")
}
