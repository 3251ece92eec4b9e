package formatting

import (
	"regexp"
	"strings"
)

var (
	fenceOpen  = regexp.MustCompile("^```(?:markdown|md)?[ \\t]*(?:\\r?\\n|$)")
	fenceClose = regexp.MustCompile("(?:\\r?\\n)?```[ \\t]*$")
)

// StripCodeFence removes one wrapping fenced code block marker from content
// and trims surrounding whitespace. Recognized openers are ```markdown, ```md,
// and a bare ```. The closing marker is removed only when an opener was found,
// so a code block that merely ends the content is preserved.
func StripCodeFence(content string) string {
	s := strings.TrimSpace(content)

	loc := fenceOpen.FindStringIndex(s)
	if loc == nil {
		return s
	}
	s = s[loc[1]:]

	if loc := fenceClose.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}

	return strings.TrimSpace(s)
}
