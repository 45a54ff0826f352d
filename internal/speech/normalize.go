package speech

import (
	"regexp"
	"strings"
)

var (
	// *laughs*, [sighs]
	markedDirection = regexp.MustCompile(`\*([^*\n]{1,40})\*|\[([^\]\n]{1,40})\]`)

	// (laughs), parentheses only count when they hold a known direction.
	parenDirection = regexp.MustCompile(`\(([^)\n]{1,40})\)`)

	whitespace = regexp.MustCompile(`\s+`)

	discourseMarker = regexp.MustCompile(`(?i)(^|[.!?]\s+)(you know|actually|anyway|well|hmm|so|oh)\s+`)

	// spoken punctuation left over from removed directions
	strayPunct = regexp.MustCompile(`\s+([,.!?])(\s|$)`)
)

// vocalization maps a stage direction to the text spoken in its place, if
// any. The second result reports whether the direction is known.
func vocalization(direction string) (string, bool) {
	d := strings.ToLower(strings.TrimSpace(direction))
	switch {
	case strings.Contains(d, "laugh"):
		return "ha ha ha", true
	case strings.Contains(d, "chuckle"), strings.Contains(d, "giggle"):
		return "heh heh", true
	case strings.Contains(d, "sigh"):
		return "hmm", true
	case strings.Contains(d, "pause"), d == "beat", strings.Contains(d, "silence"):
		return "...", true
	}
	return "", false
}

// Normalize turns annotated reply text into plain text suitable for a
// synthesis engine. Known stage directions are vocalized or replaced with a
// pause, unknown asterisk and bracket annotations are dropped, whitespace is
// collapsed, and a comma is added after a leading discourse marker.
func Normalize(text string) string {
	out := markedDirection.ReplaceAllStringFunc(text, func(m string) string {
		spoken, _ := vocalization(m[1 : len(m)-1])
		return " " + spoken + " "
	})
	out = parenDirection.ReplaceAllStringFunc(out, func(m string) string {
		if spoken, ok := vocalization(m[1 : len(m)-1]); ok {
			return " " + spoken + " "
		}
		return m
	})
	out = strings.TrimSpace(whitespace.ReplaceAllString(out, " "))
	out = strayPunct.ReplaceAllString(out, "$1$2")
	out = discourseMarker.ReplaceAllString(out, "${1}${2}, ")
	return out
}
