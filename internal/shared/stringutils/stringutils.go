package stringutils

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var reThink = regexp.MustCompile(`(?is)<(think|thinking)>.*?</(think|thinking)>`)

// Truncate shortens s to at most n runes, adding "..." if it was truncated.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// StripThink removes <think>…</think> blocks that some models embed in
// their replies, and trims what is left.
func StripThink(s string) string {
	if !strings.Contains(strings.ToLower(s), "<think") {
		return s
	}
	return strings.TrimSpace(reThink.ReplaceAllString(s, ""))
}
