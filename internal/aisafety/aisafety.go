// Package aisafety bounds and scrubs text on its way into and out of the
// language model. Input may contain attacker-written instructions; output is
// rendered as HTML.
package aisafety

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	roleTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*(system|assistant|user|tool)\s*/?\s*>`)

	headingPattern    = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s?`)
	boldStarPattern   = regexp.MustCompile(`\*\*(.*?)\*\*`)
	boldUnderPattern  = regexp.MustCompile(`__(.*?)__`)
	inlineCodePattern = regexp.MustCompile("`([^`]+)`")
	linkPattern       = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	quotePattern      = regexp.MustCompile(`(?m)^\s*>\s?`)
	bulletPattern     = regexp.MustCompile(`(?m)^\s*[-*]\s+`)
)

const codeFence = "```"

// SanitizeUntrustedContext prepares third-party text for inclusion in a
// prompt. Control characters become spaces, the text is trimmed and cut to
// maxChars runes, then role tags and code fences are removed until none
// remain. Applying it to its own output is a no-op.
func SanitizeUntrustedContext(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, text)
	cleaned = truncateRunes(strings.TrimSpace(cleaned), maxChars)

	// Removing one tag can join the halves of another, so repeat.
	for {
		next := strings.ReplaceAll(cleaned, codeFence, "")
		next = roleTagPattern.ReplaceAllString(next, "")
		next = strings.TrimSpace(next)
		if next == cleaned {
			return next
		}
		cleaned = next
	}
}

// BuildBoundedContext joins non-empty parts with newlines while keeping the
// total rune count of the parts within maxTotalChars. The part that crosses
// the budget is clipped and later parts are dropped. Separators are not
// counted.
func BuildBoundedContext(parts []string, maxTotalChars int) string {
	chunks := make([]string, 0, len(parts))
	used := 0
	for _, part := range parts {
		if part == "" || used >= maxTotalChars {
			continue
		}
		clipped := truncateRunes(part, maxTotalChars-used)
		chunks = append(chunks, clipped)
		used += utf8.RuneCountInString(clipped)
	}
	return strings.Join(chunks, "\n")
}

var allowedTags = strings.NewReplacer(
	"&lt;b&gt;", "<b>",
	"&lt;/b&gt;", "</b>",
	"&lt;i&gt;", "<i>",
	"&lt;/i&gt;", "</i>",
	"&lt;br&gt;", "<br>",
	"&lt;br/&gt;", "<br>",
	"&lt;br /&gt;", "<br>",
)

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// SanitizeCoachOutput turns model output into safe HTML. Markdown syntax is
// stripped, everything is escaped, and only <b>, <i> and <br> are restored.
func SanitizeCoachOutput(text string) string {
	out := strings.ReplaceAll(text, codeFence, "")
	out = headingPattern.ReplaceAllString(out, "")
	out = boldStarPattern.ReplaceAllString(out, "$1")
	out = boldUnderPattern.ReplaceAllString(out, "$1")
	out = inlineCodePattern.ReplaceAllString(out, "$1")
	out = linkPattern.ReplaceAllString(out, "$1")
	out = quotePattern.ReplaceAllString(out, "")
	out = bulletPattern.ReplaceAllString(out, "")

	out = htmlEscaper.Replace(out)
	out = allowedTags.Replace(out)
	return strings.ReplaceAll(out, "\n", "<br>")
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
