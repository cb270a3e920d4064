// Package assistant – format.go prepares assistant output for delivery
// to chat surfaces: strips mass-mention triggers, closes dangling code
// fences, and caps message length at a natural boundary.
package assistant

import (
	"strings"
)

// maxMessageChars is the delivery cap per message. Discord allows 2000;
// staying under leaves room for the truncation marker.
const maxMessageChars = 1900

// truncationMarker is appended when output is cut at the length cap.
const truncationMarker = "\n\n*(message truncated)*"

// massMentions are tokens that would ping entire communities if passed
// through verbatim.
var massMentions = []string{"@everyone", "@here"}

// FormatForChannel makes assistant text safe and well-formed for the
// named surface. Discord uses standard Markdown natively, so the work
// is neutralizing mentions, balancing fences, and capping length.
func FormatForChannel(text, channel string) string {
	text = strings.TrimSpace(text)
	text = neutralizeMassMentions(text)
	text = closeDanglingFence(text)
	if len(text) > maxMessageChars {
		text = truncateAtBoundary(text, maxMessageChars-len(truncationMarker))
		text = closeDanglingFence(text) + truncationMarker
	}
	return text
}

// SanitizeForMarkdown prevents backtick injection when embedding
// untrusted text inside inline code spans, by inserting a zero-width
// space after each backtick.
func SanitizeForMarkdown(s string) string {
	return strings.ReplaceAll(s, "`", "`​")
}

// neutralizeMassMentions defangs @everyone/@here with a zero-width
// space so the text still reads the same without pinging.
func neutralizeMassMentions(text string) string {
	for _, m := range massMentions {
		defanged := "@​" + strings.TrimPrefix(m, "@")
		text = strings.ReplaceAll(text, m, defanged)
	}
	return text
}

// closeDanglingFence balances ``` fences so a truncated or malformed
// reply does not swallow subsequent chat messages into a code block.
func closeDanglingFence(text string) string {
	if strings.Count(text, "```")%2 == 1 {
		return text + "\n```"
	}
	return text
}

// truncateAtBoundary cuts text to at most max bytes, preferring a
// paragraph break, then a line break, then a word boundary.
func truncateAtBoundary(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if idx := strings.LastIndex(cut, "\n\n"); idx > max/2 {
		return cut[:idx]
	}
	if idx := strings.LastIndex(cut, "\n"); idx > max/2 {
		return cut[:idx]
	}
	if idx := strings.LastIndex(cut, " "); idx > max/2 {
		return cut[:idx]
	}
	return cut
}
