package answer

import (
	"regexp"
	"strings"
)

var (
	markdownLinkRegex   = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	markdownHeaderRegex = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	listBulletRegex     = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	removeEmojiRegex    = regexp.MustCompile(`[^\p{L}\p{N}\p{P}\p{Z}\s]`)
	multipleSpacesRegex = regexp.MustCompile(`\s+`)

	markdownReplacer = strings.NewReplacer(
		"**", "", // bold
		"__", "", // underline
		"~~", "", // strikethrough
		"`", "", // inline code
		"*", "", // italic
	)
)

// NormalizeForSpeech strips formatting the synthesizer would read aloud:
// markdown markers, emoji and repeated whitespace.
func NormalizeForSpeech(text string) string {
	text = markdownLinkRegex.ReplaceAllString(text, "$1")
	text = markdownHeaderRegex.ReplaceAllString(text, "")
	text = listBulletRegex.ReplaceAllString(text, "")
	text = markdownReplacer.Replace(text)
	text = removeEmojiRegex.ReplaceAllString(text, "")
	text = multipleSpacesRegex.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
