package textmatch

import (
	"regexp"
	"strings"
)

var (
	doubleQuoted = regexp.MustCompile(`["“]([^"”]+)["”]`)
	singleQuoted = regexp.MustCompile(`(?:^|[^\p{L}\p{N}])['‘]([^'’]+)['’](?:$|[^\p{L}\p{N}])`)
	introduced   = regexp.MustCompile(`(?i)\b(?:(?:saying|reading|that says|which says|with the text|with the words)\s*:?\s+|text\s*:\s*)([\p{L}\p{N}][^,.;!?]*)`)
)

// LiteralText returns the literal text a prompt asks to be rendered: the
// first quoted span, or failing that the words after a phrase such as
// "saying", "reading" or "text:". ok is false for purely descriptive
// prompts. A bare "text" needs the colon, so "no text on it" or "text
// free" stay descriptive.
func LiteralText(prompt string) (text string, ok bool) {
	for _, re := range []*regexp.Regexp{doubleQuoted, singleQuoted, introduced} {
		if m := re.FindStringSubmatch(prompt); m != nil {
			if t := strings.TrimSpace(m[1]); t != "" {
				return t, true
			}
		}
	}
	return "", false
}
