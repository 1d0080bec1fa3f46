// Package reasoning derives the intended text from a prompt and rewrites
// prompts after a failed attempt.
package reasoning

import (
	"context"
	"fmt"
	"strings"

	"github.com/spherical-ai/textimage/internal/llm"
)

// NoIntendedText is the marker the model answers when a prompt asks for no
// literal text.
const NoIntendedText = "NO_INTENDED_TEXT"

// Completer is the chat completion surface the LLM-backed components need.
type Completer interface {
	Complete(ctx context.Context, messages ...llm.Message) (string, error)
}

// FallbackPrompt is the deterministic rewrite used whenever a model gives
// nothing usable. It is never empty.
func FallbackPrompt(originalPrompt, intendedText, lastRecognized string) string {
	var b strings.Builder
	if scene := strings.TrimRight(strings.TrimSpace(originalPrompt), "."); scene != "" {
		b.WriteString(scene)
		b.WriteString(". ")
	}
	fmt.Fprintf(&b, `The image must contain exactly the text "%s"`, intendedText)
	if letters := spellOut(intendedText); letters != "" {
		fmt.Fprintf(&b, ", spelled %s", letters)
	}
	b.WriteString(", rendered in large, bold, high-contrast lettering on a plain background, sharp and clearly legible, with no other text")
	if lastRecognized != "" {
		fmt.Fprintf(&b, `. A previous attempt rendered "%s" by mistake; avoid that`, lastRecognized)
	}
	b.WriteString(".")
	return b.String()
}

// spellOut renders "Open 24" as "O-P-E-N 2-4".
func spellOut(text string) string {
	words := strings.Fields(text)
	for i, w := range words {
		words[i] = strings.Join(strings.Split(strings.ToUpper(w), ""), "-")
	}
	return strings.Join(words, " ")
}

// stripFences removes a surrounding Markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
