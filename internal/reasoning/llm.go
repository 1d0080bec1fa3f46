package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spherical-ai/textimage/internal/domain"
	"github.com/spherical-ai/textimage/internal/llm"
)

const extractorSystem = `You identify the exact text a user wants rendered inside a generated image.
Literal text is text the prompt quotes or names explicitly, for example "a sign saying 'Open'" or "a banner reading Welcome Home".
Answer with the literal text only, without quotes, preserving its capitalisation and punctuation.
If the prompt only describes a scene and asks for no literal text, answer exactly: ` + NoIntendedText

const reviserSystem = `You improve prompts for a text-to-image model that keeps misrendering text.
You are given the original prompt, the text that must appear in the image and what OCR actually read in the last attempt.
Write one new prompt that keeps the original scene but makes the exact text far more likely to render correctly: quote the text verbatim, spell out tricky words letter by letter, and ask for large, bold, high-contrast, legible lettering.
Respond with JSON only: {"revised_prompt": "..."}`

// LLMExtractor finds the intended text with a reasoning model.
type LLMExtractor struct {
	llm Completer
}

// NewLLMExtractor creates an extractor.
func NewLLMExtractor(client Completer) *LLMExtractor {
	return &LLMExtractor{llm: client}
}

// Extract returns the literal text of prompt. ok is false when the prompt
// asks for none. A model or transport failure is returned as an error
// wrapping domain.ErrReasoningUnavailable, never as ok=false.
func (e *LLMExtractor) Extract(ctx context.Context, prompt string) (string, bool, error) {
	out, err := e.llm.Complete(ctx,
		llm.TextMessage("system", extractorSystem),
		llm.TextMessage("user", "Prompt: "+prompt),
	)
	if err != nil {
		return "", false, domain.ReasoningError("intent extraction", err)
	}

	text := strings.TrimSpace(stripFences(out))
	text = strings.Trim(text, `"'“”‘’`)
	text = strings.TrimSpace(text)
	if text == "" || text == NoIntendedText {
		return "", false, nil
	}
	return text, true, nil
}

// LLMReviser rewrites prompts with a reasoning model.
type LLMReviser struct {
	llm Completer
}

// NewLLMReviser creates a reviser.
func NewLLMReviser(client Completer) *LLMReviser {
	return &LLMReviser{llm: client}
}

type revision struct {
	RevisedPrompt string `json:"revised_prompt"`
	// Older prompt templates used this key.
	SuggestedPromptAdjustment string `json:"suggested_prompt_adjustment"`
}

// Revise asks the model for a better prompt. An unusable answer degrades to
// FallbackPrompt; only a failed call is an error.
func (r *LLMReviser) Revise(ctx context.Context, originalPrompt, intendedText, lastRecognized string) (string, error) {
	user := fmt.Sprintf("Original prompt: %s\nRequired text: %s\nOCR read: %s", originalPrompt, intendedText, lastRecognized)
	out, err := r.llm.Complete(ctx,
		llm.TextMessage("system", reviserSystem),
		llm.TextMessage("user", user),
	)
	if err != nil {
		return "", domain.ReasoningError("prompt revision", err)
	}

	if revised := parseRevision(out); revised != "" {
		return revised, nil
	}
	return FallbackPrompt(originalPrompt, intendedText, lastRecognized), nil
}

func parseRevision(out string) string {
	body := stripFences(out)

	var rev revision
	if err := json.Unmarshal([]byte(body), &rev); err == nil {
		if p := strings.TrimSpace(rev.RevisedPrompt); p != "" {
			return p
		}
		return strings.TrimSpace(rev.SuggestedPromptAdjustment)
	}

	// Some models ignore the JSON instruction and answer with the prompt.
	if strings.HasPrefix(body, "{") {
		return ""
	}
	return strings.TrimSpace(body)
}
