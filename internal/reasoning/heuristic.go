package reasoning

import (
	"context"

	"github.com/spherical-ai/textimage/internal/textmatch"
)

// HeuristicExtractor finds quoted or introduced text without a model.
type HeuristicExtractor struct{}

func (HeuristicExtractor) Extract(ctx context.Context, prompt string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	text, ok := textmatch.LiteralText(prompt)
	return text, ok, nil
}

// TemplateReviser always answers FallbackPrompt.
type TemplateReviser struct{}

func (TemplateReviser) Revise(ctx context.Context, originalPrompt, intendedText, lastRecognized string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return FallbackPrompt(originalPrompt, intendedText, lastRecognized), nil
}
