package ocr

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/spherical-ai/textimage/internal/imagestore"
	"github.com/spherical-ai/textimage/internal/llm"
)

// NoTextMarker is what the vision model is told to answer for an image
// without legible text.
const NoTextMarker = "NO_TEXT"

const visionInstruction = `Transcribe every piece of legible text visible in this image exactly as it is rendered, including any misspellings.
Do not correct spelling, translate or describe the image.
Output only the transcribed text on a single line, words separated by single spaces.
If there is no legible text, output exactly: ` + NoTextMarker

// Completer is the chat completion surface the vision recognizer needs.
type Completer interface {
	Complete(ctx context.Context, messages ...llm.Message) (string, error)
}

// Vision recognizes text by asking a vision-language model to transcribe it.
type Vision struct {
	llm    Completer
	source ImageSource
}

// NewVision creates a vision recognizer.
func NewVision(client Completer, source ImageSource) *Vision {
	return &Vision{llm: client, source: source}
}

// Recognize returns the model's transcription of ref, or "" when the model
// reports no legible text.
func (v *Vision) Recognize(ctx context.Context, ref imagestore.Ref) (string, error) {
	data, err := v.source.Read(ref)
	if err != nil {
		return "", err
	}

	out, err := v.llm.Complete(ctx, llm.ImageMessage("user", visionInstruction, http.DetectContentType(data), data))
	if err != nil {
		return "", fmt.Errorf("vision transcription: %w", err)
	}

	out = strings.Trim(strings.TrimSpace(out), "`\"")
	if out == NoTextMarker {
		return "", nil
	}
	return strings.TrimSpace(out), nil
}
