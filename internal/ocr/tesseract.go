//go:build cgo && tesseract

package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/spherical-ai/textimage/internal/imagestore"
)

// TesseractConfig configures the local OCR engine.
type TesseractConfig struct {
	Language   string
	Preprocess PreprocessConfig
}

// Tesseract recognizes text with a local Tesseract install.
type Tesseract struct {
	cfg    TesseractConfig
	source ImageSource
}

// NewTesseract creates a Tesseract recognizer reading images from source.
func NewTesseract(cfg TesseractConfig, source ImageSource) (*Tesseract, error) {
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	return &Tesseract{cfg: cfg, source: source}, nil
}

// Recognize returns the text Tesseract reads in ref, whitespace-trimmed.
// Tesseract itself cannot be interrupted, so ctx is only checked around it;
// callers stop waiting when ctx ends.
func (t *Tesseract) Recognize(ctx context.Context, ref imagestore.Ref) (string, error) {
	data, err := t.source.Read(ref)
	if err != nil {
		return "", err
	}
	data, err = preprocessBytes(data, t.cfg.Preprocess)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.cfg.Language); err != nil {
		return "", fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return "", fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("OCR failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
