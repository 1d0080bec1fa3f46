// Package ocr provides text recognition backends: a local Tesseract engine
// and a vision-language model.
package ocr

import (
	"bytes"
	"fmt"
	"image"

	"github.com/anthonynsimon/bild/segment"
	"github.com/disintegration/imaging"

	"github.com/spherical-ai/textimage/internal/imagestore"
)

// ImageSource resolves image references to bytes.
type ImageSource interface {
	Read(ref imagestore.Ref) ([]byte, error)
}

// PreprocessConfig tunes image clean-up before OCR.
type PreprocessConfig struct {
	// MinWidth upscales narrower images so glyphs are large enough for OCR.
	MinWidth int
	// Contrast is a percentage in [-100, 100].
	Contrast float64
	// Threshold binarises the image; 0 disables it.
	Threshold uint8
}

// Preprocess converts img to a high-contrast grayscale (and optionally
// binarised) image sized for recognition.
func Preprocess(img image.Image, cfg PreprocessConfig) image.Image {
	out := imaging.Grayscale(img)
	if cfg.MinWidth > 0 && out.Bounds().Dx() < cfg.MinWidth {
		out = imaging.Resize(out, cfg.MinWidth, 0, imaging.Lanczos)
	}
	if cfg.Contrast != 0 {
		out = imaging.AdjustContrast(out, cfg.Contrast)
	}
	if cfg.Threshold > 0 {
		return segment.Threshold(out, cfg.Threshold)
	}
	return out
}

// preprocessBytes decodes data, preprocesses it and re-encodes it as PNG.
func preprocessBytes(data []byte, cfg PreprocessConfig) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, Preprocess(img, cfg), imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}
