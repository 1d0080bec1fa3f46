//go:build !cgo || !tesseract

package ocr

import (
	"context"
	"errors"

	"github.com/spherical-ai/textimage/internal/imagestore"
)

// ErrTesseractUnavailable is returned when the binary was built without the
// tesseract build tag or without cgo.
var ErrTesseractUnavailable = errors.New("tesseract support not compiled in; rebuild with CGO_ENABLED=1 -tags tesseract")

// TesseractConfig configures the local OCR engine.
type TesseractConfig struct {
	Language   string
	Preprocess PreprocessConfig
}

// Tesseract is unavailable in this build.
type Tesseract struct{}

func NewTesseract(TesseractConfig, ImageSource) (*Tesseract, error) {
	return nil, ErrTesseractUnavailable
}

func (*Tesseract) Recognize(context.Context, imagestore.Ref) (string, error) {
	return "", ErrTesseractUnavailable
}
