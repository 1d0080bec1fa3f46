//go:build cgo && tesseract

package ocr

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/textimage/internal/imagestore"
)

func TestTesseract_Recognize(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping OCR engine test in short mode")
	}

	ref := imagestore.Ref("a")
	tess, err := NewTesseract(TesseractConfig{
		Preprocess: PreprocessConfig{MinWidth: 1200, Threshold: 128},
	}, mapSource{ref: textImage(t, "HELLO WORLD", 4)})
	require.NoError(t, err)

	text, err := tess.Recognize(context.Background(), ref)
	require.NoError(t, err)
	assert.Contains(t, strings.ToUpper(text), "HELLO")
}
