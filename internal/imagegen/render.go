package imagegen

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/spherical-ai/textimage/internal/imagestore"
	"github.com/spherical-ai/textimage/internal/textmatch"
)

// RenderConfig configures the offline renderer.
type RenderConfig struct {
	Width  int
	Height int
	// Scale is the integer upscale applied to the 7x13 bitmap font.
	Scale int
	// Rewrite, when set, transforms the text before drawing. Tests and
	// demos use it to simulate a model that misspells.
	Rewrite func(attempt int, text string) string
}

// Renderer draws the literal text of a prompt onto a plain canvas. It needs
// no network access and is used for local runs and tests.
type Renderer struct {
	cfg      RenderConfig
	sink     Sink
	attempts atomic.Int64
}

// NewRenderer creates a renderer writing into sink.
func NewRenderer(cfg RenderConfig, sink Sink) *Renderer {
	if cfg.Width <= 0 {
		cfg.Width = 1024
	}
	if cfg.Height <= 0 {
		cfg.Height = 768
	}
	if cfg.Scale <= 0 {
		cfg.Scale = 6
	}
	return &Renderer{cfg: cfg, sink: sink}
}

// Generate renders the prompt's literal text, or the whole prompt when it
// carries none.
func (r *Renderer) Generate(ctx context.Context, prompt string) (imagestore.Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	attempt := int(r.attempts.Add(1))
	text, ok := textmatch.LiteralText(prompt)
	if !ok {
		text = prompt
	}
	if r.cfg.Rewrite != nil {
		text = r.cfg.Rewrite(attempt, text)
	}

	img, err := r.render(text)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	return r.sink.Put(buf.Bytes())
}

func (r *Renderer) render(text string) (image.Image, error) {
	face := basicfont.Face7x13
	lines := wrap(strings.ToUpper(text), face, r.cfg.Width/r.cfg.Scale-8)
	if len(lines) == 0 {
		lines = []string{""}
	}

	lineHeight := face.Metrics().Height.Ceil() + 2
	width := 0
	for _, l := range lines {
		if w := font.MeasureString(face, l).Ceil(); w > width {
			width = w
		}
	}

	small := image.NewRGBA(image.Rect(0, 0, width+8, lineHeight*len(lines)+8))
	draw.Draw(small, small.Bounds(), image.White, image.Point{}, draw.Src)

	d := &font.Drawer{Dst: small, Src: image.NewUniform(color.Black), Face: face}
	for i, l := range lines {
		d.Dot = fixed.P(4, 4+face.Metrics().Ascent.Ceil()+i*lineHeight)
		d.DrawString(l)
	}

	scaled := imaging.Resize(small, small.Bounds().Dx()*r.cfg.Scale, 0, imaging.NearestNeighbor)
	if scaled.Bounds().Dx() > r.cfg.Width || scaled.Bounds().Dy() > r.cfg.Height {
		return nil, fmt.Errorf("text %q does not fit a %dx%d canvas", text, r.cfg.Width, r.cfg.Height)
	}

	canvas := imaging.New(r.cfg.Width, r.cfg.Height, color.White)
	return imaging.PasteCenter(canvas, scaled), nil
}

// wrap breaks text into lines no wider than maxWidth pixels in face.
func wrap(text string, face font.Face, maxWidth int) []string {
	var lines []string
	var cur string
	for _, word := range strings.Fields(text) {
		next := word
		if cur != "" {
			next = cur + " " + word
		}
		if cur != "" && font.MeasureString(face, next).Ceil() > maxWidth {
			lines = append(lines, cur)
			cur = word
			continue
		}
		cur = next
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}
