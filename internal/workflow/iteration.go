package workflow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/spherical-ai/textimage/internal/domain"
	"github.com/spherical-ai/textimage/internal/imagestore"
	"github.com/spherical-ai/textimage/internal/observability"
	"github.com/spherical-ai/textimage/internal/textmatch"
)

// Generator produces an image for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (imagestore.Ref, error)
}

// Recognizer reads the text rendered in an image.
type Recognizer interface {
	Recognize(ctx context.Context, ref imagestore.Ref) (string, error)
}

// Recorder receives run and collaborator measurements.
type Recorder interface {
	RunStarted()
	RunFinished(status string, iterations int, elapsed time.Duration)
	ObserveCall(collaborator string, elapsed time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) RunStarted()                              {}
func (nopRecorder) RunFinished(string, int, time.Duration)   {}
func (nopRecorder) ObserveCall(string, time.Duration, error) {}

// Attempt is the result of one generate-recognize-match pass.
type Attempt struct {
	ImageRef   imagestore.Ref
	Recognized string
	Match      bool
}

// Controller performs a single attempt. It never retries: a failed call is
// returned to the caller as a generation or recognition error.
type Controller struct {
	gen     Generator
	rec     Recognizer
	metrics Recorder
}

// NewController creates a controller. metrics may be nil.
func NewController(gen Generator, rec Recognizer, metrics Recorder) *Controller {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Controller{gen: gen, rec: rec, metrics: metrics}
}

// Generate runs the image generator once.
func (c *Controller) Generate(ctx context.Context, prompt string) (imagestore.Ref, error) {
	ctx, span := observability.StartSpan(ctx, "image.generate", attribute.Int("prompt.length", len(prompt)))
	start := time.Now()

	ref, err := c.gen.Generate(ctx, prompt)
	if err == nil && ref == "" {
		err = domain.ErrImageNotFound
	}
	c.metrics.ObserveCall("generator", time.Since(start), err)
	observability.EndSpan(span, err)

	if err != nil {
		return "", domain.GenerationError("image generation failed", err)
	}
	return ref, nil
}

// Recognize runs OCR on ref and matches the result against intended.
func (c *Controller) Recognize(ctx context.Context, ref imagestore.Ref, intended string) (string, bool, error) {
	ctx, span := observability.StartSpan(ctx, "text.recognize", attribute.String("image.ref", string(ref)))
	start := time.Now()

	text, err := c.rec.Recognize(ctx, ref)
	c.metrics.ObserveCall("recognizer", time.Since(start), err)
	observability.EndSpan(span, err)

	if err != nil {
		return "", false, domain.RecognitionError("text recognition failed", err)
	}
	return text, textmatch.Matches(text, intended), nil
}

// Run generates, recognizes and matches in sequence.
func (c *Controller) Run(ctx context.Context, prompt, intended string) (Attempt, error) {
	ref, err := c.Generate(ctx, prompt)
	if err != nil {
		return Attempt{}, err
	}

	text, match, err := c.Recognize(ctx, ref, intended)
	if err != nil {
		return Attempt{ImageRef: ref}, err
	}
	return Attempt{ImageRef: ref, Recognized: text, Match: match}, nil
}
