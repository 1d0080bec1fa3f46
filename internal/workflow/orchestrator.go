// Package workflow runs the generate-verify-revise loop: it drives
// iterations against a fixed budget and deadline and reports progress as
// an ordered event stream.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spherical-ai/textimage/internal/domain"
	"github.com/spherical-ai/textimage/internal/events"
	"github.com/spherical-ai/textimage/internal/imagestore"
	"github.com/spherical-ai/textimage/internal/observability"
)

const (
	DefaultMaxIterations = 8
	DefaultDeadline      = 5 * time.Minute
)

// Messages carried by workflow_error for failures that happen before the
// first iteration completes.
const (
	MsgEmptyPrompt       = "prompt is empty"
	MsgNoIntendedText    = "no intended text"
	MsgIntentUnavailable = "intent extraction unavailable"
	MsgCancelled         = "run cancelled"
)

// Extractor derives the intended text from a prompt. ok=false with a nil
// error means the prompt asks for no literal text.
type Extractor interface {
	Extract(ctx context.Context, prompt string) (text string, ok bool, err error)
}

// Reviser rewrites the prompt after a mismatch.
type Reviser interface {
	Revise(ctx context.Context, originalPrompt, intendedText, lastRecognized string) (string, error)
}

// Config fixes the run budget for a deployment.
type Config struct {
	MaxIterations int
	Deadline      time.Duration
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Generator  Generator
	Recognizer Recognizer
	Extractor  Extractor
	Reviser    Reviser
	Metrics    Recorder
	Logger     *observability.Logger
}

// Orchestrator owns the iteration loop of every run it executes. Runs are
// independent; one Orchestrator can execute many concurrently.
type Orchestrator struct {
	cfg       Config
	ctrl      *Controller
	extractor Extractor
	reviser   Reviser
	metrics   Recorder
	logger    *observability.Logger
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.Nop()
	}

	return &Orchestrator{
		cfg:       cfg,
		ctrl:      NewController(deps.Generator, deps.Recognizer, metrics),
		extractor: deps.Extractor,
		reviser:   deps.Reviser,
		metrics:   metrics,
		logger:    logger.WithComponent("orchestrator"),
	}
}

// Config returns the effective budget.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Execute drives run to a terminal state, emitting every event to stream,
// and returns the final snapshot. Cancelling ctx is not how a run is
// normally stopped: the deadline is. A cancelled ctx ends the run as
// errored.
func (o *Orchestrator) Execute(ctx context.Context, run *Run, stream *events.Stream) Snapshot {
	start := time.Now()
	deadline := start.Add(o.cfg.Deadline)
	run.begin(start, deadline)
	o.metrics.RunStarted()

	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	e := &execution{
		o:        o,
		run:      run,
		stream:   stream,
		ctx:      runCtx,
		parent:   ctx,
		deadline: deadline,
		logger:   o.logger.WithRun(run.ID()),
	}
	e.logger.Info().
		Int("max_iterations", o.cfg.MaxIterations).
		Time("deadline", deadline).
		Bool("intended_text_supplied", run.Request().IntendedText != "").
		Msg("Run started")

	e.execute()

	snap := run.Snapshot()
	elapsed := time.Since(start)
	o.metrics.RunFinished(string(snap.Status), len(snap.Iterations), elapsed)
	e.logger.Info().
		Str("status", string(snap.Status)).
		Str("reason", string(snap.Reason)).
		Int("iterations", len(snap.Iterations)).
		Dur("elapsed", elapsed).
		Msg("Run finished")
	return snap
}

// execution is the state of one Execute call.
type execution struct {
	o        *Orchestrator
	run      *Run
	stream   *events.Stream
	ctx      context.Context
	parent   context.Context
	deadline time.Time
	logger   *observability.Logger

	intended string
}

type genResult struct {
	ref imagestore.Ref
	err error
}

type extractResult struct {
	text string
	ok   bool
	err  error
}

type recognizeResult struct {
	text  string
	match bool
	err   error
}

type reviseResult struct {
	prompt string
	err    error
}

func (e *execution) execute() {
	req := e.run.Request()
	if err := req.Validate(); err != nil {
		e.fail(0, ReasonInvalidRequest, domain.TypeOf(err), MsgEmptyPrompt, err)
		return
	}

	prompt := req.Prompt
	e.intended = req.IntendedText
	if e.intended != "" {
		if err := e.run.enterRunning(e.intended); err != nil {
			e.logger.Error().Err(err).Msg("Invalid state transition")
			return
		}
	}

	// Iteration 1 overlaps generation with intent extraction.
	index, ok := e.startIteration(prompt)
	if !ok {
		return
	}
	ref, ok := e.firstGeneration(index, prompt)
	if !ok {
		return
	}

	for {
		recognized, match, ok := e.recognize(index, ref)
		if !ok {
			return
		}

		if match {
			e.complete(index, ref, recognized)
			return
		}

		next, outcome, revErr := e.nextPrompt(index, prompt, recognized)
		if !e.analyse(index, recognized, false, mismatchFeedback(recognized, e.intended, outcome, revErr)) {
			return
		}
		if outcome == revisionAbortedByDeadline {
			e.timeout(ReasonDeadline)
			return
		}
		prompt = next

		index, ok = e.startIteration(prompt)
		if !ok {
			return
		}
		ref, ok = e.generate(index, prompt)
		if !ok {
			return
		}
	}
}

// startIteration enforces the budget and deadline before opening the next
// iteration.
func (e *execution) startIteration(prompt string) (int, bool) {
	next := len(e.run.Snapshot().Iterations) + 1
	if next > e.o.cfg.MaxIterations {
		e.timeout(ReasonIterationBudget)
		return 0, false
	}
	if e.expired() {
		e.timeout(ReasonDeadline)
		return 0, false
	}

	index, err := e.run.appendIteration(prompt, time.Now())
	if err != nil {
		e.logger.Error().Err(err).Msg("Cannot open iteration")
		return 0, false
	}
	e.emit(events.IterationStart{Iteration: index, Prompt: prompt})
	e.logger.Debug().Int("iteration", index).Msg("Iteration started")
	return index, true
}

// firstGeneration runs iteration 1's generation, concurrently with intent
// extraction when the request carried no intended text, and joins both.
// Whichever finishes first is reported first.
func (e *execution) firstGeneration(index int, prompt string) (imagestore.Ref, bool) {
	if e.intended != "" {
		return e.generate(index, prompt)
	}

	genCtx, cancelGen := context.WithCancel(e.ctx)
	defer cancelGen()

	genCh := make(chan genResult, 1)
	go func() {
		ref, err := e.o.ctrl.Generate(genCtx, prompt)
		genCh <- genResult{ref: ref, err: err}
	}()

	extCh := make(chan extractResult, 1)
	go func() {
		text, ok, err := e.extract(prompt)
		extCh <- extractResult{text: text, ok: ok, err: err}
	}()

	var ref imagestore.Ref
	haveImage, haveIntent := false, false
	for !haveImage || !haveIntent {
		select {
		case r := <-genCh:
			if r.err != nil {
				e.callFailed(index, ReasonGeneration, r.err)
				return "", false
			}
			if !e.imageReady(index, r.ref) {
				return "", false
			}
			ref, haveImage = r.ref, true

		case r := <-extCh:
			if !e.intentResolved(r) {
				return "", false
			}
			haveIntent = true

		case <-e.ctx.Done():
			// Either call may still be running; its result is dropped.
			e.callFailed(index, ReasonGeneration, e.ctx.Err())
			return "", false
		}
	}
	return ref, true
}

func (e *execution) extract(prompt string) (string, bool, error) {
	ctx, span := observability.StartSpan(e.ctx, "intent.extract")
	start := time.Now()
	text, ok, err := e.o.extractor.Extract(ctx, prompt)
	e.o.metrics.ObserveCall("extractor", time.Since(start), err)
	observability.EndSpan(span, err)
	return text, ok, err
}

// intentResolved handles the extraction result. It returns false when the
// run has been terminated.
func (e *execution) intentResolved(r extractResult) bool {
	switch {
	case r.err != nil:
		if e.deadlineHit() {
			e.timeout(ReasonDeadline)
			return false
		}
		if e.cancelled() {
			e.fail(0, ReasonCancelled, "", MsgCancelled, e.parent.Err())
			return false
		}
		e.fail(0, ReasonIntentUnavailable, domain.ErrorTypeReasoning, MsgIntentUnavailable, r.err)
		return false

	case !r.ok:
		e.emit(events.IntentExtracted{ExtractedText: nil, HasIntendedText: false})
		e.fail(0, ReasonNoIntendedText, domain.ErrorTypeValidation, MsgNoIntendedText, domain.ErrNoIntendedText)
		return false
	}

	e.emit(events.IntentExtracted{ExtractedText: events.StringPtr(r.text), HasIntendedText: true})
	e.intended = r.text
	if err := e.run.enterRunning(r.text); err != nil {
		e.logger.Error().Err(err).Msg("Invalid state transition")
		return false
	}
	e.logger.Info().Str("intended_text", r.text).Msg("Intended text extracted")
	return true
}

func (e *execution) generate(index int, prompt string) (imagestore.Ref, bool) {
	r, ok := await(e.ctx, func() genResult {
		ref, err := e.o.ctrl.Generate(e.ctx, prompt)
		return genResult{ref: ref, err: err}
	})
	if !ok {
		r.err = e.ctx.Err()
	}
	if r.err != nil {
		e.callFailed(index, ReasonGeneration, r.err)
		return "", false
	}
	if !e.imageReady(index, r.ref) {
		return "", false
	}
	return r.ref, true
}

func (e *execution) imageReady(index int, ref imagestore.Ref) bool {
	if err := e.run.setImage(index, ref); err != nil {
		e.logger.Error().Err(err).Msg("Cannot record image")
		return false
	}
	e.emit(events.ImageGenerated{Iteration: index, ImageReference: ref.Reference()})
	return true
}

func (e *execution) recognize(index int, ref imagestore.Ref) (string, bool, bool) {
	r, ok := await(e.ctx, func() recognizeResult {
		text, match, err := e.o.ctrl.Recognize(e.ctx, ref, e.intended)
		return recognizeResult{text: text, match: match, err: err}
	})
	if !ok {
		r.err = e.ctx.Err()
	}
	switch {
	case r.err != nil && e.deadlineHit():
		// Abandoned or cut short: the iteration closes without a reading.
		e.analyse(index, "", false, LateResultFeedback)
		e.timeout(ReasonDeadline)
		return "", false, false
	case r.err != nil:
		e.callFailed(index, ReasonRecognition, r.err)
		return "", false, false
	}
	// A result that arrives after the deadline is not honoured.
	if e.expired() {
		e.analyse(index, r.text, r.match, LateResultFeedback)
		e.timeout(ReasonDeadline)
		return "", false, false
	}
	return r.text, r.match, true
}

type revisionOutcome int

const (
	revised revisionOutcome = iota
	revisionFailed
	noAttemptsLeft
	revisionAbortedByDeadline
)

// nextPrompt obtains the prompt for the iteration after index. A failed
// revision falls back to the previous prompt.
func (e *execution) nextPrompt(index int, prompt, recognized string) (string, revisionOutcome, error) {
	if index >= e.o.cfg.MaxIterations {
		return prompt, noAttemptsLeft, nil
	}
	if e.expired() {
		return prompt, revisionAbortedByDeadline, nil
	}

	original, intended := e.run.Request().Prompt, e.intended
	r, ok := await(e.ctx, func() reviseResult {
		ctx, span := observability.StartSpan(e.ctx, "prompt.revise")
		start := time.Now()
		next, err := e.o.reviser.Revise(ctx, original, intended, recognized)
		e.o.metrics.ObserveCall("reviser", time.Since(start), err)
		observability.EndSpan(span, err)
		return reviseResult{prompt: next, err: err}
	})
	if !ok {
		r.err = e.ctx.Err()
	}

	next, err := r.prompt, r.err
	if err == nil && strings.TrimSpace(next) == "" {
		err = errors.New("reviser returned an empty prompt")
	}
	switch {
	case err != nil && e.deadlineHit():
		return prompt, revisionAbortedByDeadline, nil
	case err != nil:
		e.logger.Warn().Err(err).Int("iteration", index).Msg("Prompt revision failed, reusing previous prompt")
		return prompt, revisionFailed, err
	}
	return next, revised, nil
}

func (e *execution) analyse(index int, recognized string, match bool, feedback string) bool {
	if err := e.run.setOutcome(index, recognized, match, feedback); err != nil {
		e.logger.Error().Err(err).Msg("Cannot record outcome")
		return false
	}
	e.emit(events.Analysis{Iteration: index, RecognizedText: recognized, Match: match, Feedback: feedback})
	e.logger.Info().
		Int("iteration", index).
		Str("recognized_text", recognized).
		Bool("match", match).
		Msg("Iteration analysed")
	return true
}

func (e *execution) complete(index int, ref imagestore.Ref, recognized string) {
	if !e.analyse(index, recognized, true, MatchFeedback) {
		return
	}
	if !e.finish(StatusSucceeded, ReasonMatched, nil) {
		return
	}
	e.terminate(events.WorkflowComplete{
		Success:             true,
		FinalImageReference: ref.Reference(),
		RecognizedText:      recognized,
		TotalIterations:     index,
	})
}

func (e *execution) timeout(reason Reason) {
	if !e.finish(StatusTimedOut, reason, nil) {
		return
	}
	snap := e.run.Snapshot()
	ev := events.WorkflowTimeout{TotalIterations: len(snap.Iterations)}
	if ref, ok := snap.LastImage(); ok {
		ev.LastImageReference = ref.Reference()
	}
	e.terminate(ev)
}

// callFailed resolves a failed collaborator call. A call aborted by the run
// deadline times the run out; anything else errors it.
func (e *execution) callFailed(index int, reason Reason, err error) {
	switch {
	case e.deadlineHit():
		e.timeout(ReasonDeadline)
	case e.cancelled():
		e.fail(index, ReasonCancelled, "", MsgCancelled, e.parent.Err())
	default:
		e.fail(index, reason, domain.TypeOf(err), err.Error(), err)
	}
}

func (e *execution) fail(index int, reason Reason, errType domain.ErrorType, message string, cause error) {
	e.logger.Error().Err(cause).Int("iteration", index).Str("reason", string(reason)).Msg("Run failed")
	if !e.finish(StatusErrored, reason, &Failure{Type: errType, Message: message, Iteration: index}) {
		return
	}
	e.terminate(events.WorkflowError{ErrorMessage: message, Iteration: index})
}

func (e *execution) finish(status Status, reason Reason, failure *Failure) bool {
	if err := e.run.finish(status, reason, failure, time.Now()); err != nil {
		e.logger.Warn().Err(err).Str("status", string(status)).Msg("Ignoring second terminal transition")
		return false
	}
	return true
}

func (e *execution) emit(ev events.Event) {
	if err := e.stream.Emit(ev); err != nil {
		e.logger.Warn().Err(err).Str("event", string(ev.Type())).Msg("Event not emitted")
	}
}

func (e *execution) terminate(ev events.Terminal) {
	if err := e.stream.Terminate(ev); err != nil {
		e.logger.Warn().Err(err).Str("event", string(ev.Type())).Msg("Terminal event not emitted")
	}
}

// await runs call on its own goroutine and waits for it or for ctx,
// whichever ends first. ok is false when ctx ended first; the call is then
// left to finish in the background and its result is dropped.
func await[T any](ctx context.Context, call func() T) (T, bool) {
	done := make(chan T, 1)
	go func() { done <- call() }()

	select {
	case v := <-done:
		return v, true
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// expired reports whether the run deadline has passed.
func (e *execution) expired() bool {
	return !time.Now().Before(e.deadline)
}

// deadlineHit reports whether the run context ended because of the deadline
// rather than the caller cancelling.
func (e *execution) deadlineHit() bool {
	return e.parent.Err() == nil && errors.Is(e.ctx.Err(), context.DeadlineExceeded)
}

func (e *execution) cancelled() bool {
	return e.parent.Err() != nil
}

// Fixed feedback texts.
const (
	MatchFeedback      = "OCR text matches intended text."
	LateResultFeedback = "Deadline reached before the result arrived."
)

func mismatchFeedback(recognized, intended string, outcome revisionOutcome, revErr error) string {
	base := fmt.Sprintf("OCR detected %q but expected %q.", recognized, intended)
	switch outcome {
	case revised:
		return base + " Revised prompt for the next attempt."
	case noAttemptsLeft:
		return base + " No attempts remain."
	case revisionAbortedByDeadline:
		return base + " Deadline reached; no further attempts."
	default:
		return base + fmt.Sprintf(" Prompt revision failed (%v); retrying with the previous prompt.", revErr)
	}
}
