package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/textimage/internal/domain"
	"github.com/spherical-ai/textimage/internal/imagestore"
)

// ErrAlreadyTerminal is returned by a second attempt to finish a run.
var ErrAlreadyTerminal = errors.New("run already in a terminal state")

// Status is a run's lifecycle state.
type Status string

const (
	StatusInit      Status = "init"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusTimedOut  Status = "timed_out"
	StatusErrored   Status = "errored"
)

// Terminal reports whether s is one of the three final states.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusTimedOut || s == StatusErrored
}

// Reason explains why a run reached its terminal state.
type Reason string

const (
	ReasonMatched           Reason = "matched"
	ReasonIterationBudget   Reason = "iteration_budget"
	ReasonDeadline          Reason = "deadline"
	ReasonInvalidRequest    Reason = "invalid_request"
	ReasonNoIntendedText    Reason = "no_intended_text"
	ReasonIntentUnavailable Reason = "intent_unavailable"
	ReasonGeneration        Reason = "generation_failed"
	ReasonRecognition       Reason = "recognition_failed"
	ReasonCancelled         Reason = "cancelled"
)

// Request is the immutable input of a run.
type Request struct {
	Prompt string `json:"prompt"`
	// IntendedText is optional; when empty it is extracted from Prompt.
	IntendedText string `json:"intended_text,omitempty"`
}

// NewRequest trims its inputs and rejects an empty prompt.
func NewRequest(prompt, intendedText string) (Request, error) {
	req := Request{
		Prompt:       strings.TrimSpace(prompt),
		IntendedText: strings.TrimSpace(intendedText),
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Validate checks the request.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return domain.ValidationError("prompt is empty", domain.ErrEmptyPrompt)
	}
	return nil
}

// Match is the tri-state outcome of comparing recognized and intended text.
type Match int

const (
	MatchUnknown Match = iota
	MatchTrue
	MatchFalse
)

func matchOf(ok bool) Match {
	if ok {
		return MatchTrue
	}
	return MatchFalse
}

// Known reports whether the match has been decided.
func (m Match) Known() bool {
	return m != MatchUnknown
}

// MarshalJSON renders unknown as null.
func (m Match) MarshalJSON() ([]byte, error) {
	switch m {
	case MatchTrue:
		return []byte("true"), nil
	case MatchFalse:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

func (m *Match) UnmarshalJSON(data []byte) error {
	var v *bool
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch {
	case v == nil:
		*m = MatchUnknown
	case *v:
		*m = MatchTrue
	default:
		*m = MatchFalse
	}
	return nil
}

// Iteration is one generate-recognize-match attempt.
type Iteration struct {
	Index          int            `json:"index"`
	Prompt         string         `json:"prompt"`
	ImageRef       imagestore.Ref `json:"image_reference,omitempty"`
	RecognizedText string         `json:"recognized_text,omitempty"`
	Match          Match          `json:"match"`
	Feedback       string         `json:"feedback,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Failure describes why a run errored.
type Failure struct {
	Type      domain.ErrorType `json:"type"`
	Message   string           `json:"message"`
	Iteration int              `json:"iteration,omitempty"`
}

// Snapshot is a point-in-time copy of a run. It is what gets cached,
// persisted and served.
type Snapshot struct {
	ID           string      `json:"id"`
	Request      Request     `json:"request"`
	IntendedText string      `json:"intended_text,omitempty"`
	Iterations   []Iteration `json:"iterations"`
	Status       Status      `json:"status"`
	Reason       Reason      `json:"reason,omitempty"`
	Failure      *Failure    `json:"failure,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    time.Time   `json:"started_at"`
	Deadline     time.Time   `json:"deadline"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// CompletedIterations counts iterations whose match has been decided.
func (s Snapshot) CompletedIterations() int {
	n := 0
	for _, it := range s.Iterations {
		if it.Match.Known() {
			n++
		}
	}
	return n
}

// LastImage returns the most recent image produced, if any.
func (s Snapshot) LastImage() (imagestore.Ref, bool) {
	for i := len(s.Iterations) - 1; i >= 0; i-- {
		if s.Iterations[i].ImageRef != "" {
			return s.Iterations[i].ImageRef, true
		}
	}
	return "", false
}

// Run is the aggregate of one workflow invocation. Only the orchestrating
// goroutine mutates it; Snapshot may be called from anywhere.
type Run struct {
	mu    sync.RWMutex
	state Snapshot
}

// NewRun creates a run in the Init state.
func NewRun(req Request, now time.Time) *Run {
	return &Run{state: Snapshot{
		ID:         uuid.NewString(),
		Request:    req,
		Iterations: []Iteration{},
		Status:     StatusInit,
		CreatedAt:  now,
	}}
}

// ID returns the run identifier.
func (r *Run) ID() string {
	return r.state.ID
}

// Request returns the run's input.
func (r *Run) Request() Request {
	return r.state.Request
}

// Snapshot returns a deep copy of the run.
func (r *Run) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.state
	s.Iterations = append([]Iteration(nil), r.state.Iterations...)
	if r.state.Failure != nil {
		f := *r.state.Failure
		s.Failure = &f
	}
	if r.state.FinishedAt != nil {
		t := *r.state.FinishedAt
		s.FinishedAt = &t
	}
	return s
}

// Status returns the current state.
func (r *Run) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Status
}

func (r *Run) begin(startedAt, deadline time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.StartedAt = startedAt
	r.state.Deadline = deadline
}

// enterRunning records the intended text and moves Init to Running.
func (r *Run) enterRunning(intended string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Status != StatusInit {
		return fmt.Errorf("cannot start run in state %s", r.state.Status)
	}
	r.state.IntendedText = intended
	r.state.Status = StatusRunning
	return nil
}

// appendIteration adds the next iteration. Indices are 1-based and
// gap-free; iteration 1 may be opened during Init because its generation
// overlaps intent extraction.
func (r *Run) appendIteration(prompt string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	index := len(r.state.Iterations) + 1
	switch {
	case r.state.Status.Terminal():
		return 0, ErrAlreadyTerminal
	case r.state.Status == StatusInit && index != 1:
		return 0, fmt.Errorf("iteration %d cannot start before the run is running", index)
	case index > 1 && !r.state.Iterations[index-2].Match.Known():
		return 0, fmt.Errorf("iteration %d started before iteration %d completed", index, index-1)
	}

	r.state.Iterations = append(r.state.Iterations, Iteration{
		Index:     index,
		Prompt:    prompt,
		Match:     MatchUnknown,
		CreatedAt: now,
	})
	return index, nil
}

func (r *Run) current(index int) (*Iteration, error) {
	if index < 1 || index != len(r.state.Iterations) {
		return nil, fmt.Errorf("iteration %d is not the current iteration", index)
	}
	return &r.state.Iterations[index-1], nil
}

func (r *Run) setImage(index int, ref imagestore.Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, err := r.current(index)
	if err != nil {
		return err
	}
	if it.ImageRef != "" {
		return fmt.Errorf("iteration %d already has an image", index)
	}
	it.ImageRef = ref
	return nil
}

func (r *Run) setOutcome(index int, recognized string, match bool, feedback string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, err := r.current(index)
	if err != nil {
		return err
	}
	if it.Match.Known() {
		return fmt.Errorf("iteration %d already has an outcome", index)
	}
	it.RecognizedText = recognized
	it.Match = matchOf(match)
	it.Feedback = feedback
	return nil
}

// finish moves the run to a terminal state. It is idempotent: once
// terminal, the run is frozen and later calls return ErrAlreadyTerminal.
func (r *Run) finish(status Status, reason Reason, failure *Failure, now time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%s is not a terminal status", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	r.state.Status = status
	r.state.Reason = reason
	r.state.Failure = failure
	r.state.FinishedAt = &now
	return nil
}
