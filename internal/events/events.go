// Package events defines the progress events a workflow run emits and the
// ordered stream that carries them to observers.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the wire tag of an event.
type Type string

const (
	TypeIntentExtracted  Type = "intent_extracted"
	TypeIterationStart   Type = "iteration_start"
	TypeImageGenerated   Type = "image_generated"
	TypeAnalysis         Type = "analysis"
	TypeWorkflowComplete Type = "workflow_complete"
	TypeWorkflowTimeout  Type = "workflow_timeout"
	TypeWorkflowError    Type = "workflow_error"
	TypeStreamEnd        Type = "stream_end"
)

// Event is implemented only by the variants in this file.
type Event interface {
	Type() Type
	isEvent()
}

// Terminal is implemented by the three outcome events. Exactly one of them
// is emitted per run.
type Terminal interface {
	Event
	isTerminal()
}

// IntentExtracted reports the result of intent extraction. ExtractedText is
// nil when the prompt carries no literal text.
type IntentExtracted struct {
	ExtractedText   *string `json:"extracted_text"`
	HasIntendedText bool    `json:"has_intended_text"`
}

type IterationStart struct {
	Iteration int    `json:"iteration"`
	Prompt    string `json:"prompt"`
}

type ImageGenerated struct {
	Iteration      int    `json:"iteration"`
	ImageReference string `json:"image_reference"`
}

type Analysis struct {
	Iteration      int    `json:"iteration"`
	RecognizedText string `json:"recognized_text"`
	Match          bool   `json:"match"`
	Feedback       string `json:"feedback"`
}

type WorkflowComplete struct {
	Success             bool   `json:"success"`
	FinalImageReference string `json:"final_image_reference,omitempty"`
	RecognizedText      string `json:"recognized_text,omitempty"`
	TotalIterations     int    `json:"total_iterations"`
}

type WorkflowTimeout struct {
	TotalIterations    int    `json:"total_iterations"`
	LastImageReference string `json:"last_image_reference,omitempty"`
}

// WorkflowError reports a terminal failure. Iteration is zero when the run
// failed before its first iteration.
type WorkflowError struct {
	ErrorMessage string `json:"error_message"`
	Iteration    int    `json:"iteration,omitempty"`
}

type StreamEnd struct{}

func (IntentExtracted) Type() Type  { return TypeIntentExtracted }
func (IterationStart) Type() Type   { return TypeIterationStart }
func (ImageGenerated) Type() Type   { return TypeImageGenerated }
func (Analysis) Type() Type         { return TypeAnalysis }
func (WorkflowComplete) Type() Type { return TypeWorkflowComplete }
func (WorkflowTimeout) Type() Type  { return TypeWorkflowTimeout }
func (WorkflowError) Type() Type    { return TypeWorkflowError }
func (StreamEnd) Type() Type        { return TypeStreamEnd }

func (IntentExtracted) isEvent()  {}
func (IterationStart) isEvent()   {}
func (ImageGenerated) isEvent()   {}
func (Analysis) isEvent()         {}
func (WorkflowComplete) isEvent() {}
func (WorkflowTimeout) isEvent()  {}
func (WorkflowError) isEvent()    {}
func (StreamEnd) isEvent()        {}

func (WorkflowComplete) isTerminal() {}
func (WorkflowTimeout) isTerminal()  {}
func (WorkflowError) isTerminal()    {}

// Frame is an event as delivered: stamped with its position in the run's
// stream and the time it was appended.
type Frame struct {
	RunID     string
	Seq       int
	Timestamp time.Time
	Event     Event
}

// MarshalJSON renders the frame as one flat object: the variant's fields
// plus type, seq, workflow_id and timestamp.
func (f Frame) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(f.Event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", f.Event.Type(), err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("flatten %s event: %w", f.Event.Type(), err)
	}

	meta := map[string]any{
		"type":        f.Event.Type(),
		"seq":         f.Seq,
		"workflow_id": f.RunID,
		"timestamp":   f.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range meta {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		fields[k] = raw
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes a flat frame back into its concrete variant.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var meta struct {
		Type       Type      `json:"type"`
		Seq        int       `json:"seq"`
		WorkflowID string    `json:"workflow_id"`
		Timestamp  time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return err
	}

	var ev Event
	var err error
	switch meta.Type {
	case TypeIntentExtracted:
		ev, err = decode[IntentExtracted](data)
	case TypeIterationStart:
		ev, err = decode[IterationStart](data)
	case TypeImageGenerated:
		ev, err = decode[ImageGenerated](data)
	case TypeAnalysis:
		ev, err = decode[Analysis](data)
	case TypeWorkflowComplete:
		ev, err = decode[WorkflowComplete](data)
	case TypeWorkflowTimeout:
		ev, err = decode[WorkflowTimeout](data)
	case TypeWorkflowError:
		ev, err = decode[WorkflowError](data)
	case TypeStreamEnd:
		ev = StreamEnd{}
	default:
		return fmt.Errorf("unknown event type %q", meta.Type)
	}
	if err != nil {
		return err
	}

	f.RunID = meta.WorkflowID
	f.Seq = meta.Seq
	f.Timestamp = meta.Timestamp
	f.Event = ev
	return nil
}

func decode[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// IsTerminal reports whether ev is one of the outcome events.
func IsTerminal(ev Event) bool {
	_, ok := ev.(Terminal)
	return ok
}

// StringPtr is a helper for IntentExtracted.ExtractedText.
func StringPtr(s string) *string {
	return &s
}
