package domain

import (
	"errors"
	"fmt"
)

// ErrorType classifies domain errors for reporting and terminal-state decisions.
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeGeneration  ErrorType = "generation"
	ErrorTypeRecognition ErrorType = "recognition"
	ErrorTypeReasoning   ErrorType = "reasoning"
	ErrorTypeConfig      ErrorType = "config"
	ErrorTypeIO          ErrorType = "io"
	ErrorTypeStorage     ErrorType = "storage"
)

// Sentinel errors. *Error values of the matching type satisfy errors.Is
// against the generation, recognition and reasoning sentinels.
var (
	ErrEmptyPrompt          = errors.New("prompt is empty")
	ErrNoIntendedText       = errors.New("no intended text")
	ErrReasoningUnavailable = errors.New("reasoning service unavailable")
	ErrGenerationFailed     = errors.New("image generation failed")
	ErrRecognitionFailed    = errors.New("text recognition failed")
	ErrImageNotFound        = errors.New("image not found")
)

// Error is a domain error carrying its classification and, when it happened
// inside a run, the iteration it belongs to.
type Error struct {
	Type      ErrorType
	Message   string
	Iteration int
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel that stands for e's type, so callers
// can test errors.Is(err, ErrGenerationFailed) without caring about causes.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrGenerationFailed:
		return e.Type == ErrorTypeGeneration
	case ErrRecognitionFailed:
		return e.Type == ErrorTypeRecognition
	case ErrReasoningUnavailable:
		return e.Type == ErrorTypeReasoning
	}
	return false
}

// NewError creates a new domain error
func NewError(errType ErrorType, message string, err error) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// AtIteration returns a copy of e tagged with the given iteration index.
func (e *Error) AtIteration(index int) *Error {
	cp := *e
	cp.Iteration = index
	return &cp
}

// Common error constructors
func ValidationError(message string, err error) *Error {
	return NewError(ErrorTypeValidation, message, err)
}

func GenerationError(message string, err error) *Error {
	return NewError(ErrorTypeGeneration, message, err)
}

func RecognitionError(message string, err error) *Error {
	return NewError(ErrorTypeRecognition, message, err)
}

func ReasoningError(message string, err error) *Error {
	return NewError(ErrorTypeReasoning, message, err)
}

func ConfigError(message string, err error) *Error {
	return NewError(ErrorTypeConfig, message, err)
}

func IOError(message string, err error) *Error {
	return NewError(ErrorTypeIO, message, err)
}

func StorageError(message string, err error) *Error {
	return NewError(ErrorTypeStorage, message, err)
}

// TypeOf reports the ErrorType of the first *Error in err's chain, or "" if none.
func TypeOf(err error) ErrorType {
	var de *Error
	if errors.As(err, &de) {
		return de.Type
	}
	return ""
}
