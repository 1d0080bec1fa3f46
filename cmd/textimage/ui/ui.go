package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/spherical-ai/textimage/internal/events"
)

// UI prints run progress. In JSON mode every frame is written to Out as one
// line and nothing else is printed.
type UI struct {
	Out io.Writer
	Err io.Writer

	jsonMode bool
	verbose  bool

	spinner  *Spinner
	progress *ProgressBar
}

// New creates a UI on stdout and stderr.
func New(jsonMode, noColor, verbose bool) *UI {
	if noColor {
		color.NoColor = true
	}
	return &UI{Out: os.Stdout, Err: os.Stderr, jsonMode: jsonMode, verbose: verbose}
}

var (
	okColor   = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
	warnColor = color.New(color.FgYellow)
	dimColor  = color.New(color.Faint)
	headColor = color.New(color.FgCyan, color.Bold)
)

// Success prints a success message.
func (u *UI) Success(format string, args ...interface{}) {
	okColor.Fprintf(u.Out, "✓ %s\n", fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (u *UI) Error(format string, args ...interface{}) {
	failColor.Fprintf(u.Err, "✗ %s\n", fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (u *UI) Warning(format string, args ...interface{}) {
	warnColor.Fprintf(u.Out, "⚠ %s\n", fmt.Sprintf(format, args...))
}

// Info prints an informational message.
func (u *UI) Info(format string, args ...interface{}) {
	fmt.Fprintf(u.Out, "ℹ %s\n", fmt.Sprintf(format, args...))
}

// Header prints a section title.
func (u *UI) Header(format string, args ...interface{}) {
	headColor.Fprintf(u.Out, "%s\n", fmt.Sprintf(format, args...))
}

// Detail prints a dimmed line, only in verbose mode.
func (u *UI) Detail(format string, args ...interface{}) {
	if u.verbose {
		dimColor.Fprintf(u.Out, "  %s\n", fmt.Sprintf(format, args...))
	}
}

// JSON writes v as one line of JSON.
func (u *UI) JSON(v any) error {
	return json.NewEncoder(u.Out).Encode(v)
}

// Follow renders frames until the channel closes and returns the terminal
// event it saw, if any.
func (u *UI) Follow(frames <-chan events.Frame, maxIterations int) (events.Terminal, error) {
	if !u.jsonMode {
		u.spinner = NewSpinner(u.Err, "Reading the prompt")
		u.spinner.Start()
		defer u.stopSpinner()
	}

	var terminal events.Terminal
	for frame := range frames {
		if u.jsonMode {
			if err := u.JSON(frame); err != nil {
				return nil, err
			}
		} else {
			u.render(frame, maxIterations)
		}
		if t, ok := frame.Event.(events.Terminal); ok {
			terminal = t
		}
	}
	return terminal, nil
}

func (u *UI) render(frame events.Frame, maxIterations int) {
	switch ev := frame.Event.(type) {
	case events.IntentExtracted:
		u.stopSpinner()
		if ev.HasIntendedText && ev.ExtractedText != nil {
			u.Info("Intended text: %q", *ev.ExtractedText)
		} else {
			u.Warning("The prompt asks for no literal text")
		}
		u.spin("Generating image")

	case events.IterationStart:
		u.stopSpinner()
		if u.progress == nil {
			u.progress = NewProgressBar(u.Err, int64(maxIterations), "iterations")
		}
		u.progress.Set(int64(ev.Iteration - 1))
		u.Header("Iteration %d", ev.Iteration)
		u.Detail("prompt: %s", ev.Prompt)
		u.spin("Generating image")

	case events.ImageGenerated:
		u.stopSpinner()
		u.Detail("image: %s", ev.ImageReference)
		u.spin("Reading the rendered text")

	case events.Analysis:
		u.stopSpinner()
		if u.progress != nil {
			u.progress.Set(int64(ev.Iteration))
		}
		if ev.Match {
			u.Success("Recognized %q", ev.RecognizedText)
		} else {
			u.Warning("Recognized %q", ev.RecognizedText)
		}
		u.Detail("%s", ev.Feedback)
		u.spin("Revising the prompt")

	case events.WorkflowComplete:
		u.finish()
		if ev.Success {
			u.Success("Text rendered correctly after %d iteration(s)", ev.TotalIterations)
		}
		if ev.FinalImageReference != "" {
			u.Info("Image: %s", ev.FinalImageReference)
		}

	case events.WorkflowTimeout:
		u.finish()
		u.Warning("Gave up after %d iteration(s)", ev.TotalIterations)
		if ev.LastImageReference != "" {
			u.Info("Last image: %s", ev.LastImageReference)
		}

	case events.WorkflowError:
		u.finish()
		if ev.Iteration > 0 {
			u.Error("Iteration %d: %s", ev.Iteration, ev.ErrorMessage)
		} else {
			u.Error("%s", ev.ErrorMessage)
		}

	case events.StreamEnd:
		u.finish()
	}
}

func (u *UI) spin(message string) {
	u.spinner = NewSpinner(u.Err, message)
	u.spinner.Start()
}

func (u *UI) stopSpinner() {
	if u.spinner != nil {
		u.spinner.Stop()
		u.spinner = nil
	}
}

func (u *UI) finish() {
	u.stopSpinner()
	if u.progress != nil {
		u.progress.Finish()
		u.progress = nil
	}
}
