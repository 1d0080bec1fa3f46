package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/textimage/cmd/textimage/ui"
	"github.com/spherical-ai/textimage/internal/config"
	"github.com/spherical-ai/textimage/internal/storage"
	"github.com/spherical-ai/textimage/internal/workflow"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}
	cmd.AddCommand(newRunsListCmd(), newRunsShowCmd())
	return cmd
}

func newRunsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, func(ctx context.Context, h *storage.RunHistory) error {
				runs, err := h.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				out := newUI(cmd)
				if jsonMode {
					return out.JSON(runs)
				}
				if len(runs) == 0 {
					out.Info("No runs recorded")
					return nil
				}
				for _, snap := range runs {
					printSummary(out, snap)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show every iteration of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd, func(ctx context.Context, h *storage.RunHistory) error {
				snap, err := h.GetRun(ctx, args[0])
				if errors.Is(err, workflow.ErrRunNotFound) {
					return fmt.Errorf("run %s not found", args[0])
				}
				if err != nil {
					return err
				}
				out := newUI(cmd)
				if jsonMode {
					return out.JSON(snap)
				}
				printRun(out, snap)
				return nil
			})
		},
	}
}

// withHistory opens the run database only; nothing else is needed to read it.
func withHistory(cmd *cobra.Command, fn func(ctx context.Context, h *storage.RunHistory) error) error {
	cfg, err := loadConfig(readOnly)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	h, err := storage.Open(ctx, cfg.Database.Driver, cfg.DatabaseDSN(), storageOptions(cfg))
	if err != nil {
		return err
	}
	defer h.Close()

	return fn(ctx, h)
}

// readOnly relaxes the checks for collaborators that reading history never
// touches.
func readOnly(cfg *config.Config) {
	cfg.Generator.Driver = "render"
	cfg.Reasoning.Driver = "heuristic"
	cfg.Recognizer.Driver = "tesseract"
	cfg.Events.Publish = false
}

func storageOptions(cfg *config.Config) storage.Options {
	if cfg.Database.Driver == "postgres" {
		return storage.Options{MaxOpenConns: 2}
	}
	return storage.Options{MaxOpenConns: 1}
}

func printSummary(out *ui.UI, snap workflow.Snapshot) {
	line := fmt.Sprintf("%s  %-10s %d iteration(s)  %s", snap.ID, snap.Status, snap.CompletedIterations(), snap.CreatedAt.Local().Format(time.DateTime))
	switch snap.Status {
	case workflow.StatusSucceeded:
		out.Success("%s", line)
	case workflow.StatusErrored:
		out.Error("%s", line)
	default:
		out.Warning("%s", line)
	}
	out.Detail("%s", snap.Request.Prompt)
}

func printRun(out *ui.UI, snap workflow.Snapshot) {
	out.Header("Run %s", snap.ID)
	out.Info("Prompt: %s", snap.Request.Prompt)
	if snap.IntendedText != "" {
		out.Info("Intended text: %q", snap.IntendedText)
	}
	out.Info("Status: %s (%s)", snap.Status, snap.Reason)
	if snap.Failure != nil {
		out.Error("%s", snap.Failure.Message)
	}

	for _, it := range snap.Iterations {
		out.Header("Iteration %d", it.Index)
		out.Info("Prompt: %s", it.Prompt)
		if it.ImageRef != "" {
			out.Info("Image: %s", it.ImageRef.Reference())
		}
		if !it.Match.Known() {
			out.Warning("Not analysed")
			continue
		}
		if it.Match == workflow.MatchTrue {
			out.Success("Recognized %q", it.RecognizedText)
		} else {
			out.Warning("Recognized %q", it.RecognizedText)
			if it.Feedback != "" {
				out.Info("%s", it.Feedback)
			}
		}
	}
}
