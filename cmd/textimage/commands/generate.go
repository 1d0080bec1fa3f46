package commands

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/textimage/internal/app"
	"github.com/spherical-ai/textimage/internal/config"
	"github.com/spherical-ai/textimage/internal/events"
	"github.com/spherical-ai/textimage/internal/workflow"
)

type generateOptions struct {
	intendedText  string
	maxIterations int
	deadline      time.Duration
	offline       bool
	noHistory     bool
	imagesDir     string
}

func newGenerateCmd() *cobra.Command {
	var opts generateOptions

	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate an image and correct its text until it matches",
		Example: `  textimage generate 'A neon sign that says "Open 24/7"'
  textimage generate "A birthday card" --intended-text "Happy Birthday Sam"
  textimage generate --offline 'A poster reading "Hackathon 2025"'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.intendedText, "intended-text", "t", "", "text the image must contain (skips extraction)")
	cmd.Flags().IntVar(&opts.maxIterations, "max-iterations", 0, "override the iteration budget")
	cmd.Flags().DurationVar(&opts.deadline, "deadline", 0, "override the run deadline")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "use the local renderer and heuristic reasoning")
	cmd.Flags().BoolVar(&opts.noHistory, "no-history", false, "do not record the run in the database")
	cmd.Flags().StringVar(&opts.imagesDir, "images-dir", "", "directory for generated images")
	return cmd
}

func (o generateOptions) apply(cfg *config.Config) {
	if o.maxIterations > 0 {
		cfg.Workflow.MaxIterations = o.maxIterations
	}
	if o.deadline > 0 {
		cfg.Workflow.Deadline = o.deadline
	}
	if o.offline {
		cfg.Generator.Driver = "render"
		cfg.Reasoning.Driver = "heuristic"
		if cfg.Reasoning.APIKey == "" {
			cfg.Recognizer.Driver = "tesseract"
		}
	}
	if o.imagesDir != "" {
		cfg.Images.Dir = o.imagesDir
	}
	// The CLI never publishes; there is nobody to relay to.
	cfg.Events.Publish = false
}

func runGenerate(cmd *cobra.Command, prompt string, opts generateOptions) error {
	out := newUI(cmd)

	cfg, err := loadConfig(opts.apply)
	if err != nil {
		return err
	}
	req, err := workflow.NewRequest(prompt, opts.intendedText)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()), app.Options{WithoutHistory: opts.noHistory})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
		defer cancel()
		_ = a.Shutdown(shutdownCtx)
	}()

	run, stream := a.Manager.Start(req)
	if !jsonMode {
		out.Header("Run %s", run.ID())
	}

	// Interrupting cancels the run; it still ends with a terminal event.
	go func() {
		select {
		case <-ctx.Done():
			expired, cancel := context.WithCancel(context.Background())
			cancel()
			_ = a.Manager.Shutdown(expired)
		case <-stream.Done():
		}
	}()

	sub := stream.Subscribe(context.Background())
	defer sub.Detach()

	terminal, err := out.Follow(sub.C, cfg.Workflow.MaxIterations)
	if err != nil {
		return err
	}
	return outcome(terminal, a.Images.Dir())
}

// outcome turns anything but a successful run into an error so the process
// exits non-zero.
func outcome(terminal events.Terminal, imagesDir string) error {
	switch ev := terminal.(type) {
	case events.WorkflowComplete:
		if !ev.Success {
			return fmt.Errorf("run finished without a match")
		}
		return nil
	case events.WorkflowTimeout:
		return fmt.Errorf("rendered text did not match after %d iteration(s); last image under %s", ev.TotalIterations, imagesDir)
	case events.WorkflowError:
		return fmt.Errorf("run failed: %s", ev.ErrorMessage)
	default:
		return fmt.Errorf("run ended without an outcome")
	}
}
