// Package commands implements the textimage CLI.
package commands

import (
	"io"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/textimage/cmd/textimage/ui"
	"github.com/spherical-ai/textimage/internal/config"
	"github.com/spherical-ai/textimage/internal/observability"
)

var (
	cfgFile  string
	verbose  bool
	noColor  bool
	jsonMode bool
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "textimage",
		Short: "Generate images whose rendered text is checked and corrected",
		Long: `textimage generates an image from a prompt, reads the text rendered in it
and, when it differs from the text the prompt asked for, revises the prompt
and tries again until the text matches or the run's budget is spent.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load() // .env is optional
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	root.PersistentFlags().BoolVar(&jsonMode, "json", false, "print machine-readable JSON")

	root.AddCommand(newGenerateCmd(), newEvalCmd(), newRunsCmd(), newVersionCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func loadConfig(overrides ...func(*config.Config)) (*config.Config, error) {
	return config.LoadWith(cfgFile, overrides...)
}

// newLogger keeps service logs out of the way of the CLI output unless
// verbose output was asked for.
func newLogger(cfg *config.Config, out io.Writer) *observability.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:       level,
		Format:      "console",
		Output:      out,
		ServiceName: cfg.Observability.ServiceName,
	})
}

func newUI(cmd *cobra.Command) *ui.UI {
	u := ui.New(jsonMode, noColor, verbose)
	u.Out = cmd.OutOrStdout()
	u.Err = cmd.ErrOrStderr()
	return u
}
