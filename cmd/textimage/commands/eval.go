package commands

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/textimage/cmd/textimage/ui"
	"github.com/spherical-ai/textimage/internal/app"
	"github.com/spherical-ai/textimage/internal/workflow"
)

// Columns the evaluation writes back, in the order they are appended when
// the input lacks them.
var evalColumns = []string{"run_id", "status", "iterations", "recognized_text", "is_correct", "image_reference", "error"}

type evalOptions struct {
	generateOptions
	output string
	limit  int
}

type evalRow struct {
	ID             string `json:"id,omitempty"`
	Prompt         string `json:"prompt"`
	RunID          string `json:"run_id,omitempty"`
	Status         string `json:"status"`
	Iterations     int    `json:"iterations"`
	RecognizedText string `json:"recognized_text,omitempty"`
	Correct        bool   `json:"is_correct"`
	ImageReference string `json:"image_reference,omitempty"`
	Error          string `json:"error,omitempty"`
}

func newEvalCmd() *cobra.Command {
	var opts evalOptions

	cmd := &cobra.Command{
		Use:   "eval <prompts.csv>",
		Short: "Run every prompt in a CSV file and record the outcomes",
		Long: `eval runs each row of a CSV file through the generation loop, one run at a
time, and writes the outcome of every run back as extra columns.

The file needs a header with a "prompt" column. An "intended_text" or
"expected_text" column, when present and non-empty, supplies the text the
image must contain; otherwise it is extracted from the prompt. Other columns
are kept as they are.`,
		Example: `  textimage eval prompts.csv
  textimage eval prompts.csv --output results.csv --limit 5 --offline`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "where to write results (default: overwrite the input file)")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "evaluate only the first n rows (0 for all)")
	cmd.Flags().IntVar(&opts.maxIterations, "max-iterations", 0, "override the iteration budget")
	cmd.Flags().DurationVar(&opts.deadline, "deadline", 0, "override the run deadline")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "use the local renderer and heuristic reasoning")
	cmd.Flags().BoolVar(&opts.noHistory, "no-history", false, "do not record the runs in the database")
	cmd.Flags().StringVar(&opts.imagesDir, "images-dir", "", "directory for generated images")
	return cmd
}

func runEval(cmd *cobra.Command, input string, opts evalOptions) error {
	out := newUI(cmd)

	sheet, err := readSheet(input)
	if err != nil {
		return err
	}
	todo := len(sheet.rows)
	if opts.limit > 0 && opts.limit < todo {
		todo = opts.limit
	}

	cfg, err := loadConfig(opts.apply)
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

	// Interrupting cancels the run in flight and stops the batch.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			expired, cancel := context.WithCancel(context.Background())
			cancel()
			_ = a.Manager.Shutdown(expired)
		case <-finished:
		}
	}()

	if !jsonMode {
		out.Header("Evaluating %d prompt(s) from %s", todo, input)
	}

	results := make([]evalRow, 0, todo)
	for i := 0; i < todo && ctx.Err() == nil; i++ {
		row := evaluate(a.Manager, sheet.value(i, "prompt"), sheet.intended(i))
		row.ID = sheet.value(i, "id")
		sheet.record(i, row)
		results = append(results, row)
		if !jsonMode {
			report(out, i+1, todo, row)
		}
	}

	output := opts.output
	if output == "" {
		output = input
	}
	if err := sheet.write(output); err != nil {
		return err
	}

	if jsonMode {
		if err := out.JSON(results); err != nil {
			return err
		}
	} else {
		passed := 0
		for _, r := range results {
			if r.Correct {
				passed++
			}
		}
		out.Info("%d of %d prompt(s) rendered correctly; results written to %s", passed, len(results), output)
	}

	if len(results) < todo {
		return fmt.Errorf("evaluation interrupted after %d of %d prompt(s)", len(results), todo)
	}
	return nil
}

// evaluate runs one prompt to completion. Invalid rows are reported as
// errored without starting a run.
func evaluate(m *workflow.Manager, prompt, intended string) evalRow {
	row := evalRow{Prompt: prompt}

	req, err := workflow.NewRequest(prompt, intended)
	if err != nil {
		row.Status = string(workflow.StatusErrored)
		row.Error = err.Error()
		return row
	}

	run, stream := m.Start(req)
	<-stream.Done()

	snap := run.Snapshot()
	row.RunID = snap.ID
	row.Status = string(snap.Status)
	row.Iterations = len(snap.Iterations)
	row.Correct = snap.Status == workflow.StatusSucceeded
	for i := len(snap.Iterations) - 1; i >= 0; i-- {
		if snap.Iterations[i].Match.Known() {
			row.RecognizedText = snap.Iterations[i].RecognizedText
			break
		}
	}
	if ref, ok := snap.LastImage(); ok {
		row.ImageReference = ref.Reference()
	}
	if snap.Failure != nil {
		row.Error = snap.Failure.Message
	}
	return row
}

func report(out *ui.UI, n, total int, row evalRow) {
	label := row.ID
	if label == "" {
		label = truncate(row.Prompt, 48)
	}
	switch workflow.Status(row.Status) {
	case workflow.StatusSucceeded:
		out.Success("[%d/%d] %s: matched after %d iteration(s)", n, total, label, row.Iterations)
	case workflow.StatusTimedOut:
		out.Warning("[%d/%d] %s: no match after %d iteration(s), last read %q", n, total, label, row.Iterations, row.RecognizedText)
	default:
		out.Error("[%d/%d] %s: %s", n, total, label, row.Error)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// sheet is a CSV file held in memory with its header indexed by name.
type sheet struct {
	header  []string
	columns map[string]int
	rows    [][]string
}

func readSheet(path string) (*sheet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s is empty", path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	s := &sheet{columns: make(map[string]int, len(header))}
	for _, name := range header {
		s.addColumn(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
	}
	if _, ok := s.columns["prompt"]; !ok {
		return nil, fmt.Errorf("%s has no prompt column", path)
	}
	for _, name := range evalColumns {
		if _, ok := s.columns[name]; !ok {
			s.addColumn(name)
		}
	}
	for _, rec := range records {
		row := make([]string, len(s.header))
		copy(row, rec)
		s.rows = append(s.rows, row)
	}
	return s, nil
}

func (s *sheet) addColumn(name string) {
	s.columns[name] = len(s.header)
	s.header = append(s.header, name)
}

func (s *sheet) value(i int, column string) string {
	if c, ok := s.columns[column]; ok {
		return strings.TrimSpace(s.rows[i][c])
	}
	return ""
}

func (s *sheet) intended(i int) string {
	if v := s.value(i, "intended_text"); v != "" {
		return v
	}
	return s.value(i, "expected_text")
}

func (s *sheet) set(i int, column, value string) {
	s.rows[i][s.columns[column]] = value
}

func (s *sheet) record(i int, row evalRow) {
	s.set(i, "run_id", row.RunID)
	s.set(i, "status", row.Status)
	s.set(i, "iterations", strconv.Itoa(row.Iterations))
	s.set(i, "recognized_text", row.RecognizedText)
	s.set(i, "is_correct", strconv.FormatBool(row.Correct))
	s.set(i, "image_reference", row.ImageReference)
	s.set(i, "error", row.Error)
}

// write replaces path atomically so an interrupted write never truncates
// the prompts file.
func (s *sheet) write(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".eval-*.csv")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(s.header); err != nil {
		tmp.Close()
		return err
	}
	if err := w.WriteAll(s.rows); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
