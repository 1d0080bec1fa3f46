package commands

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const evalPrompts = `id,prompt,expected_text,difficulty_notes
001,"A poster that says ""Hello There""",Hello There,short phrase
002,A quiet forest at dusk,,no text
003,"   ",,blank
`

func writePrompts(t *testing.T, cfg string) string {
	t.Helper()
	path := filepath.Join(filepath.Dir(cfg), "prompts.csv")
	require.NoError(t, os.WriteFile(path, []byte(evalPrompts), 0o644))
	return path
}

// readResults returns the rows of a CSV file keyed by their id column.
func readResults(t *testing.T, path string) ([]string, map[string]map[string]string) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, records)

	header := records[0]
	rows := map[string]map[string]string{}
	for _, rec := range records[1:] {
		row := map[string]string{}
		for i, name := range header {
			row[name] = rec[i]
		}
		rows[row["id"]] = row
	}
	return header, rows
}

func TestEval_WritesOutcomeColumns(t *testing.T) {
	cfg := writeConfig(t, "HELLO THERE")
	input := writePrompts(t, cfg)
	output := filepath.Join(t.TempDir(), "results.csv")

	_, err := execute(t, "eval", "--config", cfg, "--no-color", "--output", output, input)
	require.NoError(t, err)

	header, rows := readResults(t, output)
	assert.Equal(t, []string{
		"id", "prompt", "expected_text", "difficulty_notes",
		"run_id", "status", "iterations", "recognized_text", "is_correct", "image_reference", "error",
	}, header)
	require.Len(t, rows, 3)

	matched := rows["001"]
	assert.Equal(t, "succeeded", matched["status"])
	assert.Equal(t, "1", matched["iterations"])
	assert.Equal(t, "HELLO THERE", matched["recognized_text"])
	assert.Equal(t, "true", matched["is_correct"])
	assert.Regexp(t, `^/api/images/.+\.png$`, matched["image_reference"])
	assert.NotEmpty(t, matched["run_id"])
	assert.Equal(t, "short phrase", matched["difficulty_notes"])

	noText := rows["002"]
	assert.Equal(t, "errored", noText["status"])
	assert.Equal(t, "false", noText["is_correct"])
	assert.Equal(t, "no intended text", noText["error"])

	blank := rows["003"]
	assert.Equal(t, "errored", blank["status"])
	assert.Empty(t, blank["run_id"])
	assert.Contains(t, blank["error"], "prompt is empty")

	// The input is left alone when an output path is given.
	raw, err := os.ReadFile(input)
	require.NoError(t, err)
	assert.Equal(t, evalPrompts, string(raw))
}

func TestEval_LimitOverwritesInput(t *testing.T) {
	cfg := writeConfig(t, "HELO THERE")
	input := writePrompts(t, cfg)

	out, err := execute(t, "eval", "--config", cfg, "--json", "--limit", "1", input)
	require.NoError(t, err)
	assert.Contains(t, out, `"status":"timed_out"`)

	_, rows := readResults(t, input)
	require.Len(t, rows, 3)
	assert.Equal(t, "timed_out", rows["001"]["status"])
	assert.Equal(t, "2", rows["001"]["iterations"])
	assert.Equal(t, "HELO THERE", rows["001"]["recognized_text"])
	assert.Equal(t, "false", rows["001"]["is_correct"])
	assert.Empty(t, rows["002"]["status"], "rows past the limit are not run")
}

func TestEval_RequiresPromptColumn(t *testing.T) {
	cfg := writeConfig(t, "")
	input := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(input, []byte("id,text\n1,hello\n"), 0o644))

	_, err := execute(t, "eval", "--config", cfg, input)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no prompt column")
}
