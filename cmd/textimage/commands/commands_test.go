package commands

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, transcription string) string {
	t.Helper()
	for _, key := range []string{"OPENROUTER_API_KEY", "FAL_KEY", "GENERATOR_DRIVER", "RECOGNIZER_DRIVER", "REASONING_DRIVER", "DATABASE_URL", "REDIS_URL", "IMAGES_DIR", "MAX_ITERATIONS"} {
		t.Setenv(key, "")
	}

	vision := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": transcription}}},
		})
	}))
	t.Cleanup(vision.Close)

	dir := t.TempDir()
	cfg := fmt.Sprintf(`
workflow:
  max_iterations: 2
generator:
  driver: render
  render:
    width: 320
    height: 200
    scale: 2
reasoning:
  driver: heuristic
  api_key: test-key
  base_url: %s
  max_retries: 1
recognizer:
  driver: vision
images:
  dir: %s
database:
  driver: sqlite
  sqlite:
    path: %s
`, vision.URL, filepath.Join(dir, "images"), filepath.Join(dir, "runs.db"))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func frameTypes(t *testing.T, output string) []string {
	t.Helper()
	var types []string
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		var frame map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &frame), sc.Text())
		types = append(types, frame["type"].(string))
	}
	return types
}

func TestGenerate_JSONStream(t *testing.T) {
	cfg := writeConfig(t, "HELLO THERE")

	out, err := execute(t, "generate", "--json", "--config", cfg, `A poster that says "Hello There"`)
	require.NoError(t, err)
	types := frameTypes(t, out)
	require.Len(t, types, 6)
	assert.Equal(t, "iteration_start", types[0])
	// Intent extraction overlaps the first generation.
	assert.ElementsMatch(t, []string{"intent_extracted", "image_generated"}, types[1:3])
	assert.Equal(t, []string{"analysis", "workflow_complete", "stream_end"}, types[3:])
}

func TestGenerate_TimeoutExitsWithError(t *testing.T) {
	cfg := writeConfig(t, "HELO THERE")

	out, err := execute(t, "generate", "--json", "--config", cfg, `A poster that says "Hello There"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not match after 2 iteration(s)")

	types := frameTypes(t, out)
	require.Len(t, types, 9)
	assert.Equal(t, "workflow_timeout", types[len(types)-2])
}

func TestGenerate_EmptyPrompt(t *testing.T) {
	cfg := writeConfig(t, "")

	_, err := execute(t, "generate", "--config", cfg, "   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt is empty")
}

func TestRuns_ListAndShow(t *testing.T) {
	cfg := writeConfig(t, "HELLO THERE")

	_, err := execute(t, "generate", "--json", "--config", cfg, `A poster that says "Hello There"`)
	require.NoError(t, err)

	out, err := execute(t, "runs", "list", "--json", "--config", cfg)
	require.NoError(t, err)

	var runs []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "succeeded", runs[0].Status)

	out, err = execute(t, "runs", "show", "--config", cfg, "--no-color", runs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Run "+runs[0].ID)
	assert.Contains(t, out, `Recognized "HELLO THERE"`)

	_, err = execute(t, "runs", "show", "--config", cfg, "does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "textimage dev"))
}
