package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/textimage/internal/domain"
	"github.com/spherical-ai/textimage/internal/workflow"
)

func openSQLite(t *testing.T) *RunHistory {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runs.db")
	h, err := Open(context.Background(), "sqlite", path, Options{MaxOpenConns: 1, JournalMode: "WAL"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func sampleSnapshot(id string, created time.Time, status workflow.Status) workflow.Snapshot {
	finished := created.Add(3 * time.Second)
	return workflow.Snapshot{
		ID:           id,
		Request:      workflow.Request{Prompt: "A sign reading 'OPEN'"},
		IntendedText: "OPEN",
		Iterations: []workflow.Iteration{{
			Index:          1,
			Prompt:         "A sign reading 'OPEN'",
			ImageRef:       "0b7a3f5e-0000-4000-8000-000000000001",
			RecognizedText: "OPEN",
			Match:          workflow.MatchTrue,
			Feedback:       workflow.MatchFeedback,
			CreatedAt:      created,
		}},
		Status:     status,
		Reason:     workflow.ReasonMatched,
		CreatedAt:  created,
		StartedAt:  created,
		Deadline:   created.Add(5 * time.Minute),
		FinishedAt: &finished,
	}
}

func runHistoryContract(t *testing.T, h *RunHistory) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := h.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, workflow.ErrRunNotFound)

	first := sampleSnapshot("run-1", base, workflow.StatusSucceeded)
	require.NoError(t, h.SaveRun(ctx, first))

	got, err := h.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusSucceeded, got.Status)
	assert.Equal(t, "OPEN", got.IntendedText)
	require.Len(t, got.Iterations, 1)
	assert.Equal(t, workflow.MatchTrue, got.Iterations[0].Match)
	assert.True(t, got.CreatedAt.Equal(base))

	// Saving again replaces the stored snapshot.
	first.Status = workflow.StatusTimedOut
	first.Reason = workflow.ReasonDeadline
	require.NoError(t, h.SaveRun(ctx, first))
	got, err = h.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusTimedOut, got.Status)

	require.NoError(t, h.SaveRun(ctx, sampleSnapshot("run-2", base.Add(time.Minute), workflow.StatusErrored)))
	require.NoError(t, h.SaveRun(ctx, sampleSnapshot("run-3", base.Add(2*time.Minute), workflow.StatusSucceeded)))

	runs, err := h.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-3", runs[0].ID)
	assert.Equal(t, "run-2", runs[1].ID)

	counts, err := h.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[workflow.Status]int{
		workflow.StatusTimedOut:  1,
		workflow.StatusErrored:   1,
		workflow.StatusSucceeded: 1,
	}, counts)
}

func TestRunHistory_SQLite(t *testing.T) {
	runHistoryContract(t, openSQLite(t))
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	ctx := context.Background()

	h, err := Open(ctx, "sqlite", path, Options{})
	require.NoError(t, err)
	require.NoError(t, h.SaveRun(ctx, sampleSnapshot("kept", time.Now(), workflow.StatusSucceeded)))
	require.NoError(t, h.Close())

	h, err = Open(ctx, "sqlite", path, Options{})
	require.NoError(t, err)
	defer h.Close()

	pending, err := NewMigrator(h.db, "sqlite").Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = h.GetRun(ctx, "kept")
	assert.NoError(t, err)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn", Options{})
	require.Error(t, err)
	assert.Equal(t, domain.ErrorTypeConfig, domain.TypeOf(err))
}

func TestMigrator_FilesPerDriver(t *testing.T) {
	sqliteFiles, err := NewMigrator(nil, "sqlite").listMigrationFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_runs_sqlite.sql"}, sqliteFiles)

	pgFiles, err := NewMigrator(nil, "postgres").listMigrationFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_runs.sql"}, pgFiles)
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM runs WHERE id = ? AND status = ?"
	assert.Equal(t, q, rebind("sqlite", q))
	assert.Equal(t, "SELECT * FROM runs WHERE id = $1 AND status = $2", rebind("postgres", q))
}

func TestSplitSQLStatements(t *testing.T) {
	stmts := splitSQLStatements("-- comment\nCREATE TABLE a (x INT);\n\nCREATE INDEX i ON a (x);\n-- trailing\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a (x)"}, stmts)
}
