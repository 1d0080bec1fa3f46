package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/textimage/internal/events"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMapCache() *mapCache {
	return &mapCache{data: map[string][]byte{}}
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return nil, errors.New("miss")
	}
	return v, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.sets++
	return nil
}

type mapHistory struct {
	mu   sync.Mutex
	runs map[string]Snapshot
}

func newMapHistory() *mapHistory {
	return &mapHistory{runs: map[string]Snapshot{}}
}

func (h *mapHistory) SaveRun(_ context.Context, snap Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs[snap.ID] = snap
	return nil
}

func (h *mapHistory) GetRun(_ context.Context, id string) (Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap, ok := h.runs[id]
	if !ok {
		return Snapshot{}, ErrRunNotFound
	}
	return snap, nil
}

func (h *mapHistory) ListRuns(_ context.Context, limit int) ([]Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Snapshot
	for _, s := range h.runs {
		if len(out) == limit {
			break
		}
		out = append(out, s)
	}
	return out, nil
}

func newTestManager(t *testing.T, gen *fakeGenerator, rec *fakeRecognizer, cache StatusCache, history History) *Manager {
	t.Helper()
	hub := events.NewHub(events.HubConfig{})
	t.Cleanup(hub.Close)
	o := newTestOrchestrator(Config{}, gen, rec, nil, nil)
	return NewManager(o, hub, cache, history, ManagerConfig{}, nil)
}

func waitFinished(t *testing.T, m *Manager, stream *events.Stream) {
	t.Helper()
	select {
	case <-stream.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	require.Eventually(t, func() bool { return m.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestManager_StartAndGet(t *testing.T) {
	cache := newMapCache()
	history := newMapHistory()
	m := newTestManager(t, &fakeGenerator{}, &fakeRecognizer{texts: []string{"nope", "Hackathon 2025"}}, cache, history)

	run, stream := m.Start(Request{Prompt: hackathonPrompt})
	got, ok := m.Stream(run.ID())
	require.True(t, ok)
	assert.Same(t, stream, got)

	waitFinished(t, m, stream)

	snap, err := m.Get(context.Background(), run.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, snap.Status)
	assert.Len(t, snap.Iterations, 2)

	saved, err := history.GetRun(context.Background(), run.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, saved.Status)

	cache.mu.Lock()
	assert.Greater(t, cache.sets, 1, "status is refreshed while the run progresses")
	cache.mu.Unlock()

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_GetFallsBackToHistory(t *testing.T) {
	history := newMapHistory()
	m := newTestManager(t, &fakeGenerator{}, &fakeRecognizer{texts: []string{"x"}}, nil, history)

	stored := Snapshot{ID: "old-run", Status: StatusTimedOut, Iterations: []Iteration{}}
	require.NoError(t, history.SaveRun(context.Background(), stored))

	snap, err := m.Get(context.Background(), "old-run")
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, snap.Status)

	_, err = m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	runs, err := m.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestManager_WithoutStores(t *testing.T) {
	m := newTestManager(t, &fakeGenerator{}, &fakeRecognizer{texts: []string{"Hackathon 2025"}}, nil, nil)

	run, stream := m.Start(Request{Prompt: hackathonPrompt})
	waitFinished(t, m, stream)

	_, err := m.Get(context.Background(), run.ID())
	assert.ErrorIs(t, err, ErrRunNotFound, "finished runs are only kept by the stores")

	runs, err := m.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestManager_ShutdownCancelsRunsInProgress(t *testing.T) {
	gen := &fakeGenerator{delay: 10 * time.Second, called: make(chan struct{})}
	history := newMapHistory()
	m := newTestManager(t, gen, &fakeRecognizer{texts: []string{"x"}}, nil, history)

	run, _ := m.Start(Request{Prompt: hackathonPrompt, IntendedText: "Hackathon 2025"})
	<-gen.called

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Shutdown(ctx), context.DeadlineExceeded)

	saved, err := history.GetRun(context.Background(), run.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusErrored, saved.Status)
	assert.Equal(t, ReasonCancelled, saved.Reason)
}
