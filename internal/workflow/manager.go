package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/spherical-ai/textimage/internal/events"
	"github.com/spherical-ai/textimage/internal/observability"
)

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// StatusCache stores serialized run snapshots for fast status lookups.
type StatusCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// History persists finished runs.
type History interface {
	SaveRun(ctx context.Context, snap Snapshot) error
	GetRun(ctx context.Context, id string) (Snapshot, error)
	ListRuns(ctx context.Context, limit int) ([]Snapshot, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	CacheTTL time.Duration
	// SaveTimeout bounds persisting a finished run.
	SaveTimeout time.Duration
}

// Manager launches runs in the background and answers status queries for
// live, cached and persisted runs.
type Manager struct {
	orch    *Orchestrator
	hub     *events.Hub
	cache   StatusCache
	history History
	cfg     ManagerConfig
	logger  *observability.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	live map[string]*Run
}

// NewManager creates a manager. cache and history may be nil.
func NewManager(orch *Orchestrator, hub *events.Hub, cache StatusCache, history History, cfg ManagerConfig, logger *observability.Logger) *Manager {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = observability.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		orch:    orch,
		hub:     hub,
		cache:   cache,
		history: history,
		cfg:     cfg,
		logger:  logger.WithComponent("run-manager"),
		ctx:     ctx,
		cancel:  cancel,
		live:    make(map[string]*Run),
	}
}

// Start launches a run for req and returns it with its event stream. The
// run is not tied to the caller: it keeps going if the caller goes away.
func (m *Manager) Start(req Request) (*Run, *events.Stream) {
	run := NewRun(req, time.Now())
	stream := m.hub.Open(run.ID())

	m.mu.Lock()
	m.live[run.ID()] = run
	m.mu.Unlock()

	m.wg.Add(1)
	go m.execute(run, stream)
	return run, stream
}

func (m *Manager) execute(run *Run, stream *events.Stream) {
	defer m.wg.Done()

	// Refresh the cached status on every frame.
	sub := stream.Subscribe(m.ctx)
	tracked := make(chan struct{})
	go func() {
		defer close(tracked)
		for range sub.C {
			m.cacheSnapshot(run.Snapshot())
		}
	}()

	snap := m.orch.Execute(m.ctx, run, stream)
	<-tracked
	m.cacheSnapshot(snap)

	if m.history != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), m.cfg.SaveTimeout)
		if err := m.history.SaveRun(ctx, snap); err != nil {
			m.logger.Error().Err(err).Str("workflow_id", snap.ID).Msg("Failed to persist run")
		}
		cancel()
	}

	m.mu.Lock()
	delete(m.live, run.ID())
	m.mu.Unlock()
}

func (m *Manager) cacheSnapshot(snap Snapshot) {
	if m.cache == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		m.logger.Error().Err(err).Str("workflow_id", snap.ID).Msg("Failed to encode snapshot")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), 2*time.Second)
	defer cancel()
	if err := m.cache.Set(ctx, cacheKey(snap.ID), data, m.cfg.CacheTTL); err != nil {
		m.logger.Warn().Err(err).Str("workflow_id", snap.ID).Msg("Failed to cache snapshot")
	}
}

// Get returns the latest snapshot of a run: live state first, then the
// status cache, then history.
func (m *Manager) Get(ctx context.Context, id string) (Snapshot, error) {
	m.mu.RLock()
	run, ok := m.live[id]
	m.mu.RUnlock()
	if ok {
		return run.Snapshot(), nil
	}

	if m.cache != nil {
		if data, err := m.cache.Get(ctx, cacheKey(id)); err == nil {
			var snap Snapshot
			if err := json.Unmarshal(data, &snap); err == nil {
				return snap, nil
			}
		}
	}

	if m.history != nil {
		snap, err := m.history.GetRun(ctx, id)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, ErrRunNotFound) {
			return Snapshot{}, err
		}
	}
	return Snapshot{}, ErrRunNotFound
}

// List returns recent finished runs from history.
func (m *Manager) List(ctx context.Context, limit int) ([]Snapshot, error) {
	if m.history == nil {
		return nil, nil
	}
	return m.history.ListRuns(ctx, limit)
}

// Stream returns the event stream of a live or recently finished run.
func (m *Manager) Stream(id string) (*events.Stream, bool) {
	return m.hub.Get(id)
}

// Active returns the number of runs in progress.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

// Shutdown waits for runs in progress. When ctx expires first, the
// remaining runs are cancelled and reported as errored.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

func cacheKey(id string) string {
	return "run:" + id
}
