package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/spherical-ai/textimage/internal/observability"
)

// Publisher fans frames out to other processes.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// HubConfig configures a Hub.
type HubConfig struct {
	// Retention is how long a terminated stream stays available for replay.
	Retention time.Duration
	// Publisher, when set, receives every frame as JSON on ChannelPrefix+runID.
	Publisher     Publisher
	ChannelPrefix string
	Logger        *observability.Logger
}

// Hub tracks the streams of live and recently finished runs so late
// subscribers can replay them.
type Hub struct {
	cfg    HubConfig
	logger *observability.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewHub creates a hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Retention <= 0 {
		cfg.Retention = 15 * time.Minute
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "textimage:events:"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:     cfg,
		logger:  logger.WithComponent("event-hub"),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]*Stream),
	}
}

// Open creates and registers the stream for runID.
func (h *Hub) Open(runID string) *Stream {
	s := NewStream(runID)

	h.mu.Lock()
	h.streams[runID] = s
	h.mu.Unlock()

	if h.cfg.Publisher != nil {
		h.wg.Add(1)
		go h.forward(s)
	}
	h.wg.Add(1)
	go h.expire(s)

	return s
}

// Get returns the stream for runID if it is still retained.
func (h *Hub) Get(runID string) (*Stream, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.streams[runID]
	return s, ok
}

// Len returns the number of retained streams.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

// Channel returns the pub/sub channel a run's frames are published on.
func (h *Hub) Channel(runID string) string {
	return h.cfg.ChannelPrefix + runID
}

// Close stops forwarding and expiry. Retained streams stay readable.
func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()
}

func (h *Hub) forward(s *Stream) {
	defer h.wg.Done()

	sub := s.Subscribe(h.ctx)
	channel := h.Channel(s.RunID())
	for f := range sub.C {
		payload, err := json.Marshal(f)
		if err != nil {
			h.logger.Error().Err(err).Str("workflow_id", s.RunID()).Msg("Failed to encode frame")
			continue
		}

		ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
		if err := h.cfg.Publisher.Publish(ctx, channel, payload); err != nil {
			h.logger.Warn().Err(err).Str("workflow_id", s.RunID()).Int("seq", f.Seq).Msg("Failed to publish frame")
		}
		cancel()
	}
}

func (h *Hub) expire(s *Stream) {
	defer h.wg.Done()

	select {
	case <-s.Done():
	case <-h.ctx.Done():
		return
	}

	timer := time.NewTimer(h.cfg.Retention)
	defer timer.Stop()
	select {
	case <-timer.C:
		h.mu.Lock()
		if h.streams[s.RunID()] == s {
			delete(h.streams, s.RunID())
		}
		h.mu.Unlock()
	case <-h.ctx.Done():
	}
}
