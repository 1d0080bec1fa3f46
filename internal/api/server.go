// Package api exposes workflow runs over HTTP: server-sent events, WebSocket,
// JSON status endpoints and generated image bytes.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical-ai/textimage/internal/events"
	"github.com/spherical-ai/textimage/internal/imagestore"
	"github.com/spherical-ai/textimage/internal/observability"
	"github.com/spherical-ai/textimage/internal/workflow"
)

// Runner starts runs and answers questions about them.
type Runner interface {
	Start(req workflow.Request) (*workflow.Run, *events.Stream)
	Get(ctx context.Context, id string) (workflow.Snapshot, error)
	List(ctx context.Context, limit int) ([]workflow.Snapshot, error)
	Stream(id string) (*events.Stream, bool)
	Active() int
}

// ImageReader serves stored images.
type ImageReader interface {
	Read(ref imagestore.Ref) ([]byte, error)
}

// Follower subscribes to frames published by other instances.
type Follower interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// Check is a named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	RequestTimeout time.Duration
	AllowedOrigins []string
	// KeepAlive is the interval of SSE comment heartbeats.
	KeepAlive time.Duration

	Metrics http.Handler
	Checks  []Check

	// MCP, when set, is mounted at MCPBasePath.
	MCP         http.Handler
	MCPBasePath string

	// Follower and Channel let a replica relay runs executing elsewhere.
	Follower Follower
	Channel  func(runID string) string
}

// Server holds the HTTP handlers.
type Server struct {
	runner Runner
	images ImageReader
	opts   Options
	logger *observability.Logger
}

// NewServer creates the API server.
func NewServer(runner Runner, images ImageReader, opts Options, logger *observability.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.MCPBasePath == "" {
		opts.MCPBasePath = "/mcp"
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Server{
		runner: runner,
		images: images,
		opts:   opts,
		logger: logger.WithComponent("api"),
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(CORS(s.opts.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "healthy",
			"service":     "textimage",
			"active_runs": s.runner.Active(),
		})
	})
	r.Get("/ready", s.ready)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	// Long-lived streams are not bounded by the request timeout.
	r.Group(func(r chi.Router) {
		r.Post("/api/workflows/stream", s.createAndStream)
		r.Get("/api/workflows/{id}/events", s.streamEvents)
		r.Get("/api/workflows/{id}/ws", s.streamWebSocket)
		if s.opts.MCP != nil {
			r.Mount(s.opts.MCPBasePath, s.opts.MCP)
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(s.opts.RequestTimeout))
		r.Post("/api/workflows", s.createWorkflow)
		r.Get("/api/workflows", s.listWorkflows)
		r.Get("/api/workflows/{id}", s.getWorkflow)
		r.Get("/api/images/{name}", s.getImage)
	})

	return r
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{}
	for _, c := range s.opts.Checks {
		if err := c.Probe(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[c.Name] = err.Error()
			continue
		}
		checks[c.Name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// requestLogger logs each request through the service logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("latency", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, errorResponse{Error: message, Details: details})
}
