package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/spherical-ai/textimage/internal/domain"
	"github.com/spherical-ai/textimage/internal/imagestore"
	"github.com/spherical-ai/textimage/internal/workflow"
)

// WorkflowRequestDTO is the body of both create endpoints.
type WorkflowRequestDTO struct {
	Prompt       string `json:"prompt"`
	IntendedText string `json:"intended_text,omitempty"`
}

// WorkflowCreatedDTO answers POST /api/workflows.
type WorkflowCreatedDTO struct {
	WorkflowID string    `json:"workflow_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	EventsURL  string    `json:"events_url"`
}

// WorkflowSummaryDTO is one entry of GET /api/workflows.
type WorkflowSummaryDTO struct {
	WorkflowID      string     `json:"workflow_id"`
	Prompt          string     `json:"prompt"`
	IntendedText    string     `json:"intended_text,omitempty"`
	Status          string     `json:"status"`
	Reason          string     `json:"reason,omitempty"`
	TotalIterations int        `json:"total_iterations"`
	CreatedAt       time.Time  `json:"created_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

const maxBodyBytes = 64 << 10

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (workflow.Request, bool) {
	var dto WorkflowRequestDTO
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&dto); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return workflow.Request{}, false
	}
	req, err := workflow.NewRequest(dto.Prompt, dto.IntendedText)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, workflow.MsgEmptyPrompt, "")
		return workflow.Request{}, false
	}
	return req, true
}

// createAndStream handles POST /api/workflows/stream. The run is detached
// from the connection: it completes even if the client goes away.
func (s *Server) createAndStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	run, stream := s.runner.Start(req)
	s.logger.WithRun(run.ID()).Info().Msg("Run started by streaming request")
	s.writeStream(w, r, stream)
}

// createWorkflow handles POST /api/workflows.
func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	run, _ := s.runner.Start(req)
	snap := run.Snapshot()
	s.logger.WithRun(run.ID()).Info().Msg("Run started")

	writeJSON(w, http.StatusAccepted, WorkflowCreatedDTO{
		WorkflowID: snap.ID,
		Status:     string(snap.Status),
		CreatedAt:  snap.CreatedAt,
		EventsURL:  "/api/workflows/" + snap.ID + "/events",
	})
}

// getWorkflow handles GET /api/workflows/{id}.
func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.runner.Get(r.Context(), id)
	if errors.Is(err, workflow.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "workflow not found", "")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("workflow_id", id).Msg("Failed to load run")
		s.writeError(w, http.StatusInternalServerError, "failed to load workflow", "")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// listWorkflows handles GET /api/workflows?limit=N.
func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500", "")
			return
		}
		limit = n
	}

	runs, err := s.runner.List(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list runs")
		s.writeError(w, http.StatusInternalServerError, "failed to list workflows", "")
		return
	}

	out := make([]WorkflowSummaryDTO, 0, len(runs))
	for _, snap := range runs {
		out = append(out, WorkflowSummaryDTO{
			WorkflowID:      snap.ID,
			Prompt:          snap.Request.Prompt,
			IntendedText:    snap.IntendedText,
			Status:          string(snap.Status),
			Reason:          string(snap.Reason),
			TotalIterations: len(snap.Iterations),
			CreatedAt:       snap.CreatedAt,
			FinishedAt:      snap.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

// getImage handles GET /api/images/{name}; name may carry a .png suffix.
func (s *Server) getImage(w http.ResponseWriter, r *http.Request) {
	ref, err := imagestore.ParseRef(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "image not found", "")
		return
	}

	data, err := s.images.Read(ref)
	if errors.Is(err, domain.ErrImageNotFound) {
		s.writeError(w, http.StatusNotFound, "image not found", "")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("image", string(ref)).Msg("Failed to read image")
		s.writeError(w, http.StatusInternalServerError, "failed to read image", "")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
