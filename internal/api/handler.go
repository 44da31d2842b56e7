// Package api exposes the engine over HTTP: analysis submission and reads,
// a per-analysis SSE progress stream, and memory recall.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/qualagents/qualagents/internal/analysis"
	"github.com/qualagents/qualagents/internal/memory"
	"github.com/qualagents/qualagents/internal/storage"
	"github.com/qualagents/qualagents/internal/stream"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AnalysisService is the slice of the orchestrator the handlers need.
type AnalysisService interface {
	Submit(ctx context.Context, projectID, agentID, text string, params analysis.Params) (string, error)
	GetJob(ctx context.Context, id string) (storage.Analysis, error)
	GetResult(ctx context.Context, id string) ([]byte, error)
	Cancel(id string)
}

// MemorySearcher runs scoped similarity searches.
type MemorySearcher interface {
	Search(ctx context.Context, q memory.Query) ([]memory.Match, error)
}

// Embedder turns query text into a vector for memory search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Subscriber attaches to an analysis event stream.
type Subscriber interface {
	Subscribe(analysisID string, snapshot ...stream.Event) (<-chan stream.Event, func())
}

type Deps struct {
	Analyses AnalysisService
	Memory   MemorySearcher
	Embedder Embedder
	Streams  Subscriber
	Token    string // empty disables bearer auth
	Logger   *slog.Logger
}

// NewHandler builds the HTTP API. /health is always unauthenticated.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/v1/analyses", handleSubmit(deps))
		r.Get("/v1/analyses/{id}", handleGetAnalysis(deps))
		r.Get("/v1/analyses/{id}/result", handleGetResult(deps))
		r.Post("/v1/analyses/{id}/cancel", handleCancel(deps))
		r.Get("/v1/analyses/{id}/events", handleEvents(deps))
		r.Get("/v1/memory/search", handleMemorySearch(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type SubmitRequest struct {
	ProjectID string          `json:"project_id"`
	AgentID   string          `json:"agent_id"`
	Text      string          `json:"text"`
	Params    analysis.Params `json:"params"`
}

func handleSubmit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		id, err := deps.Analyses.Submit(r.Context(), req.ProjectID, req.AgentID, req.Text, req.Params)
		if err != nil {
			if errors.Is(err, analysis.ErrInvalidInput) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			deps.Logger.Error("submit failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to accept analysis")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"id":     id,
			"status": string(storage.StatusPending),
		})
	}
}

type analysisResponse struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	AgentID     string     `json:"agent_id"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toAnalysisResponse(an storage.Analysis) analysisResponse {
	return analysisResponse{
		ID:          an.ID,
		ProjectID:   an.ProjectID,
		AgentID:     an.AgentID,
		Status:      string(an.Status),
		Error:       an.ErrorDetail,
		CreatedAt:   an.CreatedAt,
		CompletedAt: an.CompletedAt,
	}
}

func handleGetAnalysis(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		an, err := deps.Analyses.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "analysis %s not found", id)
				return
			}
			deps.Logger.Error("get analysis failed", "analysis_id", id, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load analysis")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toAnalysisResponse(an))
	}
}

func handleGetResult(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		result, err := deps.Analyses.GetResult(r.Context(), id)
		switch {
		case err == nil:
		case errors.Is(err, analysis.ErrNotReady):
			httpError(w, http.StatusConflict, "not_ready_error", "%v", err)
			return
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found_error", "no result for analysis %s", id)
			return
		default:
			deps.Logger.Error("get result failed", "analysis_id", id, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load result")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(result)
	}
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		an, err := deps.Analyses.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "analysis %s not found", id)
				return
			}
			deps.Logger.Error("cancel lookup failed", "analysis_id", id, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load analysis")
			return
		}

		// Cancelling a terminal analysis is a no-op.
		if !an.Status.Terminal() {
			deps.Analyses.Cancel(id)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"id":     id,
			"status": string(an.Status),
		})
	}
}

func handleMemorySearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		projectID := q.Get("project_id")
		text := q.Get("q")
		if projectID == "" || text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project_id and q are required")
			return
		}

		limit := 0
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", raw)
				return
			}
			limit = n
		}
		minScore := 0.0
		if raw := q.Get("min_score"); raw != "" {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil || f < 0 || f > 1 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid min_score %q", raw)
				return
			}
			minScore = f
		}

		vec, err := deps.Embedder.Embed(r.Context(), text)
		if err != nil {
			deps.Logger.Error("query embedding failed", "error", err)
			httpError(w, http.StatusBadGateway, "api_error", "failed to embed query")
			return
		}

		matches, err := deps.Memory.Search(r.Context(), memory.Query{
			Embedding: vec,
			ProjectID: projectID,
			AgentID:   q.Get("agent_id"),
			Type:      memory.EntryType(q.Get("type")),
			Tag:       q.Get("tag"),
			Limit:     limit,
			MinScore:  minScore,
		})
		if err != nil {
			deps.Logger.Error("memory search failed", "project_id", projectID, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "memory search failed")
			return
		}

		type matchResponse struct {
			ID        string    `json:"id"`
			Text      string    `json:"text"`
			Type      string    `json:"type"`
			Tag       string    `json:"tag,omitempty"`
			Score     float64   `json:"score"`
			CreatedAt time.Time `json:"created_at"`
		}
		out := make([]matchResponse, 0, len(matches))
		for _, m := range matches {
			out = append(out, matchResponse{
				ID:        m.Entry.ID,
				Text:      m.Entry.Text,
				Type:      string(m.Entry.Type),
				Tag:       m.Entry.Tag,
				Score:     m.Score,
				CreatedAt: m.Entry.CreatedAt,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"matches": out})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
