// Package api exposes the memory system over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/keepsake-dev/keepsake/internal/analytics"
	"github.com/keepsake-dev/keepsake/internal/briefing"
	"github.com/keepsake-dev/keepsake/internal/compress"
	"github.com/keepsake-dev/keepsake/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// SessionSummarizer abstracts summary generation for the API layer.
type SessionSummarizer interface {
	Summarize(ctx context.Context, sessionID string) (string, error)
}

// AppDeps holds dependencies for the HTTP API.
type AppDeps struct {
	Store      *storage.Store
	Briefing   *briefing.Builder
	Summarizer SessionSummarizer
	Pipeline   *compress.Worker
	Analytics  *analytics.Analytics
	Mock       bool
}

// NewAppHandler returns the HTTP API handler. Observation capture endpoints
// stay synchronous and cheap; the expensive compression work goes through
// the pipeline queue.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Post("/session/start", handleStartSession(deps))
	r.Post("/observe/call", handleObserveCall(deps))
	r.Post("/observe/result", handleObserveResult(deps))
	r.Post("/compress", handleCompress(deps))
	r.Post("/note", handleSaveNote(deps))
	r.Post("/summarize", handleSummarize(deps))
	r.Get("/context", handleContext(deps))
	r.Get("/sessions", handleListSessions(deps))
	r.Get("/stats", handleStats(deps))

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"ok":   true,
			"mock": deps.Mock,
		})
	}
}

func handleStartSession(deps AppDeps) http.HandlerFunc {
	type request struct {
		ProjectPath string `json:"projectPath"`
		UserPrompt  string `json:"userPrompt"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ProjectPath == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "projectPath is required")
			return
		}

		session, err := deps.Store.CreateSession(req.ProjectPath, req.UserPrompt)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create session: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"sessionId": session.ID,
			"session":   session,
		})
	}
}

func handleObserveCall(deps AppDeps) http.HandlerFunc {
	type request struct {
		SessionID       string `json:"sessionId"`
		FunctionName    string `json:"functionName"`
		FunctionArgs    string `json:"functionArgs"`
		ObservationType string `json:"observationType"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.SessionID == "" || req.FunctionName == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "sessionId and functionName are required")
			return
		}

		obs, err := deps.Store.SaveObservation(req.SessionID, req.FunctionName, req.FunctionArgs, req.ObservationType)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown sessionId: %s", req.SessionID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save observation: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"observationId": obs.ID,
			"observation":   obs,
		})
	}
}

func handleObserveResult(deps AppDeps) http.HandlerFunc {
	type request struct {
		ObservationID string `json:"observationId"`
		Result        string `json:"result"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ObservationID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "observationId is required")
			return
		}

		if err := deps.Store.UpdateObservationResult(req.ObservationID, req.Result); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update observation: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}

func handleCompress(deps AppDeps) http.HandlerFunc {
	type request struct {
		ObservationID string `json:"observationId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ObservationID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "observationId is required")
			return
		}

		deps.Pipeline.Enqueue(req.ObservationID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"queued":   true,
			"position": deps.Pipeline.Backlog(),
		})
	}
}

func handleSaveNote(deps AppDeps) http.HandlerFunc {
	type request struct {
		SessionID  string `json:"sessionId"`
		UserPrompt string `json:"userPrompt"`
		AIResponse string `json:"aiResponse"`
		Annotation string `json:"annotation"`
		Source     string `json:"source"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.SessionID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "sessionId is required")
			return
		}
		if req.UserPrompt == "" && req.AIResponse == "" && req.Annotation == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of userPrompt, aiResponse, or annotation is required")
			return
		}
		if _, err := deps.Store.GetSession(req.SessionID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown sessionId: %s", req.SessionID)
			return
		}

		source := storage.NoteSource(req.Source)
		if source == "" {
			source = storage.NoteSourceManual
		}
		note, err := deps.Store.SaveNote(req.SessionID, req.UserPrompt, req.AIResponse, req.Annotation, source)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save note: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"noteId": note.ID,
			"note":   note,
		})
	}
}

func handleSummarize(deps AppDeps) http.HandlerFunc {
	type request struct {
		SessionID string `json:"sessionId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.SessionID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "sessionId is required")
			return
		}

		summary, err := deps.Summarizer.Summarize(r.Context(), req.SessionID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found: %s", req.SessionID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "summarize failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"summary": summary})
	}
}

func handleContext(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		project := r.URL.Query().Get("project")
		if project == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project query param is required")
			return
		}
		prompt := r.URL.Query().Get("prompt")

		ctx, err := deps.Briefing.Build(project, prompt, 0, 0)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to build context: %v", err)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(ctx))
	}
}

func handleListSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		project := r.URL.Query().Get("project")
		if project == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project query param is required")
			return
		}

		limit := 10
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = n
		}

		sessions, err := deps.Store.GetRecentSessions(project, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sessions: %v", err)
			return
		}
		if sessions == nil {
			sessions = []storage.Session{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"sessions": sessions})
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		project := r.URL.Query().Get("project")
		if project == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project query param is required")
			return
		}

		snap, err := deps.Analytics.Stats(project)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute stats: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	}
}
