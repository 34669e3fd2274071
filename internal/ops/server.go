// Package ops exposes the consolidation engine over HTTP: ingest, retrieval,
// contradiction lifecycle, propagation, health, stats, and a WebSocket event
// feed.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/factloom/factloom/internal/cache"
	"github.com/factloom/factloom/internal/embed"
	"github.com/factloom/factloom/internal/engine"
	"github.com/factloom/factloom/internal/storage"
	"github.com/factloom/factloom/pkg/types"
)

// Server serves the operational HTTP API.
type Server struct {
	engine   *engine.Engine
	embedder embed.Provider
	caches   *cache.Tiered
	hub      *EventHub
	http     *http.Server
}

// ErrorResponse is the JSON body for error responses.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewServer creates the operational HTTP server. The embedder is used to
// vectorize text queries on the search endpoint; it may be nil, in which case
// text search is unavailable.
func NewServer(addr string, eng *engine.Engine, embedder embed.Provider, caches *cache.Tiered) *Server {
	s := &Server{
		engine:   eng,
		embedder: embedder,
		caches:   caches,
		hub:      NewEventHub(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/v1/memories", s.handleIngest)
	mux.HandleFunc("/v1/search", s.handleSearch)
	mux.HandleFunc("/v1/reliable", s.handleReliable)
	mux.HandleFunc("/v1/contradictions", s.handleContradictions)
	mux.HandleFunc("/v1/contradictions/mark", s.handleMarkContradicting)
	mux.HandleFunc("/v1/contradictions/resolve", s.handleResolveContradiction)
	mux.HandleFunc("/v1/propagate", s.handlePropagate)
	mux.Handle("/ws/events", s.hub)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start runs the event hub and begins serving. Blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start() error {
	s.engine.SetOnEvent(func(ev engine.Event) {
		s.hub.Broadcast(ev)
	})
	go s.hub.Run()

	log.Printf("ops: listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops: server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP listener and the event hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("ops: shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats reports cache tier statistics and background queue depth.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"queue_depth": s.engine.QueueDepth(),
	}
	if s.caches != nil {
		stats["caches"] = s.caches.Stats()
	}
	respondJSON(w, http.StatusOK, stats)
}

type ingestRequest struct {
	ProfileID string      `json:"profile_id"`
	Claim     types.Claim `json:"claim"`
}

// handleIngest handles POST /v1/memories - consolidate one claim.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	entry, err := s.engine.UpsertMemory(r.Context(), req.ProfileID, req.Claim)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			respondError(w, http.StatusBadRequest, "invalid claim", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to consolidate claim", err)
		return
	}

	status := http.StatusCreated
	if entry.SupportCount > 1 {
		status = http.StatusOK
	}
	respondJSON(w, status, entry)
}

type searchRequest struct {
	ProfileID string    `json:"profile_id"`
	Query     string    `json:"query,omitempty"`
	Vector    []float32 `json:"vector,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
}

// handleSearch handles POST /v1/search - hybrid-ranked similarity retrieval.
// Accepts either a raw vector or a text query (embedded server-side).
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	vector := req.Vector
	if len(vector) == 0 {
		if req.Query == "" {
			respondError(w, http.StatusBadRequest, "query or vector is required", nil)
			return
		}
		if s.embedder == nil {
			respondError(w, http.StatusServiceUnavailable, "text search unavailable: no embedding provider", nil)
			return
		}
		var err error
		vector, err = s.embedder.Embed(r.Context(), req.Query)
		if err != nil {
			respondError(w, http.StatusBadGateway, "failed to embed query", err)
			return
		}
	}

	results, err := s.engine.Retriever().FindSimilar(r.Context(), req.ProfileID, vector, req.Limit, req.Threshold)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			respondError(w, http.StatusBadRequest, "invalid search request", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "search failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// handleReliable handles GET /v1/reliable?profile_id=...&limit=... -
// high-confidence active entries.
func (s *Server) handleReliable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}

	profileID := r.URL.Query().Get("profile_id")
	limit := parseInt(r.URL.Query().Get("limit"), 50)

	entries, err := s.engine.Retriever().GetReliableMemories(r.Context(), profileID, limit)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			respondError(w, http.StatusBadRequest, "invalid request", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to list reliable memories", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"memories": entries})
}

// handleContradictions handles GET /v1/contradictions?profile_id=... -
// list contradiction groups.
func (s *Server) handleContradictions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}

	profileID := r.URL.Query().Get("profile_id")
	groups, err := s.engine.Contradictions().ListGroups(r.Context(), profileID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list contradiction groups", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

type markContradictingRequest struct {
	FactIDs []string `json:"fact_ids"`
	GroupID string   `json:"group_id"`
}

// handleMarkContradicting handles POST /v1/contradictions/mark.
func (s *Server) handleMarkContradicting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}

	var req markContradictingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	err := s.engine.Contradictions().MarkContradicting(r.Context(), req.FactIDs, req.GroupID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInvalidInput):
			respondError(w, http.StatusBadRequest, "invalid request", err)
		case errors.Is(err, storage.ErrNotFound):
			respondError(w, http.StatusNotFound, "no matching entries", err)
		default:
			respondError(w, http.StatusInternalServerError, "failed to mark contradiction", err)
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"group_id": req.GroupID, "status": "marked"})
}

type resolveRequest struct {
	ProfileID       string `json:"profile_id"`
	GroupID         string `json:"group_id"`
	PrimaryID       string `json:"primary_id"`
	DeprecateOthers bool   `json:"deprecate_others"`
}

// handleResolveContradiction handles POST /v1/contradictions/resolve.
func (s *Server) handleResolveContradiction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	err := s.engine.Contradictions().Resolve(r.Context(), req.ProfileID, req.GroupID, req.PrimaryID, req.DeprecateOthers)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInvalidInput):
			respondError(w, http.StatusBadRequest, "invalid request", err)
		case errors.Is(err, storage.ErrNotFound):
			respondError(w, http.StatusNotFound, "primary not found in group", err)
		default:
			respondError(w, http.StatusInternalServerError, "failed to resolve contradiction", err)
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"group_id": req.GroupID, "status": "resolved"})
}

type propagateRequest struct {
	ProfileID string `json:"profile_id"`
	DryRun    bool   `json:"dry_run"`
}

// handlePropagate handles POST /v1/propagate - run one importance
// propagation pass.
func (s *Server) handlePropagate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}

	var req propagateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	result, err := s.engine.Propagator().Run(r.Context(), req.ProfileID, req.DryRun)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			respondError(w, http.StatusBadRequest, "invalid request", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "propagation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers already sent, just log.
		log.Printf("ops: failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}
	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}
	respondJSON(w, statusCode, errResp)
}

func parseInt(value string, defaultValue int) int {
	if value == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(value); err == nil && n > 0 {
		return n
	}
	return defaultValue
}
