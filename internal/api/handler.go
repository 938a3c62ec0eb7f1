package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/loyalty/internal/domain"
	"github.com/opensource-finance/loyalty/internal/fraud"
	"github.com/opensource-finance/loyalty/internal/ledger"
	"github.com/opensource-finance/loyalty/internal/pipeline"
	"github.com/opensource-finance/loyalty/internal/repository"
	"github.com/opensource-finance/loyalty/internal/rules"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxBatchSize    = 1000
)

// Config holds the server settings.
type Config struct {
	domain.ServerConfig
	Version string
}

// Sweeper runs one bonus expiry sweep. The worker satisfies it and also
// publishes expiry events.
type Sweeper interface {
	Sweep(ctx context.Context) (*ledger.ExpiryReport, error)
}

// Dependencies are the components served over HTTP. Repo, KV, Bus and
// Sweeper may be nil.
type Dependencies struct {
	Repo     domain.Repository
	KV       domain.KVStore
	Bus      domain.EventBus
	Engine   *rules.Engine
	Scorer   *fraud.Scorer
	Ledger   *ledger.Ledger
	Pipeline *pipeline.Pipeline
	Sweeper  Sweeper
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Dependencies
	version string
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies, version string) *Handler {
	return &Handler{Dependencies: deps, version: version}
}

// EvaluateResponse is the response for POST /evaluate.
type EvaluateResponse struct {
	Decision *domain.RewardDecision `json:"decision"`
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Evaluate runs one player through the reward pipeline.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.TraceID == "" {
		req.TraceID = GetTraceID(ctx)
	}

	decision, err := h.Pipeline.Process(ctx, req)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("reward evaluation failed",
			"trace_id", req.TraceID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "reward evaluation failed")
		return
	}

	resp := EvaluateResponse{Decision: decision}
	resp.Metadata.TraceID = decision.TraceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// BatchRequest is the request body for POST /evaluate/batch.
type BatchRequest struct {
	Requests []pipeline.Request `json:"requests"`
}

// EvaluateBatch runs many players independently; per-player failures are
// reported in the results.
func (h *Handler) EvaluateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(req.Requests) == 0 {
		writeError(w, http.StatusBadRequest, "requests must not be empty")
		return
	}
	if len(req.Requests) > maxBatchSize {
		writeError(w, http.StatusBadRequest, "too many requests in batch")
		return
	}

	traceID := GetTraceID(ctx)
	for i := range req.Requests {
		if req.Requests[i].TraceID == "" {
			req.Requests[i].TraceID = traceID
		}
	}

	results := h.Pipeline.ProcessBatch(ctx, req.Requests)
	failed := 0
	for _, res := range results {
		if res.Error != "" {
			failed++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
		"failed":  failed,
	})
}

// GetDecision retrieves a stored reward decision.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	id := chi.URLParam(r, "id")

	decision, err := h.Repo.GetDecision(r.Context(), id)
	if err != nil {
		h.writeRepoError(w, err, "decision")
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// ListDecisions returns a player's recent reward decisions.
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	playerID := chi.URLParam(r, "playerID")

	decisions, err := h.Repo.ListDecisions(r.Context(), playerID, pageSize(r))
	if err != nil {
		h.writeRepoError(w, err, "decisions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}
	if h.Repo != nil {
		check("repository", h.Repo.Ping)
	}
	if h.KV != nil {
		check("kv", h.KV.Ping)
	}
	if h.Bus != nil {
		check("bus", h.Bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports whether the engine has rules to evaluate.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":         true,
		"rules_loaded":  h.Engine.RulesCount(),
		"rules_invalid": len(h.Engine.InvalidRules()),
	})
}

// ListRules returns the rules loaded in the engine and those that failed
// to compile.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.Engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":   loaded,
		"count":   len(loaded),
		"invalid": h.Engine.InvalidRules(),
	})
}

// GetRule retrieves a rule from the engine, falling back to storage for
// inactive rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.Engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	if h.Repo != nil {
		rule, err := h.Repo.GetRule(r.Context(), ruleID)
		if err == nil {
			writeJSON(w, http.StatusOK, rule)
			return
		}
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get rule", "rule_id", ruleID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to get rule")
			return
		}
	}

	writeError(w, http.StatusNotFound, "rule not found")
}

// CreateRule validates a rule and saves it. POST /rules/reload applies it.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ctx := r.Context()

	var rule domain.RewardRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if rule.ID == "" || rule.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required")
		return
	}

	if err := h.Engine.ValidateRule(&rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Repo.SaveRule(ctx, &rule); err != nil {
		slog.Error("failed to save rule", "rule_id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	slog.Info("rule saved", "rule_id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule saved. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules swaps the engine's rule set for the active rules in storage.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	failures, err := h.Engine.Refresh(r.Context(), h.Repo)
	if err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	slog.Info("rules reloaded from database",
		"count", h.Engine.RulesCount(),
		"invalid", len(failures),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.Engine.RulesCount(),
		"invalid": failures,
	})
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return false
	}
	return true
}

func (h *Handler) writeRepoError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("repository error", "resource", what, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load "+what)
	}
}

func pageSize(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
