package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/loyalty/internal/domain"
	"github.com/opensource-finance/loyalty/internal/fraud"
	"github.com/opensource-finance/loyalty/internal/ledger"
	"github.com/opensource-finance/loyalty/internal/pipeline"
)

// WagerRequest is the request body for POST /wallets/{playerID}/wager.
type WagerRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	GameType string          `json:"game_type"`
}

// DeductRequest is the request body for POST /wallets/{playerID}/deduct.
type DeductRequest struct {
	Currency  domain.Currency        `json:"currency"`
	Amount    decimal.Decimal        `json:"amount"`
	Type      domain.TransactionType `json:"type,omitempty"`
	Reference string                 `json:"reference,omitempty"`
}

// ReviewRequest is the request body for POST /players/{playerID}/review.
type ReviewRequest struct {
	Reason string `json:"reason"`
}

// GetWallet returns a player's balances and bonus state.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")

	wallet, err := h.Ledger.GetWallet(r.Context(), playerID)
	if err != nil {
		writeLedgerError(w, playerID, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// ListTransactions returns a player's ledger entries, newest first.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")

	txs, err := h.Ledger.ListTransactions(r.Context(), playerID, pageSize(r))
	if err != nil {
		writeLedgerError(w, playerID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// RecordWager counts a stake towards the player's bonus wagering.
func (h *Handler) RecordWager(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")

	var req WagerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	progress, err := h.Ledger.RecordWager(r.Context(), playerID, req.Amount, req.GameType)
	if err != nil {
		writeLedgerError(w, playerID, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// DeductBalance debits one of the player's balances.
func (h *Handler) DeductBalance(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")

	var req DeductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	t, err := h.Ledger.DeductBalance(r.Context(), playerID, req.Currency, req.Amount, req.Type, req.Reference)
	if err != nil {
		writeLedgerError(w, playerID, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ExpireBonuses runs one bonus expiry sweep on demand.
func (h *Handler) ExpireBonuses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		report *ledger.ExpiryReport
		err    error
	)
	if h.Sweeper != nil {
		report, err = h.Sweeper.Sweep(ctx)
	} else {
		report, err = h.Ledger.ExpireBonuses(ctx)
	}
	if err != nil {
		slog.Error("bonus expiry sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, "bonus expiry sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// FlagForReview records a manual review signal for a player and publishes
// the resulting abuse alert.
func (h *Handler) FlagForReview(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ctx := r.Context()
	playerID := chi.URLParam(r, "playerID")

	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	sig := h.Scorer.FlagForReview(playerID, req.Reason)
	if err := h.Repo.SaveAbuseSignals(ctx, []domain.AbuseSignal{sig}); err != nil {
		slog.Error("failed to save review signal", "player_id", playerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save signal")
		return
	}

	open, err := h.Repo.ListAbuseSignals(ctx, playerID, true)
	if err != nil {
		h.writeRepoError(w, err, "signals")
		return
	}
	alert := pipeline.AbuseAlert{
		PlayerID: playerID,
		Score:    h.Scorer.CalculateAbuseScore(open),
		Signals:  []domain.AbuseSignal{sig},
		TraceID:  GetTraceID(ctx),
	}
	alert.Penalty = fraud.ApplyPenalty(alert.Score)

	if h.Bus != nil {
		if payload, err := json.Marshal(alert); err == nil {
			if err := h.Bus.Publish(ctx, domain.TopicAbuseAlert, payload); err != nil {
				slog.Error("failed to publish abuse alert", "player_id", playerID, "error", err)
			}
		}
	}

	writeJSON(w, http.StatusCreated, alert)
}

// ListSignals returns a player's abuse signals. ?unresolved=true narrows
// the list to open signals.
func (h *Handler) ListSignals(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	playerID := chi.URLParam(r, "playerID")
	unresolved := r.URL.Query().Get("unresolved") == "true"

	signals, err := h.Repo.ListAbuseSignals(r.Context(), playerID, unresolved)
	if err != nil {
		h.writeRepoError(w, err, "signals")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signals":     signals,
		"count":       len(signals),
		"abuse_score": h.Scorer.CalculateAbuseScore(signals),
	})
}

// ResolveSignal marks an abuse signal as resolved.
func (h *Handler) ResolveSignal(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	id := chi.URLParam(r, "id")

	if err := h.Repo.ResolveAbuseSignal(r.Context(), id); err != nil {
		h.writeRepoError(w, err, "signal")
		return
	}
	slog.Info("abuse signal resolved", "signal_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "signal resolved"})
}

func writeLedgerError(w http.ResponseWriter, playerID string, err error) {
	switch {
	case errors.Is(err, ledger.ErrWalletNotFound):
		writeError(w, http.StatusNotFound, "wallet not found")
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrUnknownCurrency):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("ledger operation failed", "player_id", playerID, "error", err)
		writeError(w, http.StatusInternalServerError, "ledger operation failed")
	}
}
