// Package api implements the registration RPC of spec.md §6 as a thin
// net/http handler. It carries no business logic beyond marshaling:
// the registration decision lives entirely in internal/registry.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/evmhot/custody/internal/registry"
)

// Handler exposes the registration RPC over HTTP.
type Handler struct {
	registry *registry.Registry
	log      *zap.SugaredLogger
}

func NewHandler(r *registry.Registry, log *zap.SugaredLogger) *Handler {
	return &Handler{registry: r, log: log}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts", h.handleRegister)
	return mux
}

type registerRequest struct {
	AccountID  string `json:"account_id"`
	WebhookURL string `json:"webhook_url"`
}

type registerResponse struct {
	Address   string `json:"address"`
	FundingTx string `json:"funding_tx,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body")
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id_required")
		return
	}

	result, err := h.registry.Register(req.AccountID, req.WebhookURL)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrInvalidWebhookURL):
			writeError(w, http.StatusBadRequest, "invalid_webhook_url")
		case errors.Is(err, registry.ErrAccountExistsDifferentAddress):
			writeError(w, http.StatusConflict, "account_exists_different_address")
		case errors.Is(err, registry.ErrFaucetFailed):
			h.log.Errorw("api: faucet funding failed during registration", "account_id", req.AccountID, "error", err)
			writeError(w, http.StatusBadGateway, "faucet_failed")
		default:
			h.log.Errorw("api: registration failed", "account_id", req.AccountID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{Address: result.Address, FundingTx: result.FundingTx})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorResponse{Error: code})
}
