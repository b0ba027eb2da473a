// Package transport provides HTTP handlers for the ledger domain.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/veriflow/veriflow/internal/auth"
	"github.com/veriflow/veriflow/internal/ledger/domain"
)

// Handler handles HTTP requests for the ledger.
type Handler struct {
	svc domain.Service
}

// NewHandler creates a new ledger HTTP handler.
func NewHandler(svc domain.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterReadRoutes registers read-only ledger routes (no auth required).
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/supply", h.handleTotalSupply)
	r.Get("/accounts/{address}/balance", h.handleBalance)
	r.Get("/accounts/{address}/collateral", h.handleCollateralInfo)
	r.Get("/accounts/{address}/allowances/{spender}", h.handleAllowance)
}

// RegisterWriteRoutes registers mutating ledger routes (auth required).
func (h *Handler) RegisterWriteRoutes(r chi.Router) {
	r.Post("/mint", h.handleMintWithCollateral)
	r.Post("/redeem", h.handleRedeem)
	r.Post("/transfer", h.handleTransfer)
	r.Post("/approve", h.handleApprove)
	r.Post("/transfer-from", h.handleTransferFrom)
	r.Post("/admin/mint", h.handleAdminMint)
}

func (h *Handler) handleTotalSupply(w http.ResponseWriter, r *http.Request) {
	total, err := h.svc.TotalSupply(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read supply")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totalSupply": total})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	balance, err := h.svc.Balance(r.Context(), addr)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidAddress) {
			writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr, "balance": balance})
}

func (h *Handler) handleCollateralInfo(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	info, err := h.svc.CollateralInfo(r.Context(), addr)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidAddress) {
			writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read collateral")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":   addr,
		"deposited": info.Deposited,
		"ratio":     info.Ratio,
	})
}

func (h *Handler) handleAllowance(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "address")
	spender := chi.URLParam(r, "spender")
	amount, err := h.svc.Allowance(r.Context(), owner, spender)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidAddress) {
			writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read allowance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "spender": spender, "allowance": amount})
}

func (h *Handler) handleMintWithCollateral(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req struct {
		Collateral int64 `json:"collateral"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	tokens, err := h.svc.MintWithCollateral(r.Context(), caller.Address, req.Collateral)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCollateral) {
			writeError(w, http.StatusBadRequest, "INVALID_COLLATERAL", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to mint")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"address":    caller.Address,
		"collateral": req.Collateral,
		"minted":     tokens,
	})
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	released, err := h.svc.Redeem(r.Context(), caller.Address, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		case errors.Is(err, domain.ErrInsufficientBalance):
			writeError(w, http.StatusConflict, "INSUFFICIENT_BALANCE", err.Error())
		case errors.Is(err, domain.ErrInsufficientCollateral):
			writeError(w, http.StatusConflict, "INSUFFICIENT_COLLATERAL", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to redeem")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"address":    caller.Address,
		"burned":     req.Amount,
		"collateral": released,
	})
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req struct {
		To     string `json:"to"`
		Amount int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	if err := h.svc.Transfer(r.Context(), caller.Address, req.To, req.Amount); err != nil {
		writeDomainError(w, err, "Failed to transfer")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"from":   caller.Address,
		"to":     req.To,
		"amount": req.Amount,
	})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req struct {
		Spender string `json:"spender"`
		Amount  int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	if err := h.svc.Approve(r.Context(), caller.Address, req.Spender, req.Amount); err != nil {
		writeDomainError(w, err, "Failed to approve")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"owner":   caller.Address,
		"spender": req.Spender,
		"amount":  req.Amount,
	})
}

func (h *Handler) handleTransferFrom(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req struct {
		Owner  string `json:"owner"`
		To     string `json:"to"`
		Amount int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	if err := h.svc.TransferFrom(r.Context(), caller.Address, req.Owner, req.To, req.Amount); err != nil {
		writeDomainError(w, err, "Failed to transfer")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"owner":   req.Owner,
		"to":      req.To,
		"spender": caller.Address,
		"amount":  req.Amount,
	})
}

func (h *Handler) handleAdminMint(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req struct {
		To     string `json:"to"`
		Amount int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	if err := h.svc.Mint(r.Context(), caller.Admin, req.To, req.Amount); err != nil {
		if errors.Is(err, domain.ErrForbidden) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
			return
		}
		writeDomainError(w, err, "Failed to mint")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"to": req.To, "amount": req.Amount})
}

// writeDomainError maps the common ledger errors to HTTP responses.
func writeDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrInvalidAddress):
		writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", err.Error())
	case errors.Is(err, domain.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
	case errors.Is(err, domain.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, "INSUFFICIENT_BALANCE", err.Error())
	case errors.Is(err, domain.ErrInsufficientAllowance):
		writeError(w, http.StatusConflict, "INSUFFICIENT_ALLOWANCE", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", fallback)
	}
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
