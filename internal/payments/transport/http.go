// Package transport provides HTTP handlers for the payments domain.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/veriflow/veriflow/internal/auth"
	"github.com/veriflow/veriflow/internal/observability/metrics"
	"github.com/veriflow/veriflow/internal/payments/domain"
)

// Handler handles HTTP requests for payments and escrow.
type Handler struct {
	svc domain.Service
}

// NewHandler creates a new payments HTTP handler.
func NewHandler(svc domain.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterReadRoutes registers read-only payment routes (no auth required).
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/payments/{id}", h.handleGetPayment)
	r.Get("/escrows/{id}", h.handleGetEscrow)
	r.Get("/buyers/{address}/payments", h.handleBuyerPayments)
	r.Get("/sellers/{address}/payments", h.handleSellerPayments)
	r.Get("/stats", h.handleStats)
}

// RegisterWriteRoutes registers mutating payment routes (auth required).
func (h *Handler) RegisterWriteRoutes(r chi.Router) {
	r.Post("/payments", h.handleProcessPayment)
	r.Post("/escrows", h.handleCreateEscrow)
	r.Post("/escrows/{id}/release", h.handleReleaseEscrow)
	r.Post("/escrows/{id}/refund", h.handleRefundEscrow)
	r.Post("/payments/{id}/refund", h.handleProcessRefund)
	r.Put("/admin/fee", h.handleSetFee)
}

type paymentRequest struct {
	Seller    string `json:"seller"`
	Amount    int64  `json:"amount"`
	DatasetID int64  `json:"datasetId"`
}

func (h *Handler) handleProcessPayment(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	p, err := h.svc.ProcessPayment(r.Context(), caller.Address, domain.PaymentRequest{
		Seller:    req.Seller,
		Amount:    req.Amount,
		DatasetID: req.DatasetID,
	})
	if err != nil {
		metrics.RecordPayment("direct", "error")
		writePaymentError(w, err, "Failed to process payment")
		return
	}
	metrics.RecordPayment("direct", "ok")
	writeJSON(w, http.StatusCreated, paymentJSON(p))
}

func (h *Handler) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	e, err := h.svc.CreateEscrow(r.Context(), caller.Address, domain.PaymentRequest{
		Seller:    req.Seller,
		Amount:    req.Amount,
		DatasetID: req.DatasetID,
	})
	if err != nil {
		metrics.RecordPayment("escrow", "error")
		writePaymentError(w, err, "Failed to create escrow")
		return
	}
	metrics.RecordPayment("escrow", "ok")
	writeJSON(w, http.StatusCreated, escrowJSON(e))
}

func (h *Handler) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.svc.ReleaseEscrow(r.Context(), caller.Address, id); err != nil {
		metrics.RecordEscrow("release", "error")
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Escrow not found")
		case errors.Is(err, domain.ErrOnlyBuyer):
			writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
		case errors.Is(err, domain.ErrAlreadyCompleted):
			writeError(w, http.StatusConflict, "ALREADY_COMPLETED", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to release escrow")
		}
		return
	}
	metrics.RecordEscrow("release", "ok")
	writeJSON(w, http.StatusOK, map[string]any{"escrowId": id, "released": true})
}

func (h *Handler) handleRefundEscrow(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.svc.RefundEscrow(r.Context(), caller.Admin, id); err != nil {
		metrics.RecordEscrow("refund", "error")
		switch {
		case errors.Is(err, domain.ErrForbidden):
			writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Escrow not found")
		case errors.Is(err, domain.ErrAlreadyCompleted):
			writeError(w, http.StatusConflict, "ALREADY_COMPLETED", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to refund escrow")
		}
		return
	}
	metrics.RecordEscrow("refund", "ok")
	writeJSON(w, http.StatusOK, map[string]any{"escrowId": id, "refunded": true})
}

func (h *Handler) handleProcessRefund(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.svc.ProcessRefund(r.Context(), caller.Admin, id); err != nil {
		switch {
		case errors.Is(err, domain.ErrForbidden):
			writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Payment not found")
		case errors.Is(err, domain.ErrAlreadyRefunded):
			writeError(w, http.StatusConflict, "ALREADY_REFUNDED", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to process refund")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paymentId": id, "refunded": true})
}

func (h *Handler) handleSetFee(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req struct {
		FeeBps int64 `json:"feeBps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	if err := h.svc.SetPlatformFee(r.Context(), caller.Admin, req.FeeBps); err != nil {
		switch {
		case errors.Is(err, domain.ErrForbidden):
			writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
		case errors.Is(err, domain.ErrFeeTooHigh):
			writeError(w, http.StatusBadRequest, "FEE_TOO_HIGH", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update fee")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeBps": req.FeeBps})
}

func (h *Handler) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.GetPayment(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Payment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get payment")
		return
	}
	writeJSON(w, http.StatusOK, paymentJSON(p))
}

func (h *Handler) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	e, err := h.svc.GetEscrow(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Escrow not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get escrow")
		return
	}
	writeJSON(w, http.StatusOK, escrowJSON(e))
}

func (h *Handler) handleBuyerPayments(w http.ResponseWriter, r *http.Request) {
	h.handleListPayments(w, r, h.svc.BuyerPayments)
}

func (h *Handler) handleSellerPayments(w http.ResponseWriter, r *http.Request) {
	h.handleListPayments(w, r, h.svc.SellerPayments)
}

func (h *Handler) handleListPayments(w http.ResponseWriter, r *http.Request, list func(ctx context.Context, addr string) ([]domain.Payment, error)) {
	addr := chi.URLParam(r, "address")
	payments, err := list(r.Context(), addr)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list payments")
		return
	}
	data := make([]map[string]any, len(payments))
	for i := range payments {
		data[i] = paymentJSON(&payments[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": data})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	payments, escrows, err := h.svc.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paymentCount": payments, "escrowCount": escrows})
}

// Helper functions

func writePaymentError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
	case errors.Is(err, domain.ErrInvalidSeller):
		writeError(w, http.StatusBadRequest, "INVALID_SELLER", err.Error())
	case errors.Is(err, domain.ErrInsufficientAllowance):
		writeError(w, http.StatusConflict, "INSUFFICIENT_ALLOWANCE", err.Error())
	case errors.Is(err, domain.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, "INSUFFICIENT_BALANCE", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", fallback)
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid id")
		return 0, false
	}
	return id, true
}

func paymentJSON(p *domain.Payment) map[string]any {
	return map[string]any{
		"id":        p.ID,
		"buyer":     p.Buyer,
		"seller":    p.Seller,
		"amount":    p.Amount,
		"datasetId": p.DatasetID,
		"completed": p.Completed,
		"refunded":  p.Refunded,
		"createdAt": p.CreatedAt,
	}
}

func escrowJSON(e *domain.Escrow) map[string]any {
	return map[string]any{
		"id":        e.ID,
		"buyer":     e.Buyer,
		"seller":    e.Seller,
		"amount":    e.Amount,
		"datasetId": e.DatasetID,
		"completed": e.Completed,
		"createdAt": e.CreatedAt,
	}
}

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
