// Package transport provides HTTP handlers for the marketplace domain.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/veriflow/veriflow/internal/auth"
	"github.com/veriflow/veriflow/internal/marketplace/domain"
	"github.com/veriflow/veriflow/internal/observability/metrics"
)

// Handler handles HTTP requests for the marketplace.
type Handler struct {
	svc domain.Service
}

// NewHandler creates a new marketplace HTTP handler.
func NewHandler(svc domain.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterReadRoutes registers read-only marketplace routes (no auth required).
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/datasets", h.handleListDatasets)
	r.Get("/datasets/{id}", h.handleGetDataset)
	r.Get("/datasets/{id}/purchased/{buyer}", h.handleHasPurchased)
	r.Get("/providers/{address}", h.handleGetProvider)
	r.Get("/providers/{address}/datasets", h.handleProviderDatasets)
	r.Get("/stats", h.handleStats)
}

// RegisterWriteRoutes registers mutating marketplace routes (auth required).
func (h *Handler) RegisterWriteRoutes(r chi.Router) {
	r.Post("/stake", h.handleStake)
	r.Post("/unstake", h.handleUnstake)
	r.Post("/datasets", h.handleListDataset)
	r.Put("/datasets/{id}/price", h.handleUpdatePrice)
	r.Delete("/datasets/{id}", h.handleDeactivate)
	r.Post("/datasets/{id}/purchase", h.handlePurchase)
	r.Put("/admin/minimum-stake", h.handleSetMinimumStake)
	r.Put("/admin/fee", h.handleSetFee)
	r.Put("/admin/paused", h.handleSetPaused)
}

func (h *Handler) handleStake(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	if err := h.svc.Stake(r.Context(), caller.Address, req.Amount); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		case errors.Is(err, domain.ErrBelowMinimumStake):
			writeError(w, http.StatusBadRequest, "BELOW_MINIMUM_STAKE", err.Error())
		case errors.Is(err, domain.ErrInsufficientAllowance):
			writeError(w, http.StatusConflict, "INSUFFICIENT_ALLOWANCE", err.Error())
		case errors.Is(err, domain.ErrInsufficientBalance):
			writeError(w, http.StatusConflict, "INSUFFICIENT_BALANCE", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to stake")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"provider": caller.Address, "staked": req.Amount})
}

func (h *Handler) handleUnstake(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	if err := h.svc.Unstake(r.Context(), caller.Address, req.Amount); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		case errors.Is(err, domain.ErrNotProvider):
			writeError(w, http.StatusBadRequest, "NOT_PROVIDER", err.Error())
		case errors.Is(err, domain.ErrInsufficientStake):
			writeError(w, http.StatusConflict, "INSUFFICIENT_STAKE", err.Error())
		case errors.Is(err, domain.ErrRemainderBelowMinimum):
			writeError(w, http.StatusBadRequest, "BELOW_MINIMUM_STAKE", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to unstake")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"provider": caller.Address, "unstaked": req.Amount})
}

func (h *Handler) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	p, err := h.svc.GetProvider(r.Context(), addr)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Provider not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get provider")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":       p.Address,
		"active":        p.Active,
		"stake":         p.Stake,
		"totalDatasets": p.TotalDatasets,
		"createdAt":     p.CreatedAt,
	})
}

func (h *Handler) handleListDataset(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req struct {
		Name         string `json:"name"`
		Description  string `json:"description"`
		Category     string `json:"category"`
		Size         int64  `json:"size"`
		Format       string `json:"format"`
		Price        int64  `json:"price"`
		QualityScore int64  `json:"qualityScore"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	id, err := h.svc.ListDataset(r.Context(), caller.Address, domain.ListDatasetRequest{
		Name:         req.Name,
		Description:  req.Description,
		Category:     req.Category,
		Size:         req.Size,
		Format:       req.Format,
		Price:        req.Price,
		QualityScore: req.QualityScore,
	})
	if err != nil {
		metrics.RecordDatasetList("error")
		switch {
		case errors.Is(err, domain.ErrPaused):
			writeError(w, http.StatusConflict, "PAUSED", err.Error())
		case errors.Is(err, domain.ErrNotProvider):
			writeError(w, http.StatusForbidden, "NOT_PROVIDER", err.Error())
		case errors.Is(err, domain.ErrInvalidPrice):
			writeError(w, http.StatusBadRequest, "INVALID_PRICE", err.Error())
		default:
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		}
		return
	}

	metrics.RecordDatasetList("ok")
	writeJSON(w, http.StatusCreated, map[string]any{"datasetId": id})
}

func (h *Handler) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	d, err := h.svc.GetDataset(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Dataset not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get dataset")
		return
	}
	writeJSON(w, http.StatusOK, datasetJSON(d))
}

func (h *Handler) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	result, err := h.svc.ListDatasets(r.Context(), domain.ListFilter{
		Provider:   r.URL.Query().Get("provider"),
		Category:   r.URL.Query().Get("category"),
		ActiveOnly: r.URL.Query().Get("active") == "true",
	}, domain.PaginationParams{Limit: limit, Offset: offset})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list datasets")
		return
	}

	data := make([]map[string]any, len(result.Datasets))
	for i := range result.Datasets {
		data[i] = datasetJSON(&result.Datasets[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": data,
		"pagination": map[string]any{
			"limit":   limit,
			"offset":  offset,
			"hasMore": result.HasMore,
			"total":   result.Total,
		},
	})
}

func (h *Handler) handleProviderDatasets(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	datasets, err := h.svc.ProviderDatasets(r.Context(), addr)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list datasets")
		return
	}
	data := make([]map[string]any, len(datasets))
	for i := range datasets {
		data[i] = datasetJSON(&datasets[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": data})
}

func (h *Handler) handleHasPurchased(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	buyer := chi.URLParam(r, "buyer")
	purchased, err := h.svc.HasPurchased(r.Context(), id, buyer)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to check purchase")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasetId": id, "buyer": buyer, "purchased": purchased})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	total, err := h.svc.TotalDatasets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totalDatasets": total})
}

func (h *Handler) handleUpdatePrice(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req struct {
		Price int64 `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	if err := h.svc.UpdatePrice(r.Context(), caller.Address, id, req.Price); err != nil {
		writeOwnershipError(w, err, "Failed to update price")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasetId": id, "price": req.Price})
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.svc.Deactivate(r.Context(), caller.Address, id); err != nil {
		writeOwnershipError(w, err, "Failed to deactivate dataset")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePurchase(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	result, err := h.svc.Purchase(r.Context(), caller.Address, id)
	if err != nil {
		metrics.RecordDatasetPurchase("error")
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Dataset not found")
		case errors.Is(err, domain.ErrPaused):
			writeError(w, http.StatusConflict, "PAUSED", err.Error())
		case errors.Is(err, domain.ErrInactiveDataset):
			writeError(w, http.StatusConflict, "INACTIVE_DATASET", err.Error())
		case errors.Is(err, domain.ErrDuplicatePurchase):
			writeError(w, http.StatusConflict, "ALREADY_PURCHASED", err.Error())
		case errors.Is(err, domain.ErrInsufficientAllowance):
			writeError(w, http.StatusConflict, "INSUFFICIENT_ALLOWANCE", err.Error())
		case errors.Is(err, domain.ErrInsufficientBalance):
			writeError(w, http.StatusConflict, "INSUFFICIENT_BALANCE", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to purchase dataset")
		}
		return
	}

	metrics.RecordDatasetPurchase("ok")
	writeJSON(w, http.StatusCreated, map[string]any{
		"datasetId": result.DatasetID,
		"paymentId": result.PaymentID,
		"price":     result.Price,
		"fee":       result.Fee,
		"provider":  result.Provider,
	})
}

func (h *Handler) handleSetMinimumStake(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	if err := h.svc.SetMinimumStake(r.Context(), caller.Admin, req.Amount); err != nil {
		writeAdminError(w, err, "Failed to update minimum stake")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"minimumStake": req.Amount})
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

	if err := h.svc.SetFee(r.Context(), caller.Admin, req.FeeBps); err != nil {
		writeAdminError(w, err, "Failed to update fee")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeBps": req.FeeBps})
}

func (h *Handler) handleSetPaused(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	if err := h.svc.SetPaused(r.Context(), caller.Admin, req.Paused); err != nil {
		writeAdminError(w, err, "Failed to update pause state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": req.Paused})
}

// Helper functions

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid dataset id")
		return 0, false
	}
	return id, true
}

func writeOwnershipError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Dataset not found")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Dataset owned by another provider")
	case errors.Is(err, domain.ErrInvalidPrice):
		writeError(w, http.StatusBadRequest, "INVALID_PRICE", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", fallback)
	}
}

func writeAdminError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Admin access required")
	case errors.Is(err, domain.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
	default:
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	}
}

func datasetJSON(d *domain.Dataset) map[string]any {
	return map[string]any{
		"id":           d.ID,
		"provider":     d.Provider,
		"name":         d.Name,
		"description":  d.Description,
		"category":     d.Category,
		"size":         d.Size,
		"format":       d.Format,
		"price":        d.Price,
		"qualityScore": d.QualityScore,
		"active":       d.Active,
		"createdAt":    d.CreatedAt,
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
