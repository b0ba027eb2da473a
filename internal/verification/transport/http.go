// Package transport provides HTTP handlers for the verification domain.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/veriflow/veriflow/internal/auth"
	"github.com/veriflow/veriflow/internal/observability/metrics"
	"github.com/veriflow/veriflow/internal/verification/domain"
)

// Handler handles HTTP requests for verification.
type Handler struct {
	svc domain.Service
}

// NewHandler creates a new verification HTTP handler.
func NewHandler(svc domain.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterReadRoutes registers read-only verification routes (no auth required).
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/quality/{datasetId}", h.handleGetQuality)
	r.Get("/training/{datasetId}/{trainer}", h.handleGetTraining)
	r.Get("/oracle/{id}", h.handleGetOracle)
	r.Get("/reputation/{address}", h.handleGetReputation)
	r.Get("/stats", h.handleStats)
}

// RegisterWriteRoutes registers mutating verification routes (auth required).
func (h *Handler) RegisterWriteRoutes(r chi.Router) {
	r.Post("/quality", h.handleSubmitQuality)
	r.Post("/training", h.handleSubmitTraining)
	r.Post("/oracle", h.handleRequestOracle)
	r.Post("/oracle/{id}/response", h.handleOracleResponse)
	r.Post("/admin/reward", h.handleReward)
	r.Post("/admin/penalize", h.handlePenalize)
	r.Put("/admin/fee", h.handleSetFee)
}

func (h *Handler) handleSubmitQuality(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req struct {
		DatasetID int64  `json:"datasetId"`
		Score     int64  `json:"score"`
		DataHash  string `json:"dataHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	created, err := h.svc.SubmitQuality(r.Context(), caller.Address, req.DatasetID, req.Score, req.DataHash)
	if err != nil {
		metrics.RecordVerification("quality", "error")
		if errors.Is(err, domain.ErrInvalidScore) {
			writeError(w, http.StatusBadRequest, "INVALID_SCORE", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	metrics.RecordVerification("quality", "ok")
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"datasetId": req.DatasetID,
		"verifier":  caller.Address,
		"score":     req.Score,
		"created":   created,
	})
}

func (h *Handler) handleSubmitTraining(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req struct {
		DatasetID int64  `json:"datasetId"`
		ModelHash string `json:"modelHash"`
		Metrics   string `json:"metrics"`
		ProofHash string `json:"proofHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	err := h.svc.SubmitTraining(r.Context(), caller.Address, req.DatasetID, req.ModelHash, req.Metrics, req.ProofHash)
	if err != nil {
		metrics.RecordVerification("training", "error")
		switch {
		case errors.Is(err, domain.ErrEmptyModelHash), errors.Is(err, domain.ErrEmptyMetrics):
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		case errors.Is(err, domain.ErrAlreadyVerified):
			writeError(w, http.StatusConflict, "ALREADY_VERIFIED", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to submit verification")
		}
		return
	}

	metrics.RecordVerification("training", "ok")
	writeJSON(w, http.StatusCreated, map[string]any{
		"datasetId": req.DatasetID,
		"trainer":   caller.Address,
		"modelHash": req.ModelHash,
	})
}

func (h *Handler) handleRequestOracle(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req struct {
		DatasetID int64  `json:"datasetId"`
		Query     string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	id, err := h.svc.RequestOracle(r.Context(), caller.Address, req.DatasetID, req.Query)
	if err != nil {
		metrics.RecordVerification("oracle", "error")
		switch {
		case errors.Is(err, domain.ErrInsufficientAllowance):
			writeError(w, http.StatusConflict, "INSUFFICIENT_ALLOWANCE", err.Error())
		case errors.Is(err, domain.ErrInsufficientBalance):
			writeError(w, http.StatusConflict, "INSUFFICIENT_BALANCE", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to request verification")
		}
		return
	}

	metrics.RecordVerification("oracle", "ok")
	writeJSON(w, http.StatusCreated, map[string]any{"requestId": id})
}

func (h *Handler) handleOracleResponse(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Response string `json:"response"` // base64
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}
	response, err := base64.StdEncoding.DecodeString(req.Response)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Response must be base64")
		return
	}

	if err := h.svc.SubmitOracleResponse(r.Context(), caller.Admin, id, response); err != nil {
		switch {
		case errors.Is(err, domain.ErrForbidden):
			writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Oracle request not found")
		case errors.Is(err, domain.ErrAlreadyCompleted):
			writeError(w, http.StatusConflict, "ALREADY_COMPLETED", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to submit response")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"requestId": id, "completed": true})
}

func (h *Handler) handleReward(w http.ResponseWriter, r *http.Request) {
	h.handleReputationChange(w, r, h.svc.Reward)
}

func (h *Handler) handlePenalize(w http.ResponseWriter, r *http.Request) {
	h.handleReputationChange(w, r, h.svc.Penalize)
}

func (h *Handler) handleReputationChange(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, admin bool, verifier string, amount int64) error) {
	caller := auth.CallerFromContext(r.Context())
	var req struct {
		Verifier string `json:"verifier"`
		Amount   int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	if err := op(r.Context(), caller.Admin, req.Verifier, req.Amount); err != nil {
		switch {
		case errors.Is(err, domain.ErrForbidden):
			writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
		case errors.Is(err, domain.ErrReputationFloor):
			writeError(w, http.StatusConflict, "REPUTATION_FLOOR", err.Error())
		default:
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"verifier": req.Verifier, "amount": req.Amount})
}

func (h *Handler) handleSetFee(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	var req struct {
		Fee int64 `json:"fee"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	if err := h.svc.SetFee(r.Context(), caller.Admin, req.Fee); err != nil {
		switch {
		case errors.Is(err, domain.ErrForbidden):
			writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
		case errors.Is(err, domain.ErrInvalidFee):
			writeError(w, http.StatusBadRequest, "INVALID_FEE", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update fee")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fee": req.Fee})
}

func (h *Handler) handleGetQuality(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "datasetId")
	if !ok {
		return
	}
	v, err := h.svc.QualityVerification(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Verification not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get verification")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"datasetId": v.DatasetID,
		"verifier":  v.Verifier,
		"score":     v.Score,
		"dataHash":  v.DataHash,
		"updatedAt": v.UpdatedAt,
	})
}

func (h *Handler) handleGetTraining(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "datasetId")
	if !ok {
		return
	}
	trainer := chi.URLParam(r, "trainer")
	v, err := h.svc.TrainingVerification(r.Context(), id, trainer)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Verification not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get verification")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"datasetId": v.DatasetID,
		"trainer":   v.Trainer,
		"modelHash": v.ModelHash,
		"metrics":   v.Metrics,
		"proofHash": v.ProofHash,
		"createdAt": v.CreatedAt,
	})
}

func (h *Handler) handleGetOracle(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	req, err := h.svc.OracleRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Oracle request not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get request")
		return
	}
	resp := map[string]any{
		"id":        req.ID,
		"requester": req.Requester,
		"datasetId": req.DatasetID,
		"query":     req.Query,
		"paid":      req.Paid,
		"completed": req.Completed,
		"createdAt": req.CreatedAt,
	}
	if req.Completed {
		resp["response"] = base64.StdEncoding.EncodeToString(req.Response)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetReputation(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	score, err := h.svc.Reputation(r.Context(), addr)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "INVALID_ADDRESS", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get reputation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verifier": addr, "reputation": score})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	quality, training, err := h.svc.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totalQualityVerifications":  quality,
		"totalTrainingVerifications": training,
	})
}

// Helper functions

func parseID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid id")
		return 0, false
	}
	return id, true
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
