package domain

import (
	"github.com/veriflow/veriflow/internal/storage"
)

// QualityVerification is the latest quality attestation for a dataset.
type QualityVerification struct {
	DatasetID int64
	Verifier  string
	Score     int64
	DataHash  string
	UpdatedAt string
}

// TrainingVerification is a training attestation for a (dataset, trainer) pair.
type TrainingVerification struct {
	DatasetID int64
	Trainer   string
	ModelHash string
	Metrics   string
	ProofHash string
	CreatedAt string
}

// OracleRequest is a paid external-attestation request.
type OracleRequest struct {
	ID        int64
	Requester string
	DatasetID int64
	Query     string
	Paid      bool
	Completed bool
	Response  []byte
	CreatedAt string
}

func toQuality(v *storage.QualityVerification) *QualityVerification {
	return &QualityVerification{
		DatasetID: v.DatasetID,
		Verifier:  v.Verifier,
		Score:     v.Score,
		DataHash:  v.DataHash,
		UpdatedAt: v.UpdatedAt,
	}
}

func toTraining(v *storage.TrainingVerification) *TrainingVerification {
	return &TrainingVerification{
		DatasetID: v.DatasetID,
		Trainer:   v.Trainer,
		ModelHash: v.ModelHash,
		Metrics:   v.Metrics,
		ProofHash: v.ProofHash,
		CreatedAt: v.CreatedAt,
	}
}

func toOracle(r *storage.OracleRequest) *OracleRequest {
	return &OracleRequest{
		ID:        r.ID,
		Requester: r.Requester,
		DatasetID: r.DatasetID,
		Query:     r.Query,
		Paid:      r.Paid,
		Completed: r.Completed,
		Response:  r.Response,
		CreatedAt: r.CreatedAt,
	}
}
