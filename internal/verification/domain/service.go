// Package domain contains the business logic for dataset verification.
package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/veriflow/veriflow/internal/storage"
	"github.com/veriflow/veriflow/internal/validation"
)

// Common errors returned by the verification service.
var (
	ErrNotFound              = errors.New("verification not found")
	ErrInvalidScore          = errors.New("quality score must be between 0 and 100")
	ErrEmptyModelHash        = errors.New("model hash cannot be empty")
	ErrEmptyMetrics          = errors.New("training metrics cannot be empty")
	ErrAlreadyVerified       = errors.New("training already verified for this dataset")
	ErrAlreadyCompleted      = errors.New("oracle request already completed")
	ErrReputationFloor       = errors.New("cannot reduce reputation below zero")
	ErrForbidden             = errors.New("admin access required")
	ErrInvalidFee            = errors.New("fee cannot be negative")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// Event types appended to the feed.
const (
	EventQualitySubmitted       = "QualityVerificationSubmitted"
	EventQualityUpdated         = "QualityVerificationUpdated"
	EventTrainingSubmitted      = "TrainingVerificationSubmitted"
	EventOracleRequested        = "OracleVerificationRequested"
	EventOracleResponse         = "OracleResponseSubmitted"
	EventVerificationFeeUpdated = "VerificationFeeUpdated"
	EventVerifierRewarded       = "VerifierRewarded"
	EventVerifierPenalized      = "VerifierPenalized"
)

// Store defines the storage operations needed by the verification domain.
type Store interface {
	UpsertQualityVerification(ctx context.Context, v *storage.QualityVerification) (bool, error)
	GetQualityVerification(ctx context.Context, datasetID int64) (*storage.QualityVerification, error)
	CountQualityVerifications(ctx context.Context) (int64, error)

	CreateTrainingVerification(ctx context.Context, v *storage.TrainingVerification) error
	GetTrainingVerification(ctx context.Context, datasetID int64, trainer string) (*storage.TrainingVerification, error)
	CountTrainingVerifications(ctx context.Context) (int64, error)

	CreateOracleRequest(ctx context.Context, r *storage.OracleRequest) (int64, error)
	GetOracleRequest(ctx context.Context, id int64) (*storage.OracleRequest, error)
	CompleteOracleRequest(ctx context.Context, id int64, response []byte) error

	Reputation(ctx context.Context, verifier string) (int64, error)
	AddReputation(ctx context.Context, verifier string, amount int64) error
	ReduceReputation(ctx context.Context, verifier string, amount int64) error

	Collect(ctx context.Context, owner, spender string, legs []storage.Leg) error

	GetSetting(ctx context.Context, key string, fallback int64) (int64, error)
	SetSetting(ctx context.Context, key string, value int64) error
	AppendEvent(ctx context.Context, eventType string, payload map[string]any) error
}

// Service is the verification business logic interface.
type Service interface {
	SubmitQuality(ctx context.Context, caller string, datasetID, score int64, dataHash string) (created bool, err error)
	SubmitTraining(ctx context.Context, caller string, datasetID int64, modelHash, metrics, proofHash string) error
	RequestOracle(ctx context.Context, caller string, datasetID int64, query string) (int64, error)
	SubmitOracleResponse(ctx context.Context, admin bool, requestID int64, response []byte) error
	Reward(ctx context.Context, admin bool, verifier string, amount int64) error
	Penalize(ctx context.Context, admin bool, verifier string, amount int64) error
	SetFee(ctx context.Context, admin bool, fee int64) error

	QualityVerification(ctx context.Context, datasetID int64) (*QualityVerification, error)
	TrainingVerification(ctx context.Context, datasetID int64, trainer string) (*TrainingVerification, error)
	OracleRequest(ctx context.Context, id int64) (*OracleRequest, error)
	Reputation(ctx context.Context, verifier string) (int64, error)
	Counts(ctx context.Context) (quality, training int64, err error)
}

type service struct {
	store   Store
	account string // verification module custody account for oracle fees
}

// NewService creates a new verification service.
func NewService(store Store, account string) Service {
	return &service{store: store, account: account}
}

// SubmitQuality records a quality attestation for a dataset. The first
// submission earns the verifier a reputation point; resubmissions overwrite
// the record without another point.
func (s *service) SubmitQuality(ctx context.Context, caller string, datasetID, score int64, dataHash string) (bool, error) {
	if err := validation.ValidateScore(score); err != nil {
		return false, ErrInvalidScore
	}
	if err := validation.ValidateHash(dataHash); err != nil {
		return false, fmt.Errorf("invalid data hash: %w", err)
	}

	created, err := s.store.UpsertQualityVerification(ctx, &storage.QualityVerification{
		DatasetID: datasetID,
		Verifier:  caller,
		Score:     score,
		DataHash:  dataHash,
	})
	if err != nil {
		return false, fmt.Errorf("storing verification: %w", err)
	}

	if created {
		if err := s.store.AddReputation(ctx, caller, 1); err != nil {
			return true, fmt.Errorf("crediting reputation: %w", err)
		}
		s.emit(ctx, EventQualitySubmitted, map[string]any{"datasetId": datasetID, "verifier": caller, "score": score})
	} else {
		s.emit(ctx, EventQualityUpdated, map[string]any{"datasetId": datasetID, "verifier": caller, "score": score})
	}
	return created, nil
}

// SubmitTraining records a training attestation, one per (dataset, trainer).
func (s *service) SubmitTraining(ctx context.Context, caller string, datasetID int64, modelHash, metrics, proofHash string) error {
	if modelHash == "" {
		return ErrEmptyModelHash
	}
	if metrics == "" {
		return ErrEmptyMetrics
	}

	err := s.store.CreateTrainingVerification(ctx, &storage.TrainingVerification{
		DatasetID: datasetID,
		Trainer:   caller,
		ModelHash: modelHash,
		Metrics:   metrics,
		ProofHash: proofHash,
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyVerified) {
			return ErrAlreadyVerified
		}
		return fmt.Errorf("storing verification: %w", err)
	}
	if err := s.store.AddReputation(ctx, caller, 1); err != nil {
		return fmt.Errorf("crediting reputation: %w", err)
	}

	s.emit(ctx, EventTrainingSubmitted, map[string]any{"datasetId": datasetID, "trainer": caller, "modelHash": modelHash})
	return nil
}

// RequestOracle opens a paid external-attestation request. The fee is pulled
// from the caller's allowance into the verification custody account.
func (s *service) RequestOracle(ctx context.Context, caller string, datasetID int64, query string) (int64, error) {
	fee, err := s.store.GetSetting(ctx, storage.SettingVerificationFee, 10)
	if err != nil {
		return 0, fmt.Errorf("reading verification fee: %w", err)
	}
	if fee > 0 {
		err := s.store.Collect(ctx, caller, s.account, []storage.Leg{{To: s.account, Amount: fee}})
		if err != nil {
			if errors.Is(err, storage.ErrInsufficientAllowance) {
				return 0, ErrInsufficientAllowance
			}
			if errors.Is(err, storage.ErrInsufficientBalance) {
				return 0, ErrInsufficientBalance
			}
			return 0, fmt.Errorf("collecting fee: %w", err)
		}
	}

	id, err := s.store.CreateOracleRequest(ctx, &storage.OracleRequest{
		Requester: caller,
		DatasetID: datasetID,
		Query:     query,
		Paid:      true,
	})
	if err != nil {
		return 0, fmt.Errorf("recording request: %w", err)
	}

	s.emit(ctx, EventOracleRequested, map[string]any{"requestId": id, "requester": caller, "datasetId": datasetID, "fee": fee})
	return id, nil
}

// SubmitOracleResponse completes an oracle request exactly once. The admin
// responder stands in for the oracle network.
func (s *service) SubmitOracleResponse(ctx context.Context, admin bool, requestID int64, response []byte) error {
	if !admin {
		return ErrForbidden
	}
	if err := s.store.CompleteOracleRequest(ctx, requestID, response); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		if errors.Is(err, storage.ErrAlreadyCompleted) {
			return ErrAlreadyCompleted
		}
		return fmt.Errorf("completing request: %w", err)
	}
	s.emit(ctx, EventOracleResponse, map[string]any{"requestId": requestID})
	return nil
}

// Reward credits reputation to a verifier. Admin only.
func (s *service) Reward(ctx context.Context, admin bool, verifier string, amount int64) error {
	if !admin {
		return ErrForbidden
	}
	if err := validation.ValidateAddress(verifier); err != nil {
		return fmt.Errorf("invalid verifier: %w", err)
	}
	if err := validation.ValidateAmount(amount); err != nil {
		return err
	}
	verifier = validation.NormalizeAddress(verifier)
	if err := s.store.AddReputation(ctx, verifier, amount); err != nil {
		return fmt.Errorf("crediting reputation: %w", err)
	}
	s.emit(ctx, EventVerifierRewarded, map[string]any{"verifier": verifier, "amount": amount})
	return nil
}

// Penalize debits reputation from a verifier. The score never goes below
// zero; a penalty that would fails outright. Admin only.
func (s *service) Penalize(ctx context.Context, admin bool, verifier string, amount int64) error {
	if !admin {
		return ErrForbidden
	}
	if err := validation.ValidateAddress(verifier); err != nil {
		return fmt.Errorf("invalid verifier: %w", err)
	}
	if err := validation.ValidateAmount(amount); err != nil {
		return err
	}
	verifier = validation.NormalizeAddress(verifier)
	if err := s.store.ReduceReputation(ctx, verifier, amount); err != nil {
		if errors.Is(err, storage.ErrReputationFloor) {
			return ErrReputationFloor
		}
		return fmt.Errorf("reducing reputation: %w", err)
	}
	s.emit(ctx, EventVerifierPenalized, map[string]any{"verifier": verifier, "amount": amount})
	return nil
}

// SetFee updates the oracle verification fee. Zero disables the charge.
// Admin only.
func (s *service) SetFee(ctx context.Context, admin bool, fee int64) error {
	if !admin {
		return ErrForbidden
	}
	if fee < 0 {
		return ErrInvalidFee
	}
	if err := s.store.SetSetting(ctx, storage.SettingVerificationFee, fee); err != nil {
		return fmt.Errorf("updating fee: %w", err)
	}
	s.emit(ctx, EventVerificationFeeUpdated, map[string]any{"fee": fee})
	return nil
}

// QualityVerification returns the quality attestation for a dataset.
func (s *service) QualityVerification(ctx context.Context, datasetID int64) (*QualityVerification, error) {
	v, err := s.store.GetQualityVerification(ctx, datasetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading verification: %w", err)
	}
	return toQuality(v), nil
}

// TrainingVerification returns the training attestation for a dataset/trainer.
func (s *service) TrainingVerification(ctx context.Context, datasetID int64, trainer string) (*TrainingVerification, error) {
	if err := validation.ValidateAddress(trainer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	v, err := s.store.GetTrainingVerification(ctx, datasetID, validation.NormalizeAddress(trainer))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading verification: %w", err)
	}
	return toTraining(v), nil
}

// OracleRequest returns an oracle request by id.
func (s *service) OracleRequest(ctx context.Context, id int64) (*OracleRequest, error) {
	r, err := s.store.GetOracleRequest(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading request: %w", err)
	}
	return toOracle(r), nil
}

// Reputation returns a verifier's reputation score.
func (s *service) Reputation(ctx context.Context, verifier string) (int64, error) {
	if err := validation.ValidateAddress(verifier); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return s.store.Reputation(ctx, validation.NormalizeAddress(verifier))
}

// Counts returns the global quality and training verification counters.
func (s *service) Counts(ctx context.Context) (int64, int64, error) {
	quality, err := s.store.CountQualityVerifications(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("counting quality verifications: %w", err)
	}
	training, err := s.store.CountTrainingVerifications(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("counting training verifications: %w", err)
	}
	return quality, training, nil
}

func (s *service) emit(ctx context.Context, eventType string, payload map[string]any) {
	_ = s.store.AppendEvent(ctx, eventType, payload)
}
