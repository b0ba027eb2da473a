package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/veriflow/veriflow/internal/config"
)

// Leg is one credit side of a split transfer. Payout and Collect debit a
// single account and credit every leg inside one database transaction.
type Leg struct {
	To     string
	Amount int64
}

// LedgerStore handles token balances, collateral deposits and allowances.
type LedgerStore interface {
	Balance(ctx context.Context, addr string) (int64, error)
	TotalSupply(ctx context.Context) (int64, error)
	CollateralOf(ctx context.Context, addr string) (int64, error)
	Allowance(ctx context.Context, owner, spender string) (int64, error)
	Approve(ctx context.Context, owner, spender string, amount int64) error

	// MintWithCollateral credits tokens and records the collateral deposit.
	MintWithCollateral(ctx context.Context, addr string, collateral, tokens int64) error
	// Redeem burns tokens and releases collateral. Fails with
	// ErrInsufficientBalance or ErrInsufficientCollateral.
	Redeem(ctx context.Context, addr string, tokens, collateral int64) error
	// Mint credits tokens without collateral backing.
	Mint(ctx context.Context, to string, amount int64) error

	Transfer(ctx context.Context, from, to string, amount int64) error
	// Collect spends the spender's allowance over owner and credits the legs.
	Collect(ctx context.Context, owner, spender string, legs []Leg) error
	// Payout debits from and credits the legs without touching allowances.
	Payout(ctx context.Context, from string, legs []Leg) error
}

// MarketplaceStore handles providers, datasets and purchases.
type MarketplaceStore interface {
	GetProvider(ctx context.Context, addr string) (*Provider, error)
	AddStake(ctx context.Context, addr string, amount int64) error
	// ReduceStake decrements stake, deactivating the provider when the
	// remaining stake hits zero. Partial exits must leave at least
	// minRemaining. Fails with ErrInsufficientStake or
	// ErrRemainderBelowMinimum; both are decided inside the transaction.
	ReduceStake(ctx context.Context, addr string, amount, minRemaining int64) error

	CreateDataset(ctx context.Context, d *Dataset) (int64, error)
	GetDataset(ctx context.Context, id int64) (*Dataset, error)
	ListDatasets(ctx context.Context, filter DatasetFilter, p PaginationParams) (*PaginatedResult[Dataset], error)
	ListProviderDatasets(ctx context.Context, provider string) ([]Dataset, error)
	UpdateDatasetPrice(ctx context.Context, id, price int64) error
	DeactivateDataset(ctx context.Context, id int64) error
	CountDatasets(ctx context.Context) (int64, error)

	// RecordPurchase claims the (dataset, buyer) slot. Fails with
	// ErrDuplicatePurchase when the buyer already holds it.
	RecordPurchase(ctx context.Context, datasetID int64, buyer string) error
	// DeletePurchase releases a claimed slot when settlement fails.
	DeletePurchase(ctx context.Context, datasetID int64, buyer string) error
	HasPurchased(ctx context.Context, datasetID int64, buyer string) (bool, error)
}

// PaymentsStore handles payment and escrow records.
type PaymentsStore interface {
	CreatePayment(ctx context.Context, p *Payment) (int64, error)
	GetPayment(ctx context.Context, id int64) (*Payment, error)
	// MarkPaymentRefunded flips the refund flag exactly once. Fails with
	// ErrAlreadyRefunded on a second attempt.
	MarkPaymentRefunded(ctx context.Context, id int64) error
	ListPaymentsByBuyer(ctx context.Context, buyer string) ([]Payment, error)
	ListPaymentsBySeller(ctx context.Context, seller string) ([]Payment, error)
	CountPayments(ctx context.Context) (int64, error)

	CreateEscrow(ctx context.Context, e *Escrow) (int64, error)
	GetEscrow(ctx context.Context, id int64) (*Escrow, error)
	// CompleteEscrow transitions the escrow to completed exactly once.
	// Fails with ErrAlreadyCompleted on a second attempt.
	CompleteEscrow(ctx context.Context, id int64) error
	CountEscrows(ctx context.Context) (int64, error)
}

// VerificationStore handles attestations, oracle requests and reputation.
type VerificationStore interface {
	// UpsertQualityVerification stores the verification, overwriting any
	// earlier submission. Returns true when this was the first submission
	// for the dataset.
	UpsertQualityVerification(ctx context.Context, v *QualityVerification) (created bool, err error)
	GetQualityVerification(ctx context.Context, datasetID int64) (*QualityVerification, error)
	CountQualityVerifications(ctx context.Context) (int64, error)

	CreateTrainingVerification(ctx context.Context, v *TrainingVerification) error
	GetTrainingVerification(ctx context.Context, datasetID int64, trainer string) (*TrainingVerification, error)
	CountTrainingVerifications(ctx context.Context) (int64, error)

	CreateOracleRequest(ctx context.Context, r *OracleRequest) (int64, error)
	GetOracleRequest(ctx context.Context, id int64) (*OracleRequest, error)
	// CompleteOracleRequest stores the response and completes the request
	// exactly once. Fails with ErrAlreadyCompleted on a second attempt.
	CompleteOracleRequest(ctx context.Context, id int64, response []byte) error

	Reputation(ctx context.Context, verifier string) (int64, error)
	AddReputation(ctx context.Context, verifier string, amount int64) error
	// ReduceReputation decrements the score, failing with ErrReputationFloor
	// when the current score is below the penalty.
	ReduceReputation(ctx context.Context, verifier string, amount int64) error
}

// SettingsStore holds mutable integer parameters (fees, minimum stake, pause flag).
type SettingsStore interface {
	GetSetting(ctx context.Context, key string, fallback int64) (int64, error)
	SetSetting(ctx context.Context, key string, value int64) error
}

// EventStore is the append-only feed consumed by off-chain indexers.
type EventStore interface {
	AppendEvent(ctx context.Context, eventType string, payload map[string]any) error
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)
}

// APIKeyStore handles API key operations.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, name, address string, admin bool) (key string, err error)
	ValidateAPIKey(ctx context.Context, key string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
}

// Store combines all storage interfaces with lifecycle methods.
// Domain services define their own minimal interfaces based on actual usage.
type Store interface {
	LedgerStore
	MarketplaceStore
	PaymentsStore
	VerificationStore
	SettingsStore
	EventStore
	APIKeyStore

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// Provider is a staked dataset provider.
type Provider struct {
	Address       string
	Active        bool
	Stake         int64
	TotalDatasets int64
	CreatedAt     string
}

// Dataset is a listed dataset.
type Dataset struct {
	ID           int64
	Provider     string
	Name         string
	Description  string
	Category     string
	Size         int64
	Format       string
	Price        int64
	QualityScore int64
	Active       bool
	CreatedAt    string
}

// Payment is a settled (or escrow-released) payment record.
type Payment struct {
	ID        int64
	Buyer     string
	Seller    string
	Amount    int64
	DatasetID int64
	Completed bool
	Refunded  bool
	CreatedAt string
}

// Escrow is a custodial hold pending release or refund.
type Escrow struct {
	ID        int64
	Buyer     string
	Seller    string
	Amount    int64
	DatasetID int64
	Completed bool
	CreatedAt string
}

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

// Event is one entry of the append-only feed.
type Event struct {
	Seq       int64
	Type      string
	Payload   map[string]any
	CreatedAt string
}

// APIKey represents an API key bound to an account address.
type APIKey struct {
	ID         string
	Name       string
	KeyHash    string
	Address    string
	Admin      bool
	CreatedAt  string
	LastUsedAt string
	RevokedAt  string
}

// DatasetFilter contains filter options for listing datasets.
type DatasetFilter struct {
	Provider   string
	Category   string
	ActiveOnly bool
}

// EventFilter contains filter options for the event feed.
type EventFilter struct {
	After int64
	Type  string
	Limit int
}

// PaginationParams contains pagination options.
type PaginationParams struct {
	Limit  int
	Offset int
}

// PaginatedResult contains paginated results.
type PaginatedResult[T any] struct {
	Data    []T
	HasMore bool
	Total   int64
}

// Setting keys. Defaults are seeded by Migrate and mutable through the admin API.
const (
	SettingMinimumStake     = "marketplace.minimum_stake"
	SettingMarketplaceFee   = "marketplace.fee_bps"
	SettingMarketplacePause = "marketplace.paused"
	SettingPaymentsFee      = "payments.fee_bps"
	SettingVerificationFee  = "verification.fee"
)

// New creates a new store based on configuration.
func New(cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite.Path, logger)
	case "postgres":
		return NewPostgresStore(cfg.Postgres.URL, logger)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
