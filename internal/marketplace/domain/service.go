// Package domain contains the business logic for the dataset marketplace.
package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/veriflow/veriflow/internal/storage"
	"github.com/veriflow/veriflow/internal/validation"
)

// Common errors returned by the marketplace service.
var (
	ErrNotFound              = errors.New("dataset not found")
	ErrForbidden             = errors.New("not authorized")
	ErrNotProvider           = errors.New("must be an active provider")
	ErrBelowMinimumStake     = errors.New("stake amount must be at least minimum stake")
	ErrRemainderBelowMinimum = errors.New("remaining stake would be below minimum stake")
	ErrInsufficientStake     = errors.New("insufficient stake")
	ErrPaused                = errors.New("marketplace is paused")
	ErrInactiveDataset       = errors.New("dataset is not active")
	ErrDuplicatePurchase     = errors.New("dataset already purchased")
	ErrInvalidPrice          = errors.New("price must be greater than 0")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// Event types appended to the feed.
const (
	EventProviderStaked      = "ProviderStaked"
	EventProviderUnstaked    = "ProviderUnstaked"
	EventDatasetListed       = "DatasetListed"
	EventDatasetPriceUpdated = "DatasetPriceUpdated"
	EventDatasetDeactivated  = "DatasetDeactivated"
	EventDatasetPurchased    = "DatasetPurchased"
	EventMinimumStakeUpdated = "MinimumStakeUpdated"
	EventMarketplaceFee      = "MarketplaceFeeUpdated"
	EventMarketplacePaused   = "MarketplacePaused"
	EventMarketplaceUnpaused = "MarketplaceUnpaused"
)

// Store defines the storage operations needed by the marketplace domain.
type Store interface {
	GetProvider(ctx context.Context, addr string) (*storage.Provider, error)
	AddStake(ctx context.Context, addr string, amount int64) error
	ReduceStake(ctx context.Context, addr string, amount, minRemaining int64) error

	CreateDataset(ctx context.Context, d *storage.Dataset) (int64, error)
	GetDataset(ctx context.Context, id int64) (*storage.Dataset, error)
	ListDatasets(ctx context.Context, filter storage.DatasetFilter, p storage.PaginationParams) (*storage.PaginatedResult[storage.Dataset], error)
	ListProviderDatasets(ctx context.Context, provider string) ([]storage.Dataset, error)
	UpdateDatasetPrice(ctx context.Context, id, price int64) error
	DeactivateDataset(ctx context.Context, id int64) error
	CountDatasets(ctx context.Context) (int64, error)

	RecordPurchase(ctx context.Context, datasetID int64, buyer string) error
	DeletePurchase(ctx context.Context, datasetID int64, buyer string) error
	HasPurchased(ctx context.Context, datasetID int64, buyer string) (bool, error)

	CreatePayment(ctx context.Context, p *storage.Payment) (int64, error)
	Collect(ctx context.Context, owner, spender string, legs []storage.Leg) error
	Payout(ctx context.Context, from string, legs []storage.Leg) error

	GetSetting(ctx context.Context, key string, fallback int64) (int64, error)
	SetSetting(ctx context.Context, key string, value int64) error
	AppendEvent(ctx context.Context, eventType string, payload map[string]any) error
}

// Service is the marketplace business logic interface.
type Service interface {
	Stake(ctx context.Context, caller string, amount int64) error
	Unstake(ctx context.Context, caller string, amount int64) error
	GetProvider(ctx context.Context, addr string) (*Provider, error)

	ListDataset(ctx context.Context, caller string, req ListDatasetRequest) (int64, error)
	UpdatePrice(ctx context.Context, caller string, id, price int64) error
	Deactivate(ctx context.Context, caller string, id int64) error
	Purchase(ctx context.Context, caller string, id int64) (*PurchaseResult, error)

	GetDataset(ctx context.Context, id int64) (*Dataset, error)
	ListDatasets(ctx context.Context, filter ListFilter, p PaginationParams) (*ListResult, error)
	ProviderDatasets(ctx context.Context, provider string) ([]Dataset, error)
	TotalDatasets(ctx context.Context) (int64, error)
	HasPurchased(ctx context.Context, id int64, buyer string) (bool, error)

	SetMinimumStake(ctx context.Context, admin bool, amount int64) error
	SetFee(ctx context.Context, admin bool, bps int64) error
	SetPaused(ctx context.Context, admin bool, paused bool) error
}

type service struct {
	store    Store
	account  string // marketplace module custody account
	treasury string
}

// NewService creates a new marketplace service.
func NewService(store Store, account, treasury string) Service {
	return &service{store: store, account: account, treasury: treasury}
}

// Stake pulls tokens into the marketplace custody account and activates the
// caller as a provider. Stake accumulates across calls; the cumulative total
// must clear the minimum.
func (s *service) Stake(ctx context.Context, caller string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	minimum, err := s.store.GetSetting(ctx, storage.SettingMinimumStake, 100)
	if err != nil {
		return fmt.Errorf("reading minimum stake: %w", err)
	}

	var current int64
	if p, err := s.store.GetProvider(ctx, caller); err == nil {
		current = p.Stake
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("reading provider: %w", err)
	}
	if current+amount < minimum {
		return ErrBelowMinimumStake
	}

	err = s.store.Collect(ctx, caller, s.account, []storage.Leg{{To: s.account, Amount: amount}})
	if err != nil {
		return mapFundsError(err, "staking")
	}
	if err := s.store.AddStake(ctx, caller, amount); err != nil {
		// Return custody on bookkeeping failure.
		_ = s.store.Payout(ctx, s.account, []storage.Leg{{To: caller, Amount: amount}})
		return fmt.Errorf("recording stake: %w", err)
	}

	s.emit(ctx, EventProviderStaked, map[string]any{"provider": caller, "amount": amount, "totalStake": current + amount})
	return nil
}

// Unstake returns stake to the caller. Partial exits must leave at least the
// minimum stake; a full exit deactivates the provider.
func (s *service) Unstake(ctx context.Context, caller string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	p, err := s.store.GetProvider(ctx, caller)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotProvider
		}
		return fmt.Errorf("reading provider: %w", err)
	}
	minimum, err := s.store.GetSetting(ctx, storage.SettingMinimumStake, 100)
	if err != nil {
		return fmt.Errorf("reading minimum stake: %w", err)
	}

	// The store decides both floor checks atomically so a concurrent exit
	// cannot slip a live provider under the minimum.
	if err := s.store.ReduceStake(ctx, caller, amount, minimum); err != nil {
		if errors.Is(err, storage.ErrInsufficientStake) {
			return ErrInsufficientStake
		}
		if errors.Is(err, storage.ErrRemainderBelowMinimum) {
			return ErrRemainderBelowMinimum
		}
		return fmt.Errorf("reducing stake: %w", err)
	}
	remaining := p.Stake - amount
	if err := s.store.Payout(ctx, s.account, []storage.Leg{{To: caller, Amount: amount}}); err != nil {
		_ = s.store.AddStake(ctx, caller, amount)
		return fmt.Errorf("paying out stake: %w", err)
	}

	s.emit(ctx, EventProviderUnstaked, map[string]any{"provider": caller, "amount": amount, "remaining": remaining})
	return nil
}

// GetProvider returns a provider record.
func (s *service) GetProvider(ctx context.Context, addr string) (*Provider, error) {
	if err := validation.ValidateAddress(addr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	p, err := s.store.GetProvider(ctx, validation.NormalizeAddress(addr))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading provider: %w", err)
	}
	return toProvider(p), nil
}

// ListDataset lists a new dataset for the calling provider.
func (s *service) ListDataset(ctx context.Context, caller string, req ListDatasetRequest) (int64, error) {
	if err := s.requireActive(ctx); err != nil {
		return 0, err
	}
	p, err := s.store.GetProvider(ctx, caller)
	if err != nil || !p.Active {
		return 0, ErrNotProvider
	}
	if err := validation.ValidateName(req.Name); err != nil {
		return 0, fmt.Errorf("invalid name: %w", err)
	}
	if req.Price <= 0 {
		return 0, ErrInvalidPrice
	}
	if err := validation.ValidateScore(req.QualityScore); err != nil {
		return 0, fmt.Errorf("invalid quality score: %w", err)
	}

	id, err := s.store.CreateDataset(ctx, &storage.Dataset{
		Provider:     caller,
		Name:         req.Name,
		Description:  req.Description,
		Category:     req.Category,
		Size:         req.Size,
		Format:       req.Format,
		Price:        req.Price,
		QualityScore: req.QualityScore,
	})
	if err != nil {
		return 0, fmt.Errorf("creating dataset: %w", err)
	}

	s.emit(ctx, EventDatasetListed, map[string]any{"datasetId": id, "provider": caller, "price": req.Price})
	return id, nil
}

// UpdatePrice changes the price of a dataset. Owning provider only.
func (s *service) UpdatePrice(ctx context.Context, caller string, id, price int64) error {
	if price <= 0 {
		return ErrInvalidPrice
	}
	d, err := s.getOwned(ctx, caller, id)
	if err != nil {
		return err
	}
	if err := s.store.UpdateDatasetPrice(ctx, d.ID, price); err != nil {
		return fmt.Errorf("updating price: %w", err)
	}
	s.emit(ctx, EventDatasetPriceUpdated, map[string]any{"datasetId": id, "price": price})
	return nil
}

// Deactivate delists a dataset. Owning provider only.
func (s *service) Deactivate(ctx context.Context, caller string, id int64) error {
	d, err := s.getOwned(ctx, caller, id)
	if err != nil {
		return err
	}
	if err := s.store.DeactivateDataset(ctx, d.ID); err != nil {
		return fmt.Errorf("deactivating dataset: %w", err)
	}
	s.emit(ctx, EventDatasetDeactivated, map[string]any{"datasetId": id})
	return nil
}

// Purchase buys access to a dataset. The price is pulled from the buyer's
// allowance and split between the treasury (fee) and the provider.
func (s *service) Purchase(ctx context.Context, caller string, id int64) (*PurchaseResult, error) {
	if err := s.requireActive(ctx); err != nil {
		return nil, err
	}
	d, err := s.store.GetDataset(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading dataset: %w", err)
	}
	if !d.Active {
		return nil, ErrInactiveDataset
	}

	feeBps, err := s.store.GetSetting(ctx, storage.SettingMarketplaceFee, 500)
	if err != nil {
		return nil, fmt.Errorf("reading fee: %w", err)
	}
	fee := d.Price * feeBps / 10000
	providerShare := d.Price - fee

	// Claim the purchase slot first so a concurrent duplicate fails before
	// any funds move.
	if err := s.store.RecordPurchase(ctx, id, caller); err != nil {
		if errors.Is(err, storage.ErrDuplicatePurchase) {
			return nil, ErrDuplicatePurchase
		}
		return nil, fmt.Errorf("recording purchase: %w", err)
	}

	legs := []storage.Leg{
		{To: s.treasury, Amount: fee},
		{To: d.Provider, Amount: providerShare},
	}
	if err := s.store.Collect(ctx, caller, s.account, legs); err != nil {
		_ = s.store.DeletePurchase(ctx, id, caller)
		return nil, mapFundsError(err, "settling purchase")
	}

	paymentID, err := s.store.CreatePayment(ctx, &storage.Payment{
		Buyer:     caller,
		Seller:    d.Provider,
		Amount:    d.Price,
		DatasetID: id,
		Completed: true,
	})
	if err != nil {
		// Reverse the settlement on bookkeeping failure.
		_ = s.store.Payout(ctx, s.treasury, []storage.Leg{{To: caller, Amount: fee}})
		_ = s.store.Payout(ctx, d.Provider, []storage.Leg{{To: caller, Amount: providerShare}})
		_ = s.store.DeletePurchase(ctx, id, caller)
		return nil, fmt.Errorf("recording payment: %w", err)
	}

	s.emit(ctx, EventDatasetPurchased, map[string]any{
		"datasetId": id,
		"buyer":     caller,
		"provider":  d.Provider,
		"price":     d.Price,
		"fee":       fee,
	})

	return &PurchaseResult{
		DatasetID: id,
		PaymentID: paymentID,
		Price:     d.Price,
		Fee:       fee,
		Provider:  d.Provider,
	}, nil
}

// GetDataset returns a dataset by id.
func (s *service) GetDataset(ctx context.Context, id int64) (*Dataset, error) {
	d, err := s.store.GetDataset(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading dataset: %w", err)
	}
	return toDataset(d), nil
}

// ListDatasets lists datasets with filtering and pagination.
func (s *service) ListDatasets(ctx context.Context, filter ListFilter, p PaginationParams) (*ListResult, error) {
	result, err := s.store.ListDatasets(ctx, storage.DatasetFilter{
		Provider:   filter.Provider,
		Category:   filter.Category,
		ActiveOnly: filter.ActiveOnly,
	}, storage.PaginationParams{Limit: p.Limit, Offset: p.Offset})
	if err != nil {
		return nil, fmt.Errorf("listing datasets: %w", err)
	}
	datasets := make([]Dataset, len(result.Data))
	for i := range result.Data {
		datasets[i] = *toDataset(&result.Data[i])
	}
	return &ListResult{Datasets: datasets, HasMore: result.HasMore, Total: result.Total}, nil
}

// ProviderDatasets lists all datasets of one provider.
func (s *service) ProviderDatasets(ctx context.Context, provider string) ([]Dataset, error) {
	if err := validation.ValidateAddress(provider); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	data, err := s.store.ListProviderDatasets(ctx, validation.NormalizeAddress(provider))
	if err != nil {
		return nil, fmt.Errorf("listing provider datasets: %w", err)
	}
	datasets := make([]Dataset, len(data))
	for i := range data {
		datasets[i] = *toDataset(&data[i])
	}
	return datasets, nil
}

// TotalDatasets returns the number of datasets ever listed.
func (s *service) TotalDatasets(ctx context.Context) (int64, error) {
	return s.store.CountDatasets(ctx)
}

// HasPurchased reports whether buyer purchased the dataset.
func (s *service) HasPurchased(ctx context.Context, id int64, buyer string) (bool, error) {
	if err := validation.ValidateAddress(buyer); err != nil {
		return false, nil
	}
	return s.store.HasPurchased(ctx, id, validation.NormalizeAddress(buyer))
}

// SetMinimumStake updates the provider stake floor. Admin only.
func (s *service) SetMinimumStake(ctx context.Context, admin bool, amount int64) error {
	if !admin {
		return ErrForbidden
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := s.store.SetSetting(ctx, storage.SettingMinimumStake, amount); err != nil {
		return fmt.Errorf("updating minimum stake: %w", err)
	}
	s.emit(ctx, EventMinimumStakeUpdated, map[string]any{"minimumStake": amount})
	return nil
}

// SetFee updates the marketplace fee. Admin only, capped at 20%.
func (s *service) SetFee(ctx context.Context, admin bool, bps int64) error {
	if !admin {
		return ErrForbidden
	}
	if err := validation.ValidateFeeBps(bps); err != nil {
		return err
	}
	if err := s.store.SetSetting(ctx, storage.SettingMarketplaceFee, bps); err != nil {
		return fmt.Errorf("updating fee: %w", err)
	}
	s.emit(ctx, EventMarketplaceFee, map[string]any{"feeBps": bps})
	return nil
}

// SetPaused pauses or resumes listings and purchases. Admin only.
func (s *service) SetPaused(ctx context.Context, admin bool, paused bool) error {
	if !admin {
		return ErrForbidden
	}
	var v int64
	event := EventMarketplaceUnpaused
	if paused {
		v = 1
		event = EventMarketplacePaused
	}
	if err := s.store.SetSetting(ctx, storage.SettingMarketplacePause, v); err != nil {
		return fmt.Errorf("updating pause flag: %w", err)
	}
	s.emit(ctx, event, map[string]any{})
	return nil
}

func (s *service) requireActive(ctx context.Context) error {
	paused, err := s.store.GetSetting(ctx, storage.SettingMarketplacePause, 0)
	if err != nil {
		return fmt.Errorf("reading pause flag: %w", err)
	}
	if paused != 0 {
		return ErrPaused
	}
	return nil
}

func (s *service) getOwned(ctx context.Context, caller string, id int64) (*storage.Dataset, error) {
	d, err := s.store.GetDataset(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading dataset: %w", err)
	}
	if d.Provider != caller {
		return nil, ErrForbidden
	}
	return d, nil
}

func (s *service) emit(ctx context.Context, eventType string, payload map[string]any) {
	_ = s.store.AppendEvent(ctx, eventType, payload)
}

func mapFundsError(err error, action string) error {
	if errors.Is(err, storage.ErrInsufficientAllowance) {
		return ErrInsufficientAllowance
	}
	if errors.Is(err, storage.ErrInsufficientBalance) {
		return ErrInsufficientBalance
	}
	return fmt.Errorf("%s: %w", action, err)
}
