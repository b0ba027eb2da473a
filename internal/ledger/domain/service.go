// Package domain contains the business logic for the token ledger.
package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/veriflow/veriflow/internal/storage"
	"github.com/veriflow/veriflow/internal/validation"
)

// Common errors returned by the ledger service.
var (
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInvalidCollateral      = errors.New("must send collateral to mint")
	ErrInvalidAddress         = errors.New("invalid address")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInsufficientAllowance  = errors.New("insufficient allowance")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrForbidden              = errors.New("admin access required")
)

// Event types appended to the feed.
const (
	EventMint     = "Mint"
	EventRedeem   = "Redeem"
	EventTransfer = "Transfer"
	EventApproval = "Approval"
)

// Store defines the storage operations needed by the ledger domain.
type Store interface {
	Balance(ctx context.Context, addr string) (int64, error)
	TotalSupply(ctx context.Context) (int64, error)
	CollateralOf(ctx context.Context, addr string) (int64, error)
	Allowance(ctx context.Context, owner, spender string) (int64, error)
	Approve(ctx context.Context, owner, spender string, amount int64) error
	MintWithCollateral(ctx context.Context, addr string, collateral, tokens int64) error
	Redeem(ctx context.Context, addr string, tokens, collateral int64) error
	Mint(ctx context.Context, to string, amount int64) error
	Transfer(ctx context.Context, from, to string, amount int64) error
	Collect(ctx context.Context, owner, spender string, legs []storage.Leg) error
	AppendEvent(ctx context.Context, eventType string, payload map[string]any) error
}

// Service is the ledger business logic interface.
type Service interface {
	MintWithCollateral(ctx context.Context, caller string, collateral int64) (int64, error)
	Redeem(ctx context.Context, caller string, amount int64) (int64, error)
	Mint(ctx context.Context, admin bool, to string, amount int64) error
	Transfer(ctx context.Context, caller, to string, amount int64) error
	Approve(ctx context.Context, caller, spender string, amount int64) error
	TransferFrom(ctx context.Context, caller, owner, to string, amount int64) error
	Balance(ctx context.Context, addr string) (int64, error)
	TotalSupply(ctx context.Context) (int64, error)
	Allowance(ctx context.Context, owner, spender string) (int64, error)
	CollateralInfo(ctx context.Context, addr string) (*CollateralInfo, error)
	Bootstrap(ctx context.Context) error
}

type service struct {
	store         Store
	mintRate      int64
	initialSupply int64
	treasury      string
}

// NewService creates a new ledger service.
func NewService(store Store, mintRate, initialSupply int64, treasury string) Service {
	return &service{
		store:         store,
		mintRate:      mintRate,
		initialSupply: initialSupply,
		treasury:      treasury,
	}
}

// Bootstrap mints the initial supply to the treasury. Runs on every start
// but only takes effect while the supply is still zero.
func (s *service) Bootstrap(ctx context.Context) error {
	total, err := s.store.TotalSupply(ctx)
	if err != nil {
		return fmt.Errorf("reading supply: %w", err)
	}
	if total > 0 || s.initialSupply <= 0 {
		return nil
	}
	if err := s.store.Mint(ctx, s.treasury, s.initialSupply); err != nil {
		return fmt.Errorf("minting initial supply: %w", err)
	}
	s.emit(ctx, EventMint, map[string]any{"to": s.treasury, "amount": s.initialSupply, "initial": true})
	return nil
}

// MintWithCollateral locks collateral and credits tokens at the mint rate.
func (s *service) MintWithCollateral(ctx context.Context, caller string, collateral int64) (int64, error) {
	if collateral <= 0 {
		return 0, ErrInvalidCollateral
	}
	tokens := collateral * s.mintRate
	if err := s.store.MintWithCollateral(ctx, caller, collateral, tokens); err != nil {
		return 0, fmt.Errorf("minting: %w", err)
	}
	s.emit(ctx, EventMint, map[string]any{"to": caller, "collateral": collateral, "amount": tokens})
	return tokens, nil
}

// Redeem burns tokens and releases the backing collateral at the mint rate,
// rounding the released amount down.
func (s *service) Redeem(ctx context.Context, caller string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	balance, err := s.store.Balance(ctx, caller)
	if err != nil {
		return 0, fmt.Errorf("reading balance: %w", err)
	}
	if balance < amount {
		return 0, ErrInsufficientBalance
	}
	deposited, err := s.store.CollateralOf(ctx, caller)
	if err != nil {
		return 0, fmt.Errorf("reading collateral: %w", err)
	}
	if deposited*s.mintRate < amount {
		return 0, ErrInsufficientCollateral
	}
	released := amount / s.mintRate
	if err := s.store.Redeem(ctx, caller, amount, released); err != nil {
		if errors.Is(err, storage.ErrInsufficientBalance) {
			return 0, ErrInsufficientBalance
		}
		if errors.Is(err, storage.ErrInsufficientCollateral) {
			return 0, ErrInsufficientCollateral
		}
		return 0, fmt.Errorf("redeeming: %w", err)
	}
	s.emit(ctx, EventRedeem, map[string]any{"from": caller, "amount": amount, "collateral": released})
	return released, nil
}

// Mint credits tokens without collateral. Admin only.
func (s *service) Mint(ctx context.Context, admin bool, to string, amount int64) error {
	if !admin {
		return ErrForbidden
	}
	if err := validation.ValidateAddress(to); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := s.store.Mint(ctx, validation.NormalizeAddress(to), amount); err != nil {
		return fmt.Errorf("minting: %w", err)
	}
	s.emit(ctx, EventMint, map[string]any{"to": validation.NormalizeAddress(to), "amount": amount})
	return nil
}

// Transfer moves tokens from the caller to another account.
func (s *service) Transfer(ctx context.Context, caller, to string, amount int64) error {
	if err := validation.ValidateAddress(to); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	to = validation.NormalizeAddress(to)
	if err := s.store.Transfer(ctx, caller, to, amount); err != nil {
		if errors.Is(err, storage.ErrInsufficientBalance) {
			return ErrInsufficientBalance
		}
		return fmt.Errorf("transferring: %w", err)
	}
	s.emit(ctx, EventTransfer, map[string]any{"from": caller, "to": to, "amount": amount})
	return nil
}

// Approve sets the spender's allowance over the caller's balance.
func (s *service) Approve(ctx context.Context, caller, spender string, amount int64) error {
	if err := validation.ValidateAddress(spender); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if amount < 0 {
		return ErrInvalidAmount
	}
	spender = validation.NormalizeAddress(spender)
	if err := s.store.Approve(ctx, caller, spender, amount); err != nil {
		return fmt.Errorf("approving: %w", err)
	}
	s.emit(ctx, EventApproval, map[string]any{"owner": caller, "spender": spender, "amount": amount})
	return nil
}

// TransferFrom spends the caller's allowance over owner and credits to.
func (s *service) TransferFrom(ctx context.Context, caller, owner, to string, amount int64) error {
	if err := validation.ValidateAddress(owner); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if err := validation.ValidateAddress(to); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	owner = validation.NormalizeAddress(owner)
	to = validation.NormalizeAddress(to)
	err := s.store.Collect(ctx, owner, caller, []storage.Leg{{To: to, Amount: amount}})
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientAllowance) {
			return ErrInsufficientAllowance
		}
		if errors.Is(err, storage.ErrInsufficientBalance) {
			return ErrInsufficientBalance
		}
		return fmt.Errorf("transferring: %w", err)
	}
	s.emit(ctx, EventTransfer, map[string]any{"from": owner, "to": to, "spender": caller, "amount": amount})
	return nil
}

// Balance returns the token balance of an account.
func (s *service) Balance(ctx context.Context, addr string) (int64, error) {
	if err := validation.ValidateAddress(addr); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return s.store.Balance(ctx, validation.NormalizeAddress(addr))
}

// TotalSupply returns the total token supply.
func (s *service) TotalSupply(ctx context.Context) (int64, error) {
	return s.store.TotalSupply(ctx)
}

// Allowance returns the spender's remaining allowance over owner.
func (s *service) Allowance(ctx context.Context, owner, spender string) (int64, error) {
	if err := validation.ValidateAddress(owner); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if err := validation.ValidateAddress(spender); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return s.store.Allowance(ctx, validation.NormalizeAddress(owner), validation.NormalizeAddress(spender))
}

// CollateralInfo reports the deposit backing an account and its
// collateralization ratio in percent. Both are zero for an empty account.
func (s *service) CollateralInfo(ctx context.Context, addr string) (*CollateralInfo, error) {
	if err := validation.ValidateAddress(addr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	addr = validation.NormalizeAddress(addr)
	deposited, err := s.store.CollateralOf(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("reading collateral: %w", err)
	}
	balance, err := s.store.Balance(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("reading balance: %w", err)
	}
	// An account with no balance reports no collateral position.
	if balance == 0 {
		return &CollateralInfo{}, nil
	}
	return &CollateralInfo{
		Deposited: deposited,
		Ratio:     deposited * s.mintRate * 100 / balance,
	}, nil
}

// emit appends to the event feed. Feed writes are best-effort: the money
// movement has already committed.
func (s *service) emit(ctx context.Context, eventType string, payload map[string]any) {
	_ = s.store.AppendEvent(ctx, eventType, payload)
}
