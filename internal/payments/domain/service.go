// Package domain contains the business logic for payments and escrow.
package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/veriflow/veriflow/internal/storage"
	"github.com/veriflow/veriflow/internal/validation"
)

// Common errors returned by the payments service.
var (
	ErrNotFound              = errors.New("payment not found")
	ErrInvalidAmount         = errors.New("payment amount must be greater than 0")
	ErrInvalidSeller         = errors.New("invalid seller address")
	ErrOnlyBuyer             = errors.New("only buyer can release escrow")
	ErrAlreadyCompleted      = errors.New("escrow already completed")
	ErrAlreadyRefunded       = errors.New("payment already refunded")
	ErrForbidden             = errors.New("admin access required")
	ErrFeeTooHigh            = errors.New("platform fee cannot exceed 20%")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

// Event types appended to the feed.
const (
	EventPaymentProcessed   = "PaymentProcessed"
	EventEscrowCreated      = "EscrowCreated"
	EventEscrowReleased     = "EscrowReleased"
	EventEscrowRefunded     = "EscrowRefunded"
	EventRefundProcessed    = "RefundProcessed"
	EventPlatformFeeUpdated = "PlatformFeeUpdated"
)

// Store defines the storage operations needed by the payments domain.
type Store interface {
	CreatePayment(ctx context.Context, p *storage.Payment) (int64, error)
	GetPayment(ctx context.Context, id int64) (*storage.Payment, error)
	MarkPaymentRefunded(ctx context.Context, id int64) error
	ListPaymentsByBuyer(ctx context.Context, buyer string) ([]storage.Payment, error)
	ListPaymentsBySeller(ctx context.Context, seller string) ([]storage.Payment, error)
	CountPayments(ctx context.Context) (int64, error)

	CreateEscrow(ctx context.Context, e *storage.Escrow) (int64, error)
	GetEscrow(ctx context.Context, id int64) (*storage.Escrow, error)
	CompleteEscrow(ctx context.Context, id int64) error
	CountEscrows(ctx context.Context) (int64, error)

	Collect(ctx context.Context, owner, spender string, legs []storage.Leg) error
	Payout(ctx context.Context, from string, legs []storage.Leg) error

	GetSetting(ctx context.Context, key string, fallback int64) (int64, error)
	SetSetting(ctx context.Context, key string, value int64) error
	AppendEvent(ctx context.Context, eventType string, payload map[string]any) error
}

// Service is the payments business logic interface.
type Service interface {
	ProcessPayment(ctx context.Context, caller string, req PaymentRequest) (*Payment, error)
	CreateEscrow(ctx context.Context, caller string, req PaymentRequest) (*Escrow, error)
	ReleaseEscrow(ctx context.Context, caller string, id int64) error
	RefundEscrow(ctx context.Context, admin bool, id int64) error
	ProcessRefund(ctx context.Context, admin bool, paymentID int64) error
	SetPlatformFee(ctx context.Context, admin bool, bps int64) error

	GetPayment(ctx context.Context, id int64) (*Payment, error)
	GetEscrow(ctx context.Context, id int64) (*Escrow, error)
	BuyerPayments(ctx context.Context, buyer string) ([]Payment, error)
	SellerPayments(ctx context.Context, seller string) ([]Payment, error)
	Counts(ctx context.Context) (payments, escrows int64, err error)
}

type service struct {
	store    Store
	account  string // payments module custody account
	treasury string
}

// NewService creates a new payments service.
func NewService(store Store, account, treasury string) Service {
	return &service{store: store, account: account, treasury: treasury}
}

func (s *service) validate(req *PaymentRequest) error {
	if req.Amount <= 0 {
		return ErrInvalidAmount
	}
	if err := validation.ValidateAddress(req.Seller); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSeller, err)
	}
	req.Seller = validation.NormalizeAddress(req.Seller)
	return nil
}

func (s *service) fee(ctx context.Context, amount int64) (int64, error) {
	bps, err := s.store.GetSetting(ctx, storage.SettingPaymentsFee, 500)
	if err != nil {
		return 0, fmt.Errorf("reading platform fee: %w", err)
	}
	return amount * bps / 10000, nil
}

// ProcessPayment pulls the amount from the buyer's allowance and settles it
// immediately: fee to the treasury, remainder to the seller.
func (s *service) ProcessPayment(ctx context.Context, caller string, req PaymentRequest) (*Payment, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	fee, err := s.fee(ctx, req.Amount)
	if err != nil {
		return nil, err
	}

	legs := []storage.Leg{
		{To: s.treasury, Amount: fee},
		{To: req.Seller, Amount: req.Amount - fee},
	}
	if err := s.store.Collect(ctx, caller, s.account, legs); err != nil {
		return nil, mapFundsError(err, "settling payment")
	}

	id, err := s.store.CreatePayment(ctx, &storage.Payment{
		Buyer:     caller,
		Seller:    req.Seller,
		Amount:    req.Amount,
		DatasetID: req.DatasetID,
		Completed: true,
	})
	if err != nil {
		// Reverse the settlement on bookkeeping failure.
		_ = s.store.Payout(ctx, s.treasury, []storage.Leg{{To: caller, Amount: fee}})
		_ = s.store.Payout(ctx, req.Seller, []storage.Leg{{To: caller, Amount: req.Amount - fee}})
		return nil, fmt.Errorf("recording payment: %w", err)
	}

	s.emit(ctx, EventPaymentProcessed, map[string]any{
		"paymentId": id,
		"buyer":     caller,
		"seller":    req.Seller,
		"amount":    req.Amount,
		"fee":       fee,
	})
	return s.GetPayment(ctx, id)
}

// CreateEscrow pulls the amount into custody and opens an escrow.
func (s *service) CreateEscrow(ctx context.Context, caller string, req PaymentRequest) (*Escrow, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	err := s.store.Collect(ctx, caller, s.account, []storage.Leg{{To: s.account, Amount: req.Amount}})
	if err != nil {
		return nil, mapFundsError(err, "funding escrow")
	}

	id, err := s.store.CreateEscrow(ctx, &storage.Escrow{
		Buyer:     caller,
		Seller:    req.Seller,
		Amount:    req.Amount,
		DatasetID: req.DatasetID,
	})
	if err != nil {
		return nil, fmt.Errorf("recording escrow: %w", err)
	}

	s.emit(ctx, EventEscrowCreated, map[string]any{
		"escrowId": id,
		"buyer":    caller,
		"seller":   req.Seller,
		"amount":   req.Amount,
	})
	return s.GetEscrow(ctx, id)
}

// ReleaseEscrow settles a held escrow to the seller. Only the buyer may
// release, and only once.
func (s *service) ReleaseEscrow(ctx context.Context, caller string, id int64) error {
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("reading escrow: %w", err)
	}
	if e.Buyer != caller {
		return ErrOnlyBuyer
	}

	// Completing first makes the release exactly-once under concurrency.
	if err := s.store.CompleteEscrow(ctx, id); err != nil {
		if errors.Is(err, storage.ErrAlreadyCompleted) {
			return ErrAlreadyCompleted
		}
		return fmt.Errorf("completing escrow: %w", err)
	}

	fee, err := s.fee(ctx, e.Amount)
	if err != nil {
		return err
	}
	legs := []storage.Leg{
		{To: s.treasury, Amount: fee},
		{To: e.Seller, Amount: e.Amount - fee},
	}
	if err := s.store.Payout(ctx, s.account, legs); err != nil {
		return fmt.Errorf("paying out escrow: %w", err)
	}

	s.emit(ctx, EventEscrowReleased, map[string]any{
		"escrowId": id,
		"seller":   e.Seller,
		"amount":   e.Amount,
		"fee":      fee,
	})
	return nil
}

// RefundEscrow returns held escrow funds to the buyer. Admin only.
func (s *service) RefundEscrow(ctx context.Context, admin bool, id int64) error {
	if !admin {
		return ErrForbidden
	}
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("reading escrow: %w", err)
	}
	if err := s.store.CompleteEscrow(ctx, id); err != nil {
		if errors.Is(err, storage.ErrAlreadyCompleted) {
			return ErrAlreadyCompleted
		}
		return fmt.Errorf("completing escrow: %w", err)
	}
	if err := s.store.Payout(ctx, s.account, []storage.Leg{{To: e.Buyer, Amount: e.Amount}}); err != nil {
		return fmt.Errorf("refunding escrow: %w", err)
	}

	s.emit(ctx, EventEscrowRefunded, map[string]any{"escrowId": id, "buyer": e.Buyer, "amount": e.Amount})
	return nil
}

// ProcessRefund pays the full original amount of a settled payment back to
// the buyer from custody. The payment stays completed for audit; the refund
// flag makes the operation exactly-once. Admin only.
func (s *service) ProcessRefund(ctx context.Context, admin bool, paymentID int64) error {
	if !admin {
		return ErrForbidden
	}
	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("reading payment: %w", err)
	}
	if err := s.store.MarkPaymentRefunded(ctx, paymentID); err != nil {
		if errors.Is(err, storage.ErrAlreadyRefunded) {
			return ErrAlreadyRefunded
		}
		return fmt.Errorf("marking refund: %w", err)
	}
	if err := s.store.Payout(ctx, s.account, []storage.Leg{{To: p.Buyer, Amount: p.Amount}}); err != nil {
		return fmt.Errorf("paying refund: %w", err)
	}

	s.emit(ctx, EventRefundProcessed, map[string]any{"paymentId": paymentID, "buyer": p.Buyer, "amount": p.Amount})
	return nil
}

// SetPlatformFee updates the payments fee. Admin only, capped at 20%.
func (s *service) SetPlatformFee(ctx context.Context, admin bool, bps int64) error {
	if !admin {
		return ErrForbidden
	}
	if bps < 0 || bps > validation.MaxFeeBps {
		return ErrFeeTooHigh
	}
	if err := s.store.SetSetting(ctx, storage.SettingPaymentsFee, bps); err != nil {
		return fmt.Errorf("updating platform fee: %w", err)
	}
	s.emit(ctx, EventPlatformFeeUpdated, map[string]any{"feeBps": bps})
	return nil
}

// GetPayment returns a payment by id.
func (s *service) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading payment: %w", err)
	}
	return toPayment(p), nil
}

// GetEscrow returns an escrow by id.
func (s *service) GetEscrow(ctx context.Context, id int64) (*Escrow, error) {
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading escrow: %w", err)
	}
	return toEscrow(e), nil
}

// BuyerPayments lists payments made by a buyer.
func (s *service) BuyerPayments(ctx context.Context, buyer string) ([]Payment, error) {
	if err := validation.ValidateAddress(buyer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	data, err := s.store.ListPaymentsByBuyer(ctx, validation.NormalizeAddress(buyer))
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	return toPayments(data), nil
}

// SellerPayments lists payments received by a seller.
func (s *service) SellerPayments(ctx context.Context, seller string) ([]Payment, error) {
	if err := validation.ValidateAddress(seller); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	data, err := s.store.ListPaymentsBySeller(ctx, validation.NormalizeAddress(seller))
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	return toPayments(data), nil
}

// Counts returns the total number of payments and escrows.
func (s *service) Counts(ctx context.Context) (int64, int64, error) {
	payments, err := s.store.CountPayments(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("counting payments: %w", err)
	}
	escrows, err := s.store.CountEscrows(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("counting escrows: %w", err)
	}
	return payments, escrows, nil
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
