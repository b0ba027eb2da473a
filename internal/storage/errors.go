package storage

import "errors"

// Common storage errors
var (
	ErrNotFound               = errors.New("not found")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInsufficientAllowance  = errors.New("insufficient allowance")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInsufficientStake      = errors.New("insufficient stake")
	ErrRemainderBelowMinimum  = errors.New("remaining stake below minimum")
	ErrDuplicatePurchase      = errors.New("dataset already purchased")
	ErrAlreadyCompleted       = errors.New("already completed")
	ErrAlreadyRefunded        = errors.New("already refunded")
	ErrAlreadyVerified        = errors.New("already verified")
	ErrReputationFloor        = errors.New("reputation cannot go below zero")
)
