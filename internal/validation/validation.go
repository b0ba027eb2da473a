// Package validation provides input validation for VeriFlow.
package validation

import (
	"errors"
	"fmt"
	"strings"
)

// ValidateAddress validates an account address (0x + 40 hex chars)
func ValidateAddress(addr string) error {
	if len(addr) != 42 {
		return errors.New("invalid address length: must be 42 characters (0x + 40 hex)")
	}
	if !strings.HasPrefix(addr, "0x") {
		return errors.New("invalid address: must start with 0x")
	}
	// Check hex characters
	for _, c := range addr[2:] {
		isDigit := c >= '0' && c <= '9'
		isLowerHex := c >= 'a' && c <= 'f'
		isUpperHex := c >= 'A' && c <= 'F'
		if !isDigit && !isLowerHex && !isUpperHex {
			return errors.New("invalid address: contains non-hex characters")
		}
	}
	return nil
}

// NormalizeAddress lowercases the hex portion so that lookups are
// case-insensitive across callers.
func NormalizeAddress(addr string) string {
	return strings.ToLower(addr)
}

// ValidateAmount validates a positive token amount
func ValidateAmount(amount int64) error {
	if amount <= 0 {
		return errors.New("amount must be positive")
	}
	return nil
}

// ValidateScore validates a quality score in the 0-100 range
func ValidateScore(score int64) error {
	if score < 0 || score > 100 {
		return errors.New("score must be between 0 and 100")
	}
	return nil
}

// MaxFeeBps is the highest fee any module accepts, in basis points (20%).
const MaxFeeBps = 2000

// ValidateFeeBps validates a basis-point fee against the protocol cap
func ValidateFeeBps(bps int64) error {
	if bps < 0 {
		return errors.New("fee cannot be negative")
	}
	if bps > MaxFeeBps {
		return fmt.Errorf("fee too high: max %d basis points", MaxFeeBps)
	}
	return nil
}

// ValidateHash validates a content hash reference. Hashes are opaque
// strings; only presence and a sane length are checked.
func ValidateHash(hash string) error {
	if hash == "" {
		return errors.New("hash cannot be empty")
	}
	if len(hash) > 256 {
		return errors.New("hash too long (max 256 chars)")
	}
	return nil
}

// ValidateName validates a dataset name
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name cannot be empty")
	}
	if len(name) > 128 {
		return errors.New("name too long (max 128 chars)")
	}
	return nil
}
