package domain

// CollateralInfo reports an account's collateral position.
type CollateralInfo struct {
	Deposited int64
	Ratio     int64 // percent, floor
}
