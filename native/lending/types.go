package lending

import (
	"fmt"
	"math/big"
)

// Market captures the aggregate accounting state for a single listed asset.
// Amount values are expressed as big integers in the asset's smallest unit;
// indexes and stored rates use ray (1e27) precision.
type Market struct {
	// Symbol is the canonical upper-case asset identifier.
	Symbol string
	// CollateralFactorBps is the share of supplied value counted toward
	// borrowing power, in basis points.
	CollateralFactorBps uint64
	// ReserveFactorBps is the share of borrow interest retained by the
	// protocol, in basis points.
	ReserveFactorBps uint64
	// TotalSupplied is the aggregate liquidity deposited by suppliers,
	// including accrued interest and undistributed reserves.
	TotalSupplied *big.Int
	// TotalBorrowed tracks the outstanding debt across all accounts.
	TotalBorrowed *big.Int
	// Reserves is the portion of TotalSupplied set aside for the protocol.
	Reserves *big.Int
	// SupplyIndex is the cumulative interest index applied to supplier
	// balances.
	SupplyIndex *big.Int
	// BorrowIndex is the cumulative interest index applied to borrower debt.
	BorrowIndex *big.Int
	// BorrowRateRay is the borrow APR as of the last accrual, ray-scaled.
	BorrowRateRay *big.Int
	// SupplyRateRay is the supply rate as of the last accrual, ray-scaled.
	SupplyRateRay *big.Int
	// LastAccrualTime records the unix timestamp of the last accrual.
	LastAccrualTime int64
}

// Clone returns a deep copy of the market record.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := &Market{
		Symbol:              m.Symbol,
		CollateralFactorBps: m.CollateralFactorBps,
		ReserveFactorBps:    m.ReserveFactorBps,
		LastAccrualTime:     m.LastAccrualTime,
	}
	clone.TotalSupplied = copyBigInt(m.TotalSupplied)
	clone.TotalBorrowed = copyBigInt(m.TotalBorrowed)
	clone.Reserves = copyBigInt(m.Reserves)
	clone.SupplyIndex = copyBigInt(m.SupplyIndex)
	clone.BorrowIndex = copyBigInt(m.BorrowIndex)
	clone.BorrowRateRay = copyBigInt(m.BorrowRateRay)
	clone.SupplyRateRay = copyBigInt(m.SupplyRateRay)
	return clone
}

// SupplyPosition tracks a single account's deposit in one market. Balance is
// the value as of InterestIndex; the current value is obtained by scaling with
// the market's live supply index.
type SupplyPosition struct {
	Balance       *big.Int
	InterestIndex *big.Int
}

// Clone returns a deep copy of the position.
func (p *SupplyPosition) Clone() *SupplyPosition {
	if p == nil {
		return nil
	}
	return &SupplyPosition{
		Balance:       copyBigInt(p.Balance),
		InterestIndex: copyBigInt(p.InterestIndex),
	}
}

// BorrowPosition tracks a single account's debt in one market. Balance is the
// principal as of InterestIndex; live debt is obtained by scaling with the
// market's borrow index.
type BorrowPosition struct {
	Balance        *big.Int
	InterestIndex  *big.Int
	LastUpdateTime int64
}

// Clone returns a deep copy of the position.
func (p *BorrowPosition) Clone() *BorrowPosition {
	if p == nil {
		return nil
	}
	return &BorrowPosition{
		Balance:        copyBigInt(p.Balance),
		InterestIndex:  copyBigInt(p.InterestIndex),
		LastUpdateTime: p.LastUpdateTime,
	}
}

// RiskParameters groups the governance controlled safety limits shared by all
// markets.
type RiskParameters struct {
	// MinCollateralRatioBps is the solvency threshold in basis points.
	// Borrow and withdraw must leave accounts at or above it; accounts
	// below it are liquidatable.
	MinCollateralRatioBps uint64
	// LiquidationDiscountBps prices seized collateral below market during
	// liquidation, in basis points. Must be below 10000.
	LiquidationDiscountBps uint64
}

// DefaultRiskParameters mirrors the reference deployment: a 125% minimum
// collateral ratio and a 5% liquidation discount.
func DefaultRiskParameters() RiskParameters {
	return RiskParameters{
		MinCollateralRatioBps:  12_500,
		LiquidationDiscountBps: 9_500,
	}
}

// Validate rejects parameter combinations that would make liquidation
// unsound.
func (p RiskParameters) Validate() error {
	if p.MinCollateralRatioBps < 10_000 {
		return fmt.Errorf("%w: minimum collateral ratio below 10000 basis points", ErrValidation)
	}
	if p.LiquidationDiscountBps == 0 || p.LiquidationDiscountBps >= 10_000 {
		return fmt.Errorf("%w: liquidation discount must sit between 0 and 10000 basis points", ErrValidation)
	}
	return nil
}

func copyBigInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
