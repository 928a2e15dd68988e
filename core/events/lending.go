package events

import (
	"math/big"
	"strconv"

	"lendex/core/types"
	"lendex/crypto"
)

const (
	// TypeMarketListed is emitted when governance lists a new market.
	TypeMarketListed = "lending.market.listed"
	// TypeSupply is emitted when liquidity is deposited into a market.
	TypeSupply = "lending.supply"
	// TypeWithdraw is emitted when supplied liquidity is redeemed.
	TypeWithdraw = "lending.withdraw"
	// TypeBorrow is emitted when liquidity is borrowed from a market.
	TypeBorrow = "lending.borrow"
	// TypeRepay is emitted when outstanding debt is repaid.
	TypeRepay = "lending.repay"
	// TypeLiquidate is emitted when an unhealthy position is liquidated.
	TypeLiquidate = "lending.liquidate"
	// TypeMarketAccrued is emitted when interest accrual advances a market.
	TypeMarketAccrued = "lending.market.accrued"
	// TypeReservesWithdrawn is emitted when protocol reserves are paid out.
	TypeReservesWithdrawn = "lending.reserves.withdrawn"
	// TypePauseUpdated is emitted when the module pause switch flips.
	TypePauseUpdated = "lending.pause.updated"
)

// MarketListed captures the static risk parameters of a freshly listed market.
type MarketListed struct {
	Symbol              string
	CollateralFactorBps uint64
	ReserveFactorBps    uint64
}

func (MarketListed) EventType() string { return TypeMarketListed }

func (e MarketListed) Event() *types.Event {
	return &types.Event{Type: TypeMarketListed, Attributes: map[string]string{
		"symbol":              normalizeSymbol(e.Symbol),
		"collateralFactorBps": strconv.FormatUint(e.CollateralFactorBps, 10),
		"reserveFactorBps":    strconv.FormatUint(e.ReserveFactorBps, 10),
	}}
}

// Supply records a liquidity deposit and the resulting balances.
type Supply struct {
	Symbol        string
	Supplier      crypto.Address
	Amount        *big.Int
	NewBalance    *big.Int
	TotalSupplied *big.Int
}

func (Supply) EventType() string { return TypeSupply }

func (e Supply) Event() *types.Event {
	return &types.Event{Type: TypeSupply, Attributes: map[string]string{
		"symbol":        normalizeSymbol(e.Symbol),
		"supplier":      e.Supplier.String(),
		"amount":        formatAmount(e.Amount),
		"newBalance":    formatAmount(e.NewBalance),
		"totalSupplied": formatAmount(e.TotalSupplied),
	}}
}

// Withdraw records a liquidity redemption and the resulting balances.
type Withdraw struct {
	Symbol        string
	Supplier      crypto.Address
	Amount        *big.Int
	NewBalance    *big.Int
	TotalSupplied *big.Int
}

func (Withdraw) EventType() string { return TypeWithdraw }

func (e Withdraw) Event() *types.Event {
	return &types.Event{Type: TypeWithdraw, Attributes: map[string]string{
		"symbol":        normalizeSymbol(e.Symbol),
		"supplier":      e.Supplier.String(),
		"amount":        formatAmount(e.Amount),
		"newBalance":    formatAmount(e.NewBalance),
		"totalSupplied": formatAmount(e.TotalSupplied),
	}}
}

// Borrow records a draw-down against a market and the resulting debt.
type Borrow struct {
	Symbol        string
	Borrower      crypto.Address
	Amount        *big.Int
	NewDebt       *big.Int
	TotalBorrowed *big.Int
}

func (Borrow) EventType() string { return TypeBorrow }

func (e Borrow) Event() *types.Event {
	return &types.Event{Type: TypeBorrow, Attributes: map[string]string{
		"symbol":        normalizeSymbol(e.Symbol),
		"borrower":      e.Borrower.String(),
		"amount":        formatAmount(e.Amount),
		"newDebt":       formatAmount(e.NewDebt),
		"totalBorrowed": formatAmount(e.TotalBorrowed),
	}}
}

// Repay records a debt repayment. Amount carries the settled value after any
// overpayment clamping.
type Repay struct {
	Symbol        string
	Borrower      crypto.Address
	Amount        *big.Int
	RemainingDebt *big.Int
	TotalBorrowed *big.Int
}

func (Repay) EventType() string { return TypeRepay }

func (e Repay) Event() *types.Event {
	return &types.Event{Type: TypeRepay, Attributes: map[string]string{
		"symbol":        normalizeSymbol(e.Symbol),
		"borrower":      e.Borrower.String(),
		"amount":        formatAmount(e.Amount),
		"remainingDebt": formatAmount(e.RemainingDebt),
		"totalBorrowed": formatAmount(e.TotalBorrowed),
	}}
}

// Liquidate records the debt repaid and collateral seized during a
// liquidation.
type Liquidate struct {
	RepaySymbol      string
	CollateralSymbol string
	Liquidator       crypto.Address
	Borrower         crypto.Address
	RepaidAmount     *big.Int
	SeizedAmount     *big.Int
	RemainingDebt    *big.Int
}

func (Liquidate) EventType() string { return TypeLiquidate }

func (e Liquidate) Event() *types.Event {
	return &types.Event{Type: TypeLiquidate, Attributes: map[string]string{
		"repaySymbol":      normalizeSymbol(e.RepaySymbol),
		"collateralSymbol": normalizeSymbol(e.CollateralSymbol),
		"liquidator":       e.Liquidator.String(),
		"borrower":         e.Borrower.String(),
		"repaidAmount":     formatAmount(e.RepaidAmount),
		"seizedAmount":     formatAmount(e.SeizedAmount),
		"remainingDebt":    formatAmount(e.RemainingDebt),
	}}
}

// MarketAccrued records an interest accrual step for a market.
type MarketAccrued struct {
	Symbol        string
	Interest      *big.Int
	ReserveShare  *big.Int
	TotalBorrowed *big.Int
	TotalSupplied *big.Int
}

func (MarketAccrued) EventType() string { return TypeMarketAccrued }

func (e MarketAccrued) Event() *types.Event {
	return &types.Event{Type: TypeMarketAccrued, Attributes: map[string]string{
		"symbol":        normalizeSymbol(e.Symbol),
		"interest":      formatAmount(e.Interest),
		"reserveShare":  formatAmount(e.ReserveShare),
		"totalBorrowed": formatAmount(e.TotalBorrowed),
		"totalSupplied": formatAmount(e.TotalSupplied),
	}}
}

// ReservesWithdrawn records a payout from a market's protocol reserves.
type ReservesWithdrawn struct {
	Symbol            string
	Recipient         crypto.Address
	Amount            *big.Int
	RemainingReserves *big.Int
}

func (ReservesWithdrawn) EventType() string { return TypeReservesWithdrawn }

func (e ReservesWithdrawn) Event() *types.Event {
	return &types.Event{Type: TypeReservesWithdrawn, Attributes: map[string]string{
		"symbol":            normalizeSymbol(e.Symbol),
		"recipient":         e.Recipient.String(),
		"amount":            formatAmount(e.Amount),
		"remainingReserves": formatAmount(e.RemainingReserves),
	}}
}

// PauseUpdated records a flip of the module pause switch.
type PauseUpdated struct {
	Paused bool
}

func (PauseUpdated) EventType() string { return TypePauseUpdated }

func (e PauseUpdated) Event() *types.Event {
	return &types.Event{Type: TypePauseUpdated, Attributes: map[string]string{
		"paused": strconv.FormatBool(e.Paused),
	}}
}
