package rpc

import (
	"math/big"

	"lendex/crypto"
	"lendex/native/lending"
)

// MarketResult is the wire view of a market snapshot. Balances and indexes
// are decimal strings so clients never lose precision to JSON numbers.
type MarketResult struct {
	Symbol              string `json:"symbol"`
	CollateralFactorBps uint64 `json:"collateralFactorBps"`
	ReserveFactorBps    uint64 `json:"reserveFactorBps"`
	TotalSupplied       string `json:"totalSupplied"`
	TotalBorrowed       string `json:"totalBorrowed"`
	Reserves            string `json:"reserves"`
	SupplyIndex         string `json:"supplyIndex"`
	BorrowIndex         string `json:"borrowIndex"`
	BorrowRateRay       string `json:"borrowRateRay"`
	SupplyRateRay       string `json:"supplyRateRay"`
	LastAccrualTime     int64  `json:"lastAccrualTime"`
}

type SupplyPositionResult struct {
	Address       string `json:"address"`
	Symbol        string `json:"symbol"`
	Balance       string `json:"balance"`
	InterestIndex string `json:"interestIndex"`
}

type BorrowPositionResult struct {
	Address        string `json:"address"`
	Symbol         string `json:"symbol"`
	Balance        string `json:"balance"`
	InterestIndex  string `json:"interestIndex"`
	LastUpdateTime int64  `json:"lastUpdateTime"`
}

// HealthFactorResult reports the cross-market collateral ratio. DebtFree is
// set when the account owes nothing and the ratio is the sentinel maximum.
type HealthFactorResult struct {
	Address      string `json:"address"`
	HealthFactor string `json:"healthFactor"`
	DebtFree     bool   `json:"debtFree"`
}

type ListMarketResult struct {
	TxHash string       `json:"txHash"`
	Market MarketResult `json:"market"`
}

type SupplyResult struct {
	TxHash  string `json:"txHash"`
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Balance string `json:"balance"`
}

type WithdrawResult struct {
	TxHash  string `json:"txHash"`
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Balance string `json:"balance"`
}

type BorrowResult struct {
	TxHash  string `json:"txHash"`
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Debt    string `json:"debt"`
}

type RepayResult struct {
	TxHash  string `json:"txHash"`
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Repaid  string `json:"repaid"`
}

type MintResult struct {
	TxHash  string `json:"txHash"`
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Amount  string `json:"amount"`
}

type LiquidateResult struct {
	TxHash           string `json:"txHash"`
	Liquidator       string `json:"liquidator"`
	Borrower         string `json:"borrower"`
	RepaySymbol      string `json:"repaySymbol"`
	CollateralSymbol string `json:"collateralSymbol"`
	Repaid           string `json:"repaid"`
	Seized           string `json:"seized"`
}

type ReservesResult struct {
	TxHash    string `json:"txHash"`
	Symbol    string `json:"symbol"`
	Recipient string `json:"recipient"`
	Withdrawn string `json:"withdrawn"`
	Remaining string `json:"remaining"`
}

type PauseResult struct {
	Paused bool `json:"paused"`
}

type BalanceResult struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Balance string `json:"balance"`
}

func formatAmount(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

func formatMarket(market *lending.Market) MarketResult {
	if market == nil {
		return MarketResult{}
	}
	return MarketResult{
		Symbol:              market.Symbol,
		CollateralFactorBps: market.CollateralFactorBps,
		ReserveFactorBps:    market.ReserveFactorBps,
		TotalSupplied:       formatAmount(market.TotalSupplied),
		TotalBorrowed:       formatAmount(market.TotalBorrowed),
		Reserves:            formatAmount(market.Reserves),
		SupplyIndex:         formatAmount(market.SupplyIndex),
		BorrowIndex:         formatAmount(market.BorrowIndex),
		BorrowRateRay:       formatAmount(market.BorrowRateRay),
		SupplyRateRay:       formatAmount(market.SupplyRateRay),
		LastAccrualTime:     market.LastAccrualTime,
	}
}

func formatSupplyPosition(addr crypto.Address, symbol string, position *lending.SupplyPosition) SupplyPositionResult {
	result := SupplyPositionResult{Address: addr.String(), Symbol: symbol, Balance: "0", InterestIndex: "0"}
	if position != nil {
		result.Balance = formatAmount(position.Balance)
		result.InterestIndex = formatAmount(position.InterestIndex)
	}
	return result
}

func formatBorrowPosition(addr crypto.Address, symbol string, position *lending.BorrowPosition) BorrowPositionResult {
	result := BorrowPositionResult{Address: addr.String(), Symbol: symbol, Balance: "0", InterestIndex: "0"}
	if position != nil {
		result.Balance = formatAmount(position.Balance)
		result.InterestIndex = formatAmount(position.InterestIndex)
		result.LastUpdateTime = position.LastUpdateTime
	}
	return result
}

func formatHealthFactor(addr crypto.Address, health *big.Rat) HealthFactorResult {
	result := HealthFactorResult{Address: addr.String(), HealthFactor: "0"}
	if health == nil {
		return result
	}
	if health.Cmp(lending.MaxHealthFactor) >= 0 {
		result.DebtFree = true
	}
	result.HealthFactor = health.FloatString(6)
	return result
}
