package lending

import (
	"fmt"
	"math/big"

	"lendex/crypto"
)

// MaxHealthFactor is the sentinel health factor reported for accounts with no
// outstanding debt. Any concrete ratio stays far below it.
var MaxHealthFactor = new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// HealthFactor computes the account's cross-market collateral ratio:
// discounted collateral value divided by total debt value, both at current
// oracle prices. Accounts with no debt report MaxHealthFactor.
func (e *Engine) HealthFactor(addr crypto.Address) (*big.Rat, error) {
	return e.simulateHealth(addr, "", nil, nil)
}

// simulateHealth evaluates the account's health factor with an optional
// hypothetical adjustment applied to one market: supplyReduction shrinks the
// account's supplied balance there, borrowIncrease grows its debt. Positions
// are read at each market's stored indexes; callers accrue the market they are
// about to mutate before simulating.
func (e *Engine) simulateHealth(addr crypto.Address, adjustSymbol string, supplyReduction, borrowIncrease *big.Int) (*big.Rat, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.prices == nil {
		return nil, errNilOracle
	}

	symbols, err := e.state.MarketSymbols()
	if err != nil {
		return nil, err
	}

	collateralValue := new(big.Rat)
	debtValue := new(big.Rat)
	for _, sym := range symbols {
		market, err := e.ensureMarket(sym)
		if err != nil {
			return nil, err
		}

		supplyPos, err := e.ensureSupplyPosition(market.Symbol, addr)
		if err != nil {
			return nil, err
		}
		balance := scaleBalance(supplyPos.Balance, supplyPos.InterestIndex, market.SupplyIndex, false)

		borrowPos, err := e.ensureBorrowPosition(market.Symbol, addr)
		if err != nil {
			return nil, err
		}
		debt := scaleBalance(borrowPos.Balance, borrowPos.InterestIndex, market.BorrowIndex, true)

		if market.Symbol == adjustSymbol {
			if supplyReduction != nil {
				balance = new(big.Int).Sub(balance, supplyReduction)
				if balance.Sign() < 0 {
					balance = big.NewInt(0)
				}
			}
			if borrowIncrease != nil {
				debt = new(big.Int).Add(debt, borrowIncrease)
			}
		}

		counts := balance.Sign() > 0 && market.CollateralFactorBps > 0
		owes := debt.Sign() > 0
		if !counts && !owes {
			continue
		}

		quote, err := e.prices.Price(market.Symbol)
		if err != nil {
			return nil, fmt.Errorf("lending engine: price %s: %w", market.Symbol, err)
		}
		if quote.Rate == nil || quote.Rate.Sign() <= 0 {
			return nil, fmt.Errorf("lending engine: non-positive oracle price for %s", market.Symbol)
		}

		if counts {
			weighted := new(big.Rat).SetInt(balance)
			weighted.Mul(weighted, quote.Rate)
			weighted.Mul(weighted, bpsRat(market.CollateralFactorBps))
			collateralValue.Add(collateralValue, weighted)
		}
		if owes {
			owed := new(big.Rat).SetInt(debt)
			owed.Mul(owed, quote.Rate)
			debtValue.Add(debtValue, owed)
		}
	}

	if debtValue.Sign() == 0 {
		return new(big.Rat).Set(MaxHealthFactor), nil
	}
	return new(big.Rat).Quo(collateralValue, debtValue), nil
}

// meetsMinRatio reports whether a health factor satisfies the configured
// minimum collateral ratio.
func (e *Engine) meetsMinRatio(health *big.Rat) bool {
	if health == nil {
		return false
	}
	return health.Cmp(bpsRat(e.params.MinCollateralRatioBps)) >= 0
}
