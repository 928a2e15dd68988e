package lending

import (
	"fmt"
	"math/big"
	"time"

	"lendex/core/events"
	"lendex/crypto"
	nativecommon "lendex/native/common"
	"lendex/oracle"
)

// ModuleName identifies this module to the pause switchboard and metrics.
const ModuleName = "lending"

type engineState interface {
	GetMarket(symbol string) (*Market, error)
	PutMarket(market *Market) error
	MarketSymbols() ([]string, error)
	GetSupplyPosition(symbol string, addr crypto.Address) (*SupplyPosition, error)
	PutSupplyPosition(symbol string, addr crypto.Address, pos *SupplyPosition) error
	GetBorrowPosition(symbol string, addr crypto.Address) (*BorrowPosition, error)
	PutBorrowPosition(symbol string, addr crypto.Address, pos *BorrowPosition) error
}

// Token moves asset balances on the engine's behalf. Transfer pays out of the
// pool vault; TransferFrom pulls funds from a user account. A false return or
// an error both abort the surrounding operation as a transfer failure.
type Token interface {
	Transfer(symbol string, to crypto.Address, amount *big.Int) (bool, error)
	TransferFrom(symbol string, from, to crypto.Address, amount *big.Int) (bool, error)
}

// Engine orchestrates the state transitions of the lending market. Operations
// follow a fixed ordering: accrue interest, validate (including solvency),
// mutate ledger state, and only then touch the token ledger, with outbound
// transfers as the final step.
type Engine struct {
	state         engineState
	tokens        Token
	prices        oracle.PriceOracle
	vault         crypto.Address
	admin         crypto.Address
	params        RiskParameters
	interestModel *InterestModel
	emitter       events.Emitter
	pauses        nativecommon.PauseView
	nowFn         func() int64
}

// NewEngine constructs a lending engine bound to the pool vault address and
// risk parameters. State, token ledger and price oracle are wired through the
// setters before use.
func NewEngine(vault crypto.Address, params RiskParameters) *Engine {
	return &Engine{
		vault:         vault,
		params:        params,
		interestModel: DefaultInterestModel.Clone(),
		emitter:       events.NoopEmitter{},
		nowFn:         func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the persistence layer.
func (e *Engine) SetState(state engineState) {
	if e == nil {
		return
	}
	e.state = state
}

// SetTokens wires the token ledger used for external transfers.
func (e *Engine) SetTokens(tokens Token) {
	if e == nil {
		return
	}
	e.tokens = tokens
}

// SetOracle wires the price feed consulted by the health monitor.
func (e *Engine) SetOracle(prices oracle.PriceOracle) {
	if e == nil {
		return
	}
	e.prices = prices
}

// SetAdmin configures the address allowed to list markets and withdraw
// reserves.
func (e *Engine) SetAdmin(admin crypto.Address) {
	if e == nil {
		return
	}
	e.admin = admin
}

// SetInterestModel configures the rate model used during accrual. Passing nil
// restores the default model.
func (e *Engine) SetInterestModel(model *InterestModel) {
	if e == nil {
		return
	}
	if model != nil {
		e.interestModel = model.Clone()
	} else {
		e.interestModel = DefaultInterestModel.Clone()
	}
}

// SetEmitter configures the event sink. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the module pause switchboard.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the time source used for accrual. Primarily intended
// for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Params returns the configured risk parameters.
func (e *Engine) Params() RiskParameters {
	if e == nil {
		return RiskParameters{}
	}
	return e.params
}

// Vault returns the pool treasury address.
func (e *Engine) Vault() crypto.Address {
	if e == nil {
		return crypto.Address{}
	}
	return e.vault
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) guard() error {
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return errModulePaused
	}
	return nil
}

// NormalizeSymbol canonicalises a market symbol the way the engine stores it,
// sharing the oracle's NFKC fold so both sides resolve the same market.
func NormalizeSymbol(symbol string) string {
	return oracle.NormalizeSymbol(symbol)
}

func validSymbol(symbol string) bool {
	if len(symbol) == 0 || len(symbol) > 16 {
		return false
	}
	for _, r := range symbol {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// ListMarket registers a new asset with its risk factors. Admin only; markets
// are permanent once listed. Listing is allowed while the module is paused so
// operators can stage markets ahead of resuming flows.
func (e *Engine) ListMarket(caller crypto.Address, symbol string, collateralFactorBps, reserveFactorBps uint64) (*Market, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.admin.IsZero() || !caller.Equal(e.admin) {
		return nil, errNotAdmin
	}
	sym := NormalizeSymbol(symbol)
	if !validSymbol(sym) {
		return nil, errInvalidSymbol
	}
	if collateralFactorBps > 10_000 || reserveFactorBps > 10_000 {
		return nil, errFactorRange
	}
	existing, err := e.state.GetMarket(sym)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errMarketExists
	}

	market := &Market{
		Symbol:              sym,
		CollateralFactorBps: collateralFactorBps,
		ReserveFactorBps:    reserveFactorBps,
		TotalSupplied:       big.NewInt(0),
		TotalBorrowed:       big.NewInt(0),
		Reserves:            big.NewInt(0),
		SupplyIndex:         new(big.Int).Set(ray),
		BorrowIndex:         new(big.Int).Set(ray),
		LastAccrualTime:     e.now(),
	}
	e.refreshRates(market)

	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}

	e.emit(events.MarketListed{
		Symbol:              sym,
		CollateralFactorBps: collateralFactorBps,
		ReserveFactorBps:    reserveFactorBps,
	})
	return market.Clone(), nil
}

// Supply deposits liquidity into a market. The supplier's funds are pulled in
// before the ledger is credited; no health check applies because supplying
// never reduces solvency. Returns the supplier's new balance.
func (e *Engine) Supply(supplier crypto.Address, symbol string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.tokens == nil {
		return nil, errNilTokens
	}
	if err := e.guard(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}

	market, err := e.ensureMarket(symbol)
	if err != nil {
		return nil, err
	}
	e.accrue(market)

	pos, err := e.ensureSupplyPosition(market.Symbol, supplier)
	if err != nil {
		return nil, err
	}
	balance := scaleBalance(pos.Balance, pos.InterestIndex, market.SupplyIndex, false)

	ok, err := e.tokens.TransferFrom(market.Symbol, supplier, e.vault, amount)
	if err != nil || !ok {
		return nil, transferFailed("pull", market.Symbol, err)
	}

	pos.Balance = new(big.Int).Add(balance, amount)
	pos.InterestIndex = new(big.Int).Set(market.SupplyIndex)
	market.TotalSupplied = new(big.Int).Add(market.TotalSupplied, amount)

	if err := e.state.PutSupplyPosition(market.Symbol, supplier, pos); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}

	e.emit(events.Supply{
		Symbol:        market.Symbol,
		Supplier:      supplier,
		Amount:        new(big.Int).Set(amount),
		NewBalance:    new(big.Int).Set(pos.Balance),
		TotalSupplied: new(big.Int).Set(market.TotalSupplied),
	})
	return new(big.Int).Set(pos.Balance), nil
}

// Withdraw redeems supplied liquidity. The post-withdrawal position must stay
// at or above the minimum collateral ratio; the outbound transfer is the last
// step. Returns the supplier's remaining balance.
func (e *Engine) Withdraw(supplier crypto.Address, symbol string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.tokens == nil {
		return nil, errNilTokens
	}
	if err := e.guard(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}

	market, err := e.ensureMarket(symbol)
	if err != nil {
		return nil, err
	}
	e.accrue(market)

	pos, err := e.ensureSupplyPosition(market.Symbol, supplier)
	if err != nil {
		return nil, err
	}
	balance := scaleBalance(pos.Balance, pos.InterestIndex, market.SupplyIndex, false)
	if balance.Cmp(amount) < 0 {
		return nil, errInsufficientBalance
	}
	if availableLiquidity(market).Cmp(amount) < 0 {
		return nil, errInsufficientLiquidity
	}

	health, err := e.simulateHealth(supplier, market.Symbol, amount, nil)
	if err != nil {
		return nil, err
	}
	if !e.meetsMinRatio(health) {
		return nil, errBelowMinRatio
	}

	pos.Balance = new(big.Int).Sub(balance, amount)
	pos.InterestIndex = new(big.Int).Set(market.SupplyIndex)
	market.TotalSupplied = new(big.Int).Sub(market.TotalSupplied, amount)

	if err := e.state.PutSupplyPosition(market.Symbol, supplier, pos); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}

	ok, err := e.tokens.Transfer(market.Symbol, supplier, amount)
	if err != nil || !ok {
		return nil, transferFailed("pay", market.Symbol, err)
	}

	e.emit(events.Withdraw{
		Symbol:        market.Symbol,
		Supplier:      supplier,
		Amount:        new(big.Int).Set(amount),
		NewBalance:    new(big.Int).Set(pos.Balance),
		TotalSupplied: new(big.Int).Set(market.TotalSupplied),
	})
	return new(big.Int).Set(pos.Balance), nil
}

// Borrow draws liquidity against the caller's collateral. Health is evaluated
// with the projected debt before anything is committed; the outbound transfer
// is the last step. Returns the borrower's new debt in the market.
func (e *Engine) Borrow(borrower crypto.Address, symbol string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.tokens == nil {
		return nil, errNilTokens
	}
	if err := e.guard(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}

	market, err := e.ensureMarket(symbol)
	if err != nil {
		return nil, err
	}
	e.accrue(market)

	projected := new(big.Int).Add(market.TotalBorrowed, amount)
	if projected.Cmp(market.TotalSupplied) > 0 {
		return nil, errInsufficientLiquidity
	}

	health, err := e.simulateHealth(borrower, market.Symbol, nil, amount)
	if err != nil {
		return nil, err
	}
	if !e.meetsMinRatio(health) {
		return nil, errBelowMinRatio
	}

	pos, err := e.ensureBorrowPosition(market.Symbol, borrower)
	if err != nil {
		return nil, err
	}
	debt := scaleBalance(pos.Balance, pos.InterestIndex, market.BorrowIndex, true)

	pos.Balance = new(big.Int).Add(debt, amount)
	pos.InterestIndex = new(big.Int).Set(market.BorrowIndex)
	pos.LastUpdateTime = e.now()
	market.TotalBorrowed = projected

	if err := e.state.PutBorrowPosition(market.Symbol, borrower, pos); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}

	ok, err := e.tokens.Transfer(market.Symbol, borrower, amount)
	if err != nil || !ok {
		return nil, transferFailed("pay", market.Symbol, err)
	}

	e.emit(events.Borrow{
		Symbol:        market.Symbol,
		Borrower:      borrower,
		Amount:        new(big.Int).Set(amount),
		NewDebt:       new(big.Int).Set(pos.Balance),
		TotalBorrowed: new(big.Int).Set(market.TotalBorrowed),
	})
	return new(big.Int).Set(pos.Balance), nil
}

// Repay settles outstanding debt. Overpayment is clamped to the outstanding
// balance rather than rejected; the settled amount is returned. Funds are
// pulled in before the ledger is updated.
func (e *Engine) Repay(borrower crypto.Address, symbol string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.tokens == nil {
		return nil, errNilTokens
	}
	if err := e.guard(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}

	market, err := e.ensureMarket(symbol)
	if err != nil {
		return nil, err
	}
	e.accrue(market)

	pos, err := e.ensureBorrowPosition(market.Symbol, borrower)
	if err != nil {
		return nil, err
	}
	debt := scaleBalance(pos.Balance, pos.InterestIndex, market.BorrowIndex, true)
	if debt.Sign() == 0 {
		return nil, errNoDebt
	}

	repayAmount := new(big.Int).Set(amount)
	if repayAmount.Cmp(debt) > 0 {
		repayAmount = new(big.Int).Set(debt)
	}

	ok, err := e.tokens.TransferFrom(market.Symbol, borrower, e.vault, repayAmount)
	if err != nil || !ok {
		return nil, transferFailed("pull", market.Symbol, err)
	}

	pos.Balance = new(big.Int).Sub(debt, repayAmount)
	pos.InterestIndex = new(big.Int).Set(market.BorrowIndex)
	pos.LastUpdateTime = e.now()
	market.TotalBorrowed = new(big.Int).Sub(market.TotalBorrowed, repayAmount)
	if market.TotalBorrowed.Sign() < 0 {
		// Index rounding can leave the aggregate a hair behind the
		// position sums.
		market.TotalBorrowed = big.NewInt(0)
	}

	if err := e.state.PutBorrowPosition(market.Symbol, borrower, pos); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}

	e.emit(events.Repay{
		Symbol:        market.Symbol,
		Borrower:      borrower,
		Amount:        new(big.Int).Set(repayAmount),
		RemainingDebt: new(big.Int).Set(pos.Balance),
		TotalBorrowed: new(big.Int).Set(market.TotalBorrowed),
	})
	return new(big.Int).Set(repayAmount), nil
}

// Liquidate lets a third party repay part of an unhealthy borrower's debt in
// exchange for collateral priced at the liquidation discount. Requesting more
// than the outstanding debt is rejected rather than capped. The repaid and
// seized amounts are returned.
func (e *Engine) Liquidate(liquidator, borrower crypto.Address, repaySymbol, collateralSymbol string, repayAmount *big.Int) (*big.Int, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	if e.tokens == nil {
		return nil, nil, errNilTokens
	}
	if e.prices == nil {
		return nil, nil, errNilOracle
	}
	if err := e.guard(); err != nil {
		return nil, nil, err
	}
	if repayAmount == nil || repayAmount.Sign() <= 0 {
		return nil, nil, errInvalidAmount
	}
	if liquidator.Equal(borrower) {
		return nil, nil, errSelfLiquidation
	}

	repayMarket, err := e.ensureMarket(repaySymbol)
	if err != nil {
		return nil, nil, err
	}
	collateralMarket := repayMarket
	if NormalizeSymbol(collateralSymbol) != repayMarket.Symbol {
		collateralMarket, err = e.ensureMarket(collateralSymbol)
		if err != nil {
			return nil, nil, err
		}
	}

	e.accrue(repayMarket)
	if collateralMarket != repayMarket {
		e.accrue(collateralMarket)
	}

	health, err := e.HealthFactor(borrower)
	if err != nil {
		return nil, nil, err
	}
	if e.meetsMinRatio(health) {
		return nil, nil, errNotLiquidatable
	}

	borrowPos, err := e.ensureBorrowPosition(repayMarket.Symbol, borrower)
	if err != nil {
		return nil, nil, err
	}
	debt := scaleBalance(borrowPos.Balance, borrowPos.InterestIndex, repayMarket.BorrowIndex, true)
	if repayAmount.Cmp(debt) > 0 {
		return nil, nil, errRepayExceedsDebt
	}

	seized, err := e.seizedCollateral(repayMarket.Symbol, collateralMarket.Symbol, repayAmount)
	if err != nil {
		return nil, nil, err
	}

	supplyPos, err := e.ensureSupplyPosition(collateralMarket.Symbol, borrower)
	if err != nil {
		return nil, nil, err
	}
	collateralBalance := scaleBalance(supplyPos.Balance, supplyPos.InterestIndex, collateralMarket.SupplyIndex, false)
	if collateralBalance.Cmp(seized) < 0 {
		return nil, nil, errInsufficientCollateral
	}
	projectedSupplied := new(big.Int).Sub(collateralMarket.TotalSupplied, seized)
	if projectedSupplied.Cmp(collateralMarket.TotalBorrowed) < 0 {
		return nil, nil, errInsufficientLiquidity
	}

	ok, err := e.tokens.TransferFrom(repayMarket.Symbol, liquidator, e.vault, repayAmount)
	if err != nil || !ok {
		return nil, nil, transferFailed("pull", repayMarket.Symbol, err)
	}

	borrowPos.Balance = new(big.Int).Sub(debt, repayAmount)
	borrowPos.InterestIndex = new(big.Int).Set(repayMarket.BorrowIndex)
	borrowPos.LastUpdateTime = e.now()
	repayMarket.TotalBorrowed = new(big.Int).Sub(repayMarket.TotalBorrowed, repayAmount)
	if repayMarket.TotalBorrowed.Sign() < 0 {
		repayMarket.TotalBorrowed = big.NewInt(0)
	}

	supplyPos.Balance = new(big.Int).Sub(collateralBalance, seized)
	supplyPos.InterestIndex = new(big.Int).Set(collateralMarket.SupplyIndex)
	collateralMarket.TotalSupplied = projectedSupplied

	if err := e.state.PutBorrowPosition(repayMarket.Symbol, borrower, borrowPos); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutSupplyPosition(collateralMarket.Symbol, borrower, supplyPos); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutMarket(repayMarket); err != nil {
		return nil, nil, err
	}
	if collateralMarket != repayMarket {
		if err := e.state.PutMarket(collateralMarket); err != nil {
			return nil, nil, err
		}
	}

	ok, err = e.tokens.Transfer(collateralMarket.Symbol, liquidator, seized)
	if err != nil || !ok {
		return nil, nil, transferFailed("pay", collateralMarket.Symbol, err)
	}

	e.emit(events.Liquidate{
		RepaySymbol:      repayMarket.Symbol,
		CollateralSymbol: collateralMarket.Symbol,
		Liquidator:       liquidator,
		Borrower:         borrower,
		RepaidAmount:     new(big.Int).Set(repayAmount),
		SeizedAmount:     new(big.Int).Set(seized),
		RemainingDebt:    new(big.Int).Set(borrowPos.Balance),
	})
	return new(big.Int).Set(repayAmount), new(big.Int).Set(seized), nil
}

// seizedCollateral prices the repaid debt into collateral units at the
// liquidation discount: repay * price(repay) / (discount * price(collateral)),
// rounded down so the pool never over-pays the liquidator.
func (e *Engine) seizedCollateral(repaySymbol, collateralSymbol string, repayAmount *big.Int) (*big.Int, error) {
	repayQuote, err := e.prices.Price(repaySymbol)
	if err != nil {
		return nil, fmt.Errorf("lending engine: price %s: %w", repaySymbol, err)
	}
	collateralQuote := repayQuote
	if repaySymbol != collateralSymbol {
		collateralQuote, err = e.prices.Price(collateralSymbol)
		if err != nil {
			return nil, fmt.Errorf("lending engine: price %s: %w", collateralSymbol, err)
		}
	}
	if repayQuote.Rate == nil || repayQuote.Rate.Sign() <= 0 || collateralQuote.Rate == nil || collateralQuote.Rate.Sign() <= 0 {
		return nil, fmt.Errorf("lending engine: non-positive oracle price for %s/%s", repaySymbol, collateralSymbol)
	}

	value := new(big.Rat).SetInt(repayAmount)
	value.Mul(value, repayQuote.Rate)
	divisor := new(big.Rat).Mul(bpsRat(e.params.LiquidationDiscountBps), collateralQuote.Rate)
	value.Quo(value, divisor)
	return ratFloor(value), nil
}

// Accrue rolls a market's interest forward to the current time and refreshes
// its stored rates. Safe to call at any frequency; with no elapsed time it is
// a no-op beyond the rate refresh.
func (e *Engine) Accrue(symbol string) (*Market, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	market, err := e.ensureMarket(symbol)
	if err != nil {
		return nil, err
	}
	e.accrue(market)
	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}
	return market.Clone(), nil
}

// WithdrawReserves pays accrued protocol reserves out of a market. Admin
// only; the outbound transfer is the last step.
func (e *Engine) WithdrawReserves(caller crypto.Address, symbol string, recipient crypto.Address, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.tokens == nil {
		return nil, errNilTokens
	}
	if err := e.guard(); err != nil {
		return nil, err
	}
	if e.admin.IsZero() || !caller.Equal(e.admin) {
		return nil, errNotAdmin
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}

	market, err := e.ensureMarket(symbol)
	if err != nil {
		return nil, err
	}
	e.accrue(market)

	if market.Reserves.Cmp(amount) < 0 {
		return nil, errInsufficientReserves
	}
	if availableLiquidity(market).Cmp(amount) < 0 {
		return nil, errInsufficientLiquidity
	}

	market.Reserves = new(big.Int).Sub(market.Reserves, amount)
	market.TotalSupplied = new(big.Int).Sub(market.TotalSupplied, amount)

	if err := e.state.PutMarket(market); err != nil {
		return nil, err
	}

	ok, err := e.tokens.Transfer(market.Symbol, recipient, amount)
	if err != nil || !ok {
		return nil, transferFailed("pay", market.Symbol, err)
	}

	e.emit(events.ReservesWithdrawn{
		Symbol:            market.Symbol,
		Recipient:         recipient,
		Amount:            new(big.Int).Set(amount),
		RemainingReserves: new(big.Int).Set(market.Reserves),
	})
	return new(big.Int).Set(amount), nil
}

// GetMarket returns a copy of the market record. Stored rates are current:
// every balance-affecting operation refreshes them through accrual.
func (e *Engine) GetMarket(symbol string) (*Market, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	market, err := e.ensureMarket(symbol)
	if err != nil {
		return nil, err
	}
	return market.Clone(), nil
}

// ListMarkets returns copies of every listed market, ordered by symbol.
func (e *Engine) ListMarkets() ([]*Market, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	symbols, err := e.state.MarketSymbols()
	if err != nil {
		return nil, err
	}
	markets := make([]*Market, 0, len(symbols))
	for _, sym := range symbols {
		market, err := e.ensureMarket(sym)
		if err != nil {
			return nil, err
		}
		markets = append(markets, market.Clone())
	}
	return markets, nil
}

// GetSupplyPosition returns the account's supplied balance in a market, rolled
// forward to the market's last accrual.
func (e *Engine) GetSupplyPosition(symbol string, addr crypto.Address) (*SupplyPosition, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	market, err := e.ensureMarket(symbol)
	if err != nil {
		return nil, err
	}
	pos, err := e.ensureSupplyPosition(market.Symbol, addr)
	if err != nil {
		return nil, err
	}
	return &SupplyPosition{
		Balance:       scaleBalance(pos.Balance, pos.InterestIndex, market.SupplyIndex, false),
		InterestIndex: new(big.Int).Set(market.SupplyIndex),
	}, nil
}

// GetBorrowPosition returns the account's debt in a market, rolled forward to
// the market's last accrual.
func (e *Engine) GetBorrowPosition(symbol string, addr crypto.Address) (*BorrowPosition, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	market, err := e.ensureMarket(symbol)
	if err != nil {
		return nil, err
	}
	pos, err := e.ensureBorrowPosition(market.Symbol, addr)
	if err != nil {
		return nil, err
	}
	return &BorrowPosition{
		Balance:        scaleBalance(pos.Balance, pos.InterestIndex, market.BorrowIndex, true),
		InterestIndex:  new(big.Int).Set(market.BorrowIndex),
		LastUpdateTime: pos.LastUpdateTime,
	}, nil
}

func (e *Engine) ensureMarket(symbol string) (*Market, error) {
	sym := NormalizeSymbol(symbol)
	if !validSymbol(sym) {
		return nil, errInvalidSymbol
	}
	market, err := e.state.GetMarket(sym)
	if err != nil {
		return nil, err
	}
	if market == nil {
		return nil, errMarketNotListed
	}
	if market.TotalSupplied == nil {
		market.TotalSupplied = big.NewInt(0)
	}
	if market.TotalBorrowed == nil {
		market.TotalBorrowed = big.NewInt(0)
	}
	if market.Reserves == nil {
		market.Reserves = big.NewInt(0)
	}
	if market.SupplyIndex == nil || market.SupplyIndex.Sign() == 0 {
		market.SupplyIndex = new(big.Int).Set(ray)
	}
	if market.BorrowIndex == nil || market.BorrowIndex.Sign() == 0 {
		market.BorrowIndex = new(big.Int).Set(ray)
	}
	if market.BorrowRateRay == nil {
		market.BorrowRateRay = big.NewInt(0)
	}
	if market.SupplyRateRay == nil {
		market.SupplyRateRay = big.NewInt(0)
	}
	return market, nil
}

func (e *Engine) ensureSupplyPosition(symbol string, addr crypto.Address) (*SupplyPosition, error) {
	pos, err := e.state.GetSupplyPosition(symbol, addr)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &SupplyPosition{}
	}
	if pos.Balance == nil {
		pos.Balance = big.NewInt(0)
	}
	if pos.InterestIndex == nil || pos.InterestIndex.Sign() == 0 {
		pos.InterestIndex = new(big.Int).Set(ray)
	}
	return pos, nil
}

func (e *Engine) ensureBorrowPosition(symbol string, addr crypto.Address) (*BorrowPosition, error) {
	pos, err := e.state.GetBorrowPosition(symbol, addr)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &BorrowPosition{}
	}
	if pos.Balance == nil {
		pos.Balance = big.NewInt(0)
	}
	if pos.InterestIndex == nil || pos.InterestIndex.Sign() == 0 {
		pos.InterestIndex = new(big.Int).Set(ray)
	}
	return pos, nil
}

// accrue rolls indexes and totals forward to the current time and refreshes
// the stored rates. Calling it twice within the same second changes nothing
// beyond the first call.
func (e *Engine) accrue(market *Market) {
	if market == nil {
		return
	}
	now := e.now()
	elapsed := now - market.LastAccrualTime
	if elapsed < 0 {
		elapsed = 0
	}

	if elapsed > 0 && market.TotalBorrowed != nil && market.TotalBorrowed.Sign() > 0 {
		borrowAPR := e.interestModel.BorrowAPR(market.TotalBorrowed, market.TotalSupplied)
		if borrowAPR.Sign() > 0 {
			supplyRate := e.interestModel.SupplyRate(market.TotalBorrowed, market.TotalSupplied, market.ReserveFactorBps)

			market.BorrowIndex = rayMul(market.BorrowIndex, rateFactor(borrowAPR, elapsed))
			market.SupplyIndex = rayMul(market.SupplyIndex, rateFactor(supplyRate, elapsed))

			interest := computeInterest(market.TotalBorrowed, borrowAPR, elapsed)
			if interest.Sign() > 0 {
				reserveShare := bpsShare(interest, market.ReserveFactorBps)
				market.TotalBorrowed = new(big.Int).Add(market.TotalBorrowed, interest)
				market.TotalSupplied = new(big.Int).Add(market.TotalSupplied, interest)
				market.Reserves = new(big.Int).Add(market.Reserves, reserveShare)

				e.emit(events.MarketAccrued{
					Symbol:        market.Symbol,
					Interest:      new(big.Int).Set(interest),
					ReserveShare:  new(big.Int).Set(reserveShare),
					TotalBorrowed: new(big.Int).Set(market.TotalBorrowed),
					TotalSupplied: new(big.Int).Set(market.TotalSupplied),
				})
			}
		}
	}

	if now > market.LastAccrualTime {
		market.LastAccrualTime = now
	}
	e.refreshRates(market)
}

// refreshRates recomputes the stored rates from the current totals.
func (e *Engine) refreshRates(market *Market) {
	if market == nil {
		return
	}
	borrowAPR := e.interestModel.BorrowAPR(market.TotalBorrowed, market.TotalSupplied)
	supplyRate := e.interestModel.SupplyRate(market.TotalBorrowed, market.TotalSupplied, market.ReserveFactorBps)
	market.BorrowRateRay = rateToRay(borrowAPR)
	market.SupplyRateRay = rateToRay(supplyRate)
}

func availableLiquidity(market *Market) *big.Int {
	liquidity := new(big.Int).Sub(market.TotalSupplied, market.TotalBorrowed)
	if liquidity.Sign() < 0 {
		return big.NewInt(0)
	}
	return liquidity
}
