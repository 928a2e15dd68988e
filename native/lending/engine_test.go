package lending

import (
	"errors"
	"math/big"
	"sort"
	"testing"
	"time"

	"lendex/crypto"
	"lendex/oracle"
)

const testBaseTime int64 = 1_700_000_000

var (
	testVault = makeAddress(0x01)
	testAdmin = makeAddress(0x02)
)

type mockEngineState struct {
	markets  map[string]*Market
	supplies map[string]*SupplyPosition
	borrows  map[string]*BorrowPosition
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		markets:  make(map[string]*Market),
		supplies: make(map[string]*SupplyPosition),
		borrows:  make(map[string]*BorrowPosition),
	}
}

func (m *mockEngineState) posKey(symbol string, addr crypto.Address) string {
	return symbol + "/" + string(addr.Bytes())
}

func (m *mockEngineState) GetMarket(symbol string) (*Market, error) {
	return m.markets[symbol], nil
}

func (m *mockEngineState) PutMarket(market *Market) error {
	m.markets[market.Symbol] = market
	return nil
}

func (m *mockEngineState) MarketSymbols() ([]string, error) {
	symbols := make([]string, 0, len(m.markets))
	for sym := range m.markets {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (m *mockEngineState) GetSupplyPosition(symbol string, addr crypto.Address) (*SupplyPosition, error) {
	return m.supplies[m.posKey(symbol, addr)], nil
}

func (m *mockEngineState) PutSupplyPosition(symbol string, addr crypto.Address, pos *SupplyPosition) error {
	m.supplies[m.posKey(symbol, addr)] = pos
	return nil
}

func (m *mockEngineState) GetBorrowPosition(symbol string, addr crypto.Address) (*BorrowPosition, error) {
	return m.borrows[m.posKey(symbol, addr)], nil
}

func (m *mockEngineState) PutBorrowPosition(symbol string, addr crypto.Address, pos *BorrowPosition) error {
	m.borrows[m.posKey(symbol, addr)] = pos
	return nil
}

type mockTokens struct {
	vault    crypto.Address
	balances map[string]map[string]*big.Int
	failPull bool
	failPay  bool
}

func newMockTokens(vault crypto.Address) *mockTokens {
	return &mockTokens{vault: vault, balances: make(map[string]map[string]*big.Int)}
}

func (m *mockTokens) key(addr crypto.Address) string {
	return string(addr.Bytes())
}

func (m *mockTokens) setBalance(symbol string, addr crypto.Address, amount int64) {
	if m.balances[symbol] == nil {
		m.balances[symbol] = make(map[string]*big.Int)
	}
	m.balances[symbol][m.key(addr)] = big.NewInt(amount)
}

func (m *mockTokens) balanceOf(symbol string, addr crypto.Address) *big.Int {
	if m.balances[symbol] == nil {
		return big.NewInt(0)
	}
	if bal, ok := m.balances[symbol][m.key(addr)]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (m *mockTokens) move(symbol string, from, to crypto.Address, amount *big.Int) (bool, error) {
	if m.balances[symbol] == nil {
		m.balances[symbol] = make(map[string]*big.Int)
	}
	source := m.balances[symbol][m.key(from)]
	if source == nil {
		source = big.NewInt(0)
	}
	if source.Cmp(amount) < 0 {
		return false, nil
	}
	dest := m.balances[symbol][m.key(to)]
	if dest == nil {
		dest = big.NewInt(0)
	}
	m.balances[symbol][m.key(from)] = new(big.Int).Sub(source, amount)
	m.balances[symbol][m.key(to)] = new(big.Int).Add(dest, amount)
	return true, nil
}

func (m *mockTokens) Transfer(symbol string, to crypto.Address, amount *big.Int) (bool, error) {
	if m.failPay {
		return false, nil
	}
	return m.move(symbol, m.vault, to, amount)
}

func (m *mockTokens) TransferFrom(symbol string, from, to crypto.Address, amount *big.Int) (bool, error) {
	if m.failPull {
		return false, nil
	}
	return m.move(symbol, from, to, amount)
}

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.LendexPrefix, raw)
}

func newTestEngine(t *testing.T) (*Engine, *mockEngineState, *mockTokens, *oracle.ManualOracle) {
	t.Helper()
	engine := NewEngine(testVault, DefaultRiskParameters())
	state := newMockEngineState()
	tokens := newMockTokens(testVault)
	prices := oracle.NewManualOracle()
	engine.SetState(state)
	engine.SetTokens(tokens)
	engine.SetOracle(prices)
	engine.SetAdmin(testAdmin)
	engine.SetNowFunc(func() int64 { return testBaseTime })
	return engine, state, tokens, prices
}

func mustListMarket(t *testing.T, engine *Engine, symbol string, collateralBps, reserveBps uint64) {
	t.Helper()
	if _, err := engine.ListMarket(testAdmin, symbol, collateralBps, reserveBps); err != nil {
		t.Fatalf("list market %s: %v", symbol, err)
	}
}

func setPrice(t *testing.T, prices *oracle.ManualOracle, symbol string, rate *big.Rat) {
	t.Helper()
	prices.Set(symbol, rate, time.Unix(testBaseTime, 0))
}

func TestListMarketValidation(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	outsider := makeAddress(0x30)

	if _, err := engine.ListMarket(outsider, "COLL", 7500, 0); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected authorization error for outsider, got %v", err)
	}
	if _, err := engine.ListMarket(testAdmin, "bad symbol!", 7500, 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for malformed symbol, got %v", err)
	}
	if _, err := engine.ListMarket(testAdmin, "COLL", 10_001, 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for collateral factor, got %v", err)
	}
	if _, err := engine.ListMarket(testAdmin, "COLL", 7500, 10_001); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for reserve factor, got %v", err)
	}

	market, err := engine.ListMarket(testAdmin, " coll ", 7500, 1000)
	if err != nil {
		t.Fatalf("list market: %v", err)
	}
	if market.Symbol != "COLL" {
		t.Fatalf("expected normalised symbol COLL, got %s", market.Symbol)
	}
	if market.SupplyIndex.Cmp(ray) != 0 || market.BorrowIndex.Cmp(ray) != 0 {
		t.Fatalf("expected fresh indexes at ray, got supply=%s borrow=%s", market.SupplyIndex, market.BorrowIndex)
	}
	if market.LastAccrualTime != testBaseTime {
		t.Fatalf("unexpected accrual time: %d", market.LastAccrualTime)
	}

	if _, err := engine.ListMarket(testAdmin, "COLL", 5000, 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for duplicate listing, got %v", err)
	}
	if stored := state.markets["COLL"]; stored == nil || stored.CollateralFactorBps != 7500 {
		t.Fatalf("duplicate listing must not overwrite the original market: %+v", stored)
	}
}

func TestSupplyWithdrawRoundTrip(t *testing.T) {
	engine, state, tokens, _ := newTestEngine(t)
	supplier := makeAddress(0x10)

	mustListMarket(t, engine, "COLL", 7500, 0)
	tokens.setBalance("COLL", supplier, 1_000)

	balance, err := engine.Supply(supplier, "COLL", big.NewInt(1_000))
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if balance.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected supplied balance: %s", balance)
	}
	if got := tokens.balanceOf("COLL", supplier); got.Sign() != 0 {
		t.Fatalf("expected supplier tokens pulled, got %s", got)
	}
	if got := tokens.balanceOf("COLL", testVault); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected vault to hold 1000, got %s", got)
	}
	if state.markets["COLL"].TotalSupplied.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected total supplied: %s", state.markets["COLL"].TotalSupplied)
	}

	remaining, err := engine.Withdraw(supplier, "COLL", big.NewInt(1_000))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if remaining.Sign() != 0 {
		t.Fatalf("expected empty position after withdraw, got %s", remaining)
	}
	if got := tokens.balanceOf("COLL", supplier); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected supplier tokens returned, got %s", got)
	}
	if got := tokens.balanceOf("COLL", testVault); got.Sign() != 0 {
		t.Fatalf("expected vault drained, got %s", got)
	}
	if state.markets["COLL"].TotalSupplied.Sign() != 0 {
		t.Fatalf("unexpected total supplied after withdraw: %s", state.markets["COLL"].TotalSupplied)
	}
}

func TestSupplyRejectsInvalidAmount(t *testing.T) {
	engine, _, tokens, _ := newTestEngine(t)
	supplier := makeAddress(0x10)
	mustListMarket(t, engine, "COLL", 7500, 0)
	tokens.setBalance("COLL", supplier, 100)

	if _, err := engine.Supply(supplier, "COLL", big.NewInt(0)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for zero amount, got %v", err)
	}
	if _, err := engine.Supply(supplier, "COLL", big.NewInt(-5)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for negative amount, got %v", err)
	}
	if _, err := engine.Supply(supplier, "MISSING", big.NewInt(10)); !errors.Is(err, ErrState) {
		t.Fatalf("expected state error for unlisted market, got %v", err)
	}
}

func TestSupplyTransferFailureAborts(t *testing.T) {
	engine, state, tokens, _ := newTestEngine(t)
	supplier := makeAddress(0x10)
	mustListMarket(t, engine, "COLL", 7500, 0)
	tokens.setBalance("COLL", supplier, 50)

	if _, err := engine.Supply(supplier, "COLL", big.NewInt(100)); !errors.Is(err, ErrTransfer) {
		t.Fatalf("expected transfer error for underfunded supplier, got %v", err)
	}
	if state.markets["COLL"].TotalSupplied.Sign() != 0 {
		t.Fatalf("expected market untouched after failed pull, got %s", state.markets["COLL"].TotalSupplied)
	}
	if pos := state.supplies[state.posKey("COLL", supplier)]; pos != nil && pos.Balance.Sign() != 0 {
		t.Fatalf("expected no supply position after failed pull, got %s", pos.Balance)
	}
}

// A supplier with 1000 collateral at a 75% collateral factor can borrow 500:
// the health factor lands at 1.5, comfortably above the 1.25 minimum.
func TestBorrowWithinLimit(t *testing.T) {
	engine, state, tokens, prices := newTestEngine(t)
	borrower := makeAddress(0x10)
	lp := makeAddress(0x11)

	mustListMarket(t, engine, "COLL", 7500, 0)
	mustListMarket(t, engine, "DEBT", 0, 0)
	setPrice(t, prices, "COLL", big.NewRat(1, 1))
	setPrice(t, prices, "DEBT", big.NewRat(1, 1))

	tokens.setBalance("COLL", borrower, 1_000)
	tokens.setBalance("DEBT", lp, 1_000)
	if _, err := engine.Supply(borrower, "COLL", big.NewInt(1_000)); err != nil {
		t.Fatalf("supply collateral: %v", err)
	}
	if _, err := engine.Supply(lp, "DEBT", big.NewInt(1_000)); err != nil {
		t.Fatalf("supply liquidity: %v", err)
	}

	debt, err := engine.Borrow(borrower, "DEBT", big.NewInt(500))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if debt.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected debt: %s", debt)
	}
	if got := tokens.balanceOf("DEBT", borrower); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected borrower to receive 500, got %s", got)
	}
	if state.markets["DEBT"].TotalBorrowed.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected total borrowed: %s", state.markets["DEBT"].TotalBorrowed)
	}

	health, err := engine.HealthFactor(borrower)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if health.Cmp(big.NewRat(3, 2)) != 0 {
		t.Fatalf("unexpected health factor: %s", health.RatString())
	}
}

// Borrowing 900 against the same collateral would put the health factor at
// 750/900, below the minimum; the request is rejected and nothing moves.
func TestBorrowBeyondLimitRejected(t *testing.T) {
	engine, state, tokens, prices := newTestEngine(t)
	borrower := makeAddress(0x10)
	lp := makeAddress(0x11)

	mustListMarket(t, engine, "COLL", 7500, 0)
	mustListMarket(t, engine, "DEBT", 0, 0)
	setPrice(t, prices, "COLL", big.NewRat(1, 1))
	setPrice(t, prices, "DEBT", big.NewRat(1, 1))

	tokens.setBalance("COLL", borrower, 1_000)
	tokens.setBalance("DEBT", lp, 1_000)
	if _, err := engine.Supply(borrower, "COLL", big.NewInt(1_000)); err != nil {
		t.Fatalf("supply collateral: %v", err)
	}
	if _, err := engine.Supply(lp, "DEBT", big.NewInt(1_000)); err != nil {
		t.Fatalf("supply liquidity: %v", err)
	}

	if _, err := engine.Borrow(borrower, "DEBT", big.NewInt(900)); !errors.Is(err, ErrHealth) {
		t.Fatalf("expected health error, got %v", err)
	}

	if state.markets["DEBT"].TotalBorrowed.Sign() != 0 {
		t.Fatalf("expected total borrowed unchanged, got %s", state.markets["DEBT"].TotalBorrowed)
	}
	if pos := state.borrows[state.posKey("DEBT", borrower)]; pos != nil && pos.Balance.Sign() != 0 {
		t.Fatalf("expected no borrow position, got %s", pos.Balance)
	}
	if got := tokens.balanceOf("DEBT", borrower); got.Sign() != 0 {
		t.Fatalf("expected no payout, got %s", got)
	}
}

func TestBorrowRequiresLiquidity(t *testing.T) {
	engine, _, tokens, prices := newTestEngine(t)
	borrower := makeAddress(0x10)

	mustListMarket(t, engine, "COLL", 7500, 0)
	mustListMarket(t, engine, "DEBT", 0, 0)
	setPrice(t, prices, "COLL", big.NewRat(1, 1))
	setPrice(t, prices, "DEBT", big.NewRat(1, 1))

	tokens.setBalance("COLL", borrower, 10_000)
	if _, err := engine.Supply(borrower, "COLL", big.NewInt(10_000)); err != nil {
		t.Fatalf("supply collateral: %v", err)
	}

	// Nothing supplied to DEBT yet, so any borrow exceeds the pool.
	if _, err := engine.Borrow(borrower, "DEBT", big.NewInt(100)); !errors.Is(err, ErrState) {
		t.Fatalf("expected state error for empty pool, got %v", err)
	}
}

func TestRepayClampsToOutstandingDebt(t *testing.T) {
	engine, state, tokens, prices := newTestEngine(t)
	borrower := makeAddress(0x10)
	lp := makeAddress(0x11)

	mustListMarket(t, engine, "COLL", 7500, 0)
	mustListMarket(t, engine, "DEBT", 0, 0)
	setPrice(t, prices, "COLL", big.NewRat(1, 1))
	setPrice(t, prices, "DEBT", big.NewRat(1, 1))

	tokens.setBalance("COLL", borrower, 1_000)
	tokens.setBalance("DEBT", lp, 1_000)
	if _, err := engine.Supply(borrower, "COLL", big.NewInt(1_000)); err != nil {
		t.Fatalf("supply collateral: %v", err)
	}
	if _, err := engine.Supply(lp, "DEBT", big.NewInt(1_000)); err != nil {
		t.Fatalf("supply liquidity: %v", err)
	}
	if _, err := engine.Borrow(borrower, "DEBT", big.NewInt(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Borrower now holds 500 borrowed tokens plus 100 of their own.
	tokens.setBalance("DEBT", borrower, 600)

	settled, err := engine.Repay(borrower, "DEBT", big.NewInt(600))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if settled.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected repay clamped to 500, got %s", settled)
	}
	if got := tokens.balanceOf("DEBT", borrower); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected only the debt pulled, got remaining %s", got)
	}
	pos := state.borrows[state.posKey("DEBT", borrower)]
	if pos == nil || pos.Balance.Sign() != 0 {
		t.Fatalf("expected debt cleared, got %+v", pos)
	}
	if state.markets["DEBT"].TotalBorrowed.Sign() != 0 {
		t.Fatalf("expected total borrowed cleared, got %s", state.markets["DEBT"].TotalBorrowed)
	}
}

func TestRepayWithoutDebt(t *testing.T) {
	engine, _, tokens, _ := newTestEngine(t)
	borrower := makeAddress(0x10)
	mustListMarket(t, engine, "DEBT", 0, 0)
	tokens.setBalance("DEBT", borrower, 100)

	if _, err := engine.Repay(borrower, "DEBT", big.NewInt(100)); !errors.Is(err, ErrState) {
		t.Fatalf("expected state error for repay without debt, got %v", err)
	}
	if got := tokens.balanceOf("DEBT", borrower); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected no tokens pulled, got %s", got)
	}
}

func TestWithdrawRequiresHealthyPosition(t *testing.T) {
	engine, state, tokens, prices := newTestEngine(t)
	borrower := makeAddress(0x10)
	lp := makeAddress(0x11)

	mustListMarket(t, engine, "COLL", 7500, 0)
	mustListMarket(t, engine, "DEBT", 0, 0)
	setPrice(t, prices, "COLL", big.NewRat(1, 1))
	setPrice(t, prices, "DEBT", big.NewRat(1, 1))

	tokens.setBalance("COLL", borrower, 1_000)
	tokens.setBalance("DEBT", lp, 1_000)
	if _, err := engine.Supply(borrower, "COLL", big.NewInt(1_000)); err != nil {
		t.Fatalf("supply collateral: %v", err)
	}
	if _, err := engine.Supply(lp, "DEBT", big.NewInt(1_000)); err != nil {
		t.Fatalf("supply liquidity: %v", err)
	}
	if _, err := engine.Borrow(borrower, "DEBT", big.NewInt(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Withdrawing 500 would leave 500*0.75 = 375 of capacity against 500
	// of debt.
	if _, err := engine.Withdraw(borrower, "COLL", big.NewInt(500)); !errors.Is(err, ErrHealth) {
		t.Fatalf("expected health error, got %v", err)
	}
	if state.markets["COLL"].TotalSupplied.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected collateral untouched, got %s", state.markets["COLL"].TotalSupplied)
	}

	// Withdrawing 100 keeps 900*0.75 = 675 >= 500*1.25.
	if _, err := engine.Withdraw(borrower, "COLL", big.NewInt(100)); err != nil {
		t.Fatalf("healthy withdraw: %v", err)
	}
}

func TestWithdrawRequiresPoolLiquidity(t *testing.T) {
	engine, _, tokens, prices := newTestEngine(t)
	supplier := makeAddress(0x10)
	borrower := makeAddress(0x11)

	mustListMarket(t, engine, "COLL", 7500, 0)
	mustListMarket(t, engine, "DEBT", 0, 0)
	setPrice(t, prices, "COLL", big.NewRat(1, 1))
	setPrice(t, prices, "DEBT", big.NewRat(1, 1))

	tokens.setBalance("DEBT", supplier, 1_000)
	tokens.setBalance("COLL", borrower, 2_000)
	if _, err := engine.Supply(supplier, "DEBT", big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if _, err := engine.Supply(borrower, "COLL", big.NewInt(2_000)); err != nil {
		t.Fatalf("supply collateral: %v", err)
	}
	if _, err := engine.Borrow(borrower, "DEBT", big.NewInt(800)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Only 200 remains in the pool.
	if _, err := engine.Withdraw(supplier, "DEBT", big.NewInt(500)); !errors.Is(err, ErrState) {
		t.Fatalf("expected state error for drained pool, got %v", err)
	}
	if _, err := engine.Withdraw(supplier, "DEBT", big.NewInt(200)); err != nil {
		t.Fatalf("withdraw within liquidity: %v", err)
	}
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	engine, _, tokens, prices := newTestEngine(t)
	supplier := makeAddress(0x10)
	mustListMarket(t, engine, "COLL", 7500, 0)
	setPrice(t, prices, "COLL", big.NewRat(1, 1))
	tokens.setBalance("COLL", supplier, 100)
	if _, err := engine.Supply(supplier, "COLL", big.NewInt(100)); err != nil {
		t.Fatalf("supply: %v", err)
	}

	if _, err := engine.Withdraw(supplier, "COLL", big.NewInt(200)); !errors.Is(err, ErrState) {
		t.Fatalf("expected state error for overdrawn withdraw, got %v", err)
	}
}

func TestHealthFactorNoDebtSentinel(t *testing.T) {
	engine, _, tokens, prices := newTestEngine(t)
	supplier := makeAddress(0x10)
	mustListMarket(t, engine, "COLL", 7500, 0)
	setPrice(t, prices, "COLL", big.NewRat(1, 1))
	tokens.setBalance("COLL", supplier, 1_000)
	if _, err := engine.Supply(supplier, "COLL", big.NewInt(1_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}

	health, err := engine.HealthFactor(supplier)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if health.Cmp(MaxHealthFactor) != 0 {
		t.Fatalf("expected sentinel health factor, got %s", health.RatString())
	}
}

func TestHealthFactorAggregatesAcrossMarkets(t *testing.T) {
	engine, _, tokens, prices := newTestEngine(t)
	borrower := makeAddress(0x10)
	lp := makeAddress(0x11)

	mustListMarket(t, engine, "AAA", 8000, 0)
	mustListMarket(t, engine, "BBB", 5000, 0)
	mustListMarket(t, engine, "DEBT", 0, 0)
	setPrice(t, prices, "AAA", big.NewRat(2, 1))
	setPrice(t, prices, "BBB", big.NewRat(1, 2))
	setPrice(t, prices, "DEBT", big.NewRat(1, 1))

	tokens.setBalance("AAA", borrower, 100)
	tokens.setBalance("BBB", borrower, 400)
	tokens.setBalance("DEBT", lp, 1_000)
	if _, err := engine.Supply(borrower, "AAA", big.NewInt(100)); err != nil {
		t.Fatalf("supply AAA: %v", err)
	}
	if _, err := engine.Supply(borrower, "BBB", big.NewInt(400)); err != nil {
		t.Fatalf("supply BBB: %v", err)
	}
	if _, err := engine.Supply(lp, "DEBT", big.NewInt(1_000)); err != nil {
		t.Fatalf("supply liquidity: %v", err)
	}
	if _, err := engine.Borrow(borrower, "DEBT", big.NewInt(200)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Collateral: 100*2*0.8 + 400*0.5*0.5 = 160 + 100 = 260 against 200
	// of debt.
	health, err := engine.HealthFactor(borrower)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if health.Cmp(big.NewRat(260, 200)) != 0 {
		t.Fatalf("unexpected health factor: %s", health.RatString())
	}
}

func TestWithdrawReserves(t *testing.T) {
	engine, state, tokens, _ := newTestEngine(t)
	recipient := makeAddress(0x40)

	mustListMarket(t, engine, "COLL", 7500, 2000)
	market := state.markets["COLL"]
	market.TotalSupplied = big.NewInt(1_000)
	market.Reserves = big.NewInt(150)
	tokens.setBalance("COLL", testVault, 1_000)

	if _, err := engine.WithdrawReserves(recipient, "COLL", recipient, big.NewInt(100)); !errors.Is(err, ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if _, err := engine.WithdrawReserves(testAdmin, "COLL", recipient, big.NewInt(200)); !errors.Is(err, ErrState) {
		t.Fatalf("expected state error for excess amount, got %v", err)
	}

	withdrawn, err := engine.WithdrawReserves(testAdmin, "COLL", recipient, big.NewInt(100))
	if err != nil {
		t.Fatalf("withdraw reserves: %v", err)
	}
	if withdrawn.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected withdrawn amount: %s", withdrawn)
	}
	if market.Reserves.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected remaining reserves: %s", market.Reserves)
	}
	if market.TotalSupplied.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("unexpected total supplied: %s", market.TotalSupplied)
	}
	if got := tokens.balanceOf("COLL", recipient); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected recipient paid, got %s", got)
	}
}
