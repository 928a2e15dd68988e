package modules

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lendex/core"
	"lendex/crypto"
	nativecommon "lendex/native/common"
	"lendex/native/lending"
	"lendex/oracle"
)

// LendingModule adapts node lending operations for the JSON-RPC surface.
// Engine failures are mapped onto HTTP statuses and JSON-RPC codes via the
// module error taxonomy, and every mutation is stamped with a receipt hash.
type LendingModule struct {
	node *core.Node
}

func NewLendingModule(node *core.Node) *LendingModule {
	return &LendingModule{node: node}
}

func (m *LendingModule) moduleUnavailable() *ModuleError {
	return &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: "lending module not available"}
}

// ListMarket registers a new market. The engine enforces the admin gate.
func (m *LendingModule) ListMarket(caller crypto.Address, symbol string, collateralFactorBps, reserveFactorBps uint64) (*lending.Market, string, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, "", m.moduleUnavailable()
	}
	market, err := m.node.LendingListMarket(caller, symbol, collateralFactorBps, reserveFactorBps)
	if err != nil {
		return nil, "", m.wrapError(err)
	}
	return market, makeTxHash("list-market", symbolKey(caller, market.Symbol)), nil
}

// Supply deposits liquidity and returns the supplier's new balance.
func (m *LendingModule) Supply(addr crypto.Address, symbol string, amount *big.Int) (*big.Int, string, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, "", m.moduleUnavailable()
	}
	balance, err := m.node.LendingSupply(addr, symbol, amount)
	if err != nil {
		return nil, "", m.wrapError(err)
	}
	return balance, makeTxHash("supply", symbolKey(addr, symbol), amount, balance), nil
}

// Withdraw redeems supplied liquidity and returns the remaining balance.
func (m *LendingModule) Withdraw(addr crypto.Address, symbol string, amount *big.Int) (*big.Int, string, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, "", m.moduleUnavailable()
	}
	balance, err := m.node.LendingWithdraw(addr, symbol, amount)
	if err != nil {
		return nil, "", m.wrapError(err)
	}
	return balance, makeTxHash("withdraw", symbolKey(addr, symbol), amount, balance), nil
}

// Borrow draws liquidity against collateral and returns the new debt.
func (m *LendingModule) Borrow(addr crypto.Address, symbol string, amount *big.Int) (*big.Int, string, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, "", m.moduleUnavailable()
	}
	debt, err := m.node.LendingBorrow(addr, symbol, amount)
	if err != nil {
		return nil, "", m.wrapError(err)
	}
	return debt, makeTxHash("borrow", symbolKey(addr, symbol), amount, debt), nil
}

// Repay settles debt, clamping overpayment, and returns the amount settled.
func (m *LendingModule) Repay(addr crypto.Address, symbol string, amount *big.Int) (*big.Int, string, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, "", m.moduleUnavailable()
	}
	repaid, err := m.node.LendingRepay(addr, symbol, amount)
	if err != nil {
		return nil, "", m.wrapError(err)
	}
	return repaid, makeTxHash("repay", symbolKey(addr, symbol), amount, repaid), nil
}

// Liquidate repays an unhealthy borrower's debt for discounted collateral.
func (m *LendingModule) Liquidate(liquidator, borrower crypto.Address, repaySymbol, collateralSymbol string, repayAmount *big.Int) (*big.Int, *big.Int, string, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, nil, "", m.moduleUnavailable()
	}
	repaid, seized, err := m.node.LendingLiquidate(liquidator, borrower, repaySymbol, collateralSymbol, repayAmount)
	if err != nil {
		return nil, nil, "", m.wrapError(err)
	}
	primary := fmt.Sprintf("%s:%s:%s:%s", liquidator, borrower, repaySymbol, collateralSymbol)
	return repaid, seized, makeTxHash("liquidate", primary, repaid, seized), nil
}

// Accrue rolls a market's interest forward to the present.
func (m *LendingModule) Accrue(symbol string) (*lending.Market, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	market, err := m.node.LendingAccrue(symbol)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return market, nil
}

// WithdrawReserves pays protocol reserves out to the recipient. Admin only.
func (m *LendingModule) WithdrawReserves(caller crypto.Address, symbol string, recipient crypto.Address, amount *big.Int) (*big.Int, string, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, "", m.moduleUnavailable()
	}
	remaining, err := m.node.LendingWithdrawReserves(caller, symbol, recipient, amount)
	if err != nil {
		return nil, "", m.wrapError(err)
	}
	primary := fmt.Sprintf("%s:%s:%s", caller, symbol, recipient)
	return remaining, makeTxHash("withdraw-reserves", primary, amount, remaining), nil
}

// SetPaused flips the module pause switch. Admin only.
func (m *LendingModule) SetPaused(caller crypto.Address, paused bool) *ModuleError {
	if m == nil || m.node == nil {
		return m.moduleUnavailable()
	}
	if err := m.node.LendingSetPaused(caller, paused); err != nil {
		return m.wrapError(err)
	}
	return nil
}

// GetMarket returns a market snapshot at its last accrual.
func (m *LendingModule) GetMarket(symbol string) (*lending.Market, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	market, err := m.node.LendingGetMarket(symbol)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return market, nil
}

// ListMarkets returns snapshots of every listed market.
func (m *LendingModule) ListMarkets() ([]*lending.Market, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	markets, err := m.node.LendingListMarkets()
	if err != nil {
		return nil, m.wrapError(err)
	}
	return markets, nil
}

// GetSupplyPosition returns a supplier's position synced to stored indexes.
func (m *LendingModule) GetSupplyPosition(symbol string, addr crypto.Address) (*lending.SupplyPosition, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	position, err := m.node.LendingGetSupplyPosition(symbol, addr)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return position, nil
}

// GetBorrowPosition returns a borrower's position synced to stored indexes.
func (m *LendingModule) GetBorrowPosition(symbol string, addr crypto.Address) (*lending.BorrowPosition, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	position, err := m.node.LendingGetBorrowPosition(symbol, addr)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return position, nil
}

// HealthFactor returns an account's cross-market health factor.
func (m *LendingModule) HealthFactor(addr crypto.Address) (*big.Rat, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	health, err := m.node.LendingHealthFactor(addr)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return health, nil
}

// Mint credits freshly minted tokens to an address. Admin only.
func (m *LendingModule) Mint(caller crypto.Address, symbol string, to crypto.Address, amount *big.Int) (string, *ModuleError) {
	if m == nil || m.node == nil {
		return "", m.moduleUnavailable()
	}
	if err := m.node.BankMint(caller, symbol, to, amount); err != nil {
		return "", m.wrapError(err)
	}
	return makeTxHash("mint", symbolKey(to, symbol), amount), nil
}

// BalanceOf returns the token balance held by an address.
func (m *LendingModule) BalanceOf(symbol string, addr crypto.Address) (*big.Int, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	balance, err := m.node.BankBalanceOf(symbol, addr)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return balance, nil
}

// wrapError translates the engine error taxonomy onto transport errors. The
// pause sentinel wraps the state sentinel, so it must be checked first.
func (m *LendingModule) wrapError(err error) *ModuleError {
	if err == nil {
		return nil
	}
	modErr := &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: err.Error()}
	switch {
	case errors.Is(err, nativecommon.ErrModulePaused):
		modErr.HTTPStatus = http.StatusServiceUnavailable
		modErr.Code = codeModulePaused
	case errors.Is(err, lending.ErrValidation):
		modErr.HTTPStatus = http.StatusBadRequest
		modErr.Code = codeInvalidParams
	case errors.Is(err, lending.ErrAuthorization):
		modErr.HTTPStatus = http.StatusForbidden
		modErr.Code = codeUnauthorized
	case errors.Is(err, lending.ErrHealth):
		modErr.HTTPStatus = http.StatusUnprocessableEntity
		modErr.Code = codeHealthCheck
	case errors.Is(err, lending.ErrTransfer):
		modErr.HTTPStatus = http.StatusBadGateway
		modErr.Code = codeTransferFailed
	case errors.Is(err, lending.ErrState):
		modErr.HTTPStatus = http.StatusConflict
		modErr.Code = codeStateConflict
	case errors.Is(err, oracle.ErrNoFreshQuote):
		modErr.HTTPStatus = http.StatusServiceUnavailable
	}
	return modErr
}

func symbolKey(addr crypto.Address, symbol string) string {
	return fmt.Sprintf("%s:%s", addr, symbol)
}

func makeTxHash(kind, primary string, amounts ...*big.Int) string {
	parts := []string{kind, primary}
	for _, amount := range amounts {
		if amount != nil {
			parts = append(parts, amount.String())
		}
	}
	parts = append(parts, fmt.Sprintf("%d", time.Now().UTC().UnixNano()))
	payload := strings.Join(parts, "|")
	hash := ethcrypto.Keccak256([]byte(payload))
	return "0x" + hex.EncodeToString(hash)
}
