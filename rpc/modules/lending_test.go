package modules

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"testing"
	"time"

	"lendex/core"
	"lendex/crypto"
	nativecommon "lendex/native/common"
	"lendex/native/lending"
	"lendex/oracle"
	"lendex/storage"
)

func moduleAddress(fill byte) crypto.Address {
	buf := make([]byte, 20)
	for i := range buf {
		buf[i] = fill
	}
	return crypto.NewAddress(crypto.LendexPrefix, buf)
}

var (
	moduleVault = moduleAddress(0x01)
	moduleAdmin = moduleAddress(0x02)
)

func newLendingFixture(t *testing.T) (*LendingModule, *core.Node, *oracle.ManualOracle) {
	t.Helper()
	node := core.NewNode(storage.NewState(storage.NewMemDB()), moduleVault, moduleAdmin)
	prices := oracle.NewManualOracle()
	node.SetOracle(prices)
	node.SetNowFunc(func() int64 { return 1_700_000_000 })
	return NewLendingModule(node), node, prices
}

func TestWrapErrorMapsTaxonomy(t *testing.T) {
	module := &LendingModule{}
	cases := []struct {
		name   string
		err    error
		status int
		code   int
	}{
		{"validation", fmt.Errorf("%w: amount must be positive", lending.ErrValidation), http.StatusBadRequest, codeInvalidParams},
		{"authorization", fmt.Errorf("%w: admin only", lending.ErrAuthorization), http.StatusForbidden, codeUnauthorized},
		{"health", fmt.Errorf("%w: borrow would undercollateralise", lending.ErrHealth), http.StatusUnprocessableEntity, codeHealthCheck},
		{"transfer", fmt.Errorf("%w: pull USDX rejected", lending.ErrTransfer), http.StatusBadGateway, codeTransferFailed},
		{"state", fmt.Errorf("%w: insufficient liquidity", lending.ErrState), http.StatusConflict, codeStateConflict},
		{"paused", fmt.Errorf("%w: %w", lending.ErrState, nativecommon.ErrModulePaused), http.StatusServiceUnavailable, codeModulePaused},
		{"stale quote", fmt.Errorf("lending engine: price USDX: %w", oracle.ErrNoFreshQuote), http.StatusServiceUnavailable, codeServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, codeServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			modErr := module.wrapError(tc.err)
			if modErr == nil {
				t.Fatalf("expected module error")
			}
			if modErr.HTTPStatus != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, modErr.HTTPStatus)
			}
			if modErr.Code != tc.code {
				t.Fatalf("expected code %d, got %d", tc.code, modErr.Code)
			}
			if modErr.Message == "" {
				t.Fatalf("expected message to be preserved")
			}
		})
	}
}

func TestNilModuleReportsUnavailable(t *testing.T) {
	var module *LendingModule
	if _, _, modErr := module.Supply(moduleAddress(0x10), "USDX", big.NewInt(1)); modErr == nil || modErr.Code != codeServerError {
		t.Fatalf("expected unavailable error, got %v", modErr)
	}
}

func TestModuleSupplyProducesReceipt(t *testing.T) {
	module, node, prices := newLendingFixture(t)

	market, listHash, modErr := module.ListMarket(moduleAdmin, "USDX", 7500, 1000)
	if modErr != nil {
		t.Fatalf("list market: %v", modErr)
	}
	if market == nil || market.Symbol != "USDX" {
		t.Fatalf("unexpected market: %+v", market)
	}
	if !strings.HasPrefix(listHash, "0x") || len(listHash) != 66 {
		t.Fatalf("unexpected receipt hash %q", listHash)
	}

	if err := prices.SetDecimal("USDX", "1", time.Unix(1_700_000_000, 0)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	user := moduleAddress(0x10)
	if err := node.BankMint(moduleAdmin, "USDX", user, big.NewInt(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	balance, supplyHash, modErr := module.Supply(user, "USDX", big.NewInt(400))
	if modErr != nil {
		t.Fatalf("supply: %v", modErr)
	}
	if balance.Int64() != 400 {
		t.Fatalf("expected balance 400, got %s", balance)
	}
	if !strings.HasPrefix(supplyHash, "0x") || len(supplyHash) != 66 {
		t.Fatalf("unexpected receipt hash %q", supplyHash)
	}
	if supplyHash == listHash {
		t.Fatalf("expected distinct receipt hashes")
	}
}

func TestModuleRejectsNonAdminListing(t *testing.T) {
	module, _, _ := newLendingFixture(t)
	_, _, modErr := module.ListMarket(moduleAddress(0x10), "USDX", 7500, 1000)
	if modErr == nil {
		t.Fatalf("expected authorization error")
	}
	if modErr.HTTPStatus != http.StatusForbidden || modErr.Code != codeUnauthorized {
		t.Fatalf("unexpected mapping: %+v", modErr)
	}
}

func TestModulePauseBlocksSupply(t *testing.T) {
	module, node, prices := newLendingFixture(t)
	if _, _, modErr := module.ListMarket(moduleAdmin, "USDX", 7500, 1000); modErr != nil {
		t.Fatalf("list market: %v", modErr)
	}
	if err := prices.SetDecimal("USDX", "1", time.Unix(1_700_000_000, 0)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	user := moduleAddress(0x10)
	if err := node.BankMint(moduleAdmin, "USDX", user, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if modErr := module.SetPaused(moduleAdmin, true); modErr != nil {
		t.Fatalf("pause: %v", modErr)
	}
	_, _, modErr := module.Supply(user, "USDX", big.NewInt(100))
	if modErr == nil {
		t.Fatalf("expected paused error")
	}
	if modErr.HTTPStatus != http.StatusServiceUnavailable || modErr.Code != codeModulePaused {
		t.Fatalf("unexpected mapping: %+v", modErr)
	}

	if modErr := module.SetPaused(moduleAdmin, false); modErr != nil {
		t.Fatalf("resume: %v", modErr)
	}
	if _, _, modErr := module.Supply(user, "USDX", big.NewInt(100)); modErr != nil {
		t.Fatalf("supply after resume: %v", modErr)
	}
}

func TestModuleHealthFactorDebtFree(t *testing.T) {
	module, _, _ := newLendingFixture(t)
	health, modErr := module.HealthFactor(moduleAddress(0x10))
	if modErr != nil {
		t.Fatalf("health factor: %v", modErr)
	}
	if health.Cmp(lending.MaxHealthFactor) != 0 {
		t.Fatalf("expected debt-free sentinel, got %s", health)
	}
}
