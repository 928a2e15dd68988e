package lending

import (
	"errors"
	"math/big"
	"testing"

	nativecommon "lendex/native/common"
)

type stubPauseView struct {
	modules map[string]bool
}

func (s stubPauseView) IsPaused(module string) bool {
	if s.modules == nil {
		return false
	}
	return s.modules[module]
}

func TestGuardBlocksMutations(t *testing.T) {
	engine, state, tokens, prices := newTestEngine(t)
	supplier := makeAddress(0x10)
	liquidator := makeAddress(0x20)
	borrower := makeAddress(0x21)

	seedUnderwaterBorrower(t, state, prices, 750)
	tokens.setBalance("COLL", supplier, 500)
	tokens.setBalance("DEBT", liquidator, 500)

	engine.SetPauses(stubPauseView{modules: map[string]bool{"lending": true}})

	if _, err := engine.Supply(supplier, "COLL", big.NewInt(100)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected pause error from supply, got %v", err)
	}
	if _, err := engine.Withdraw(borrower, "COLL", big.NewInt(100)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected pause error from withdraw, got %v", err)
	}
	if _, err := engine.Borrow(borrower, "DEBT", big.NewInt(100)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected pause error from borrow, got %v", err)
	}
	if _, err := engine.Repay(borrower, "DEBT", big.NewInt(100)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected pause error from repay, got %v", err)
	}
	if _, _, err := engine.Liquidate(liquidator, borrower, "DEBT", "COLL", big.NewInt(100)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected pause error from liquidate, got %v", err)
	}
	if _, err := engine.WithdrawReserves(testAdmin, "COLL", supplier, big.NewInt(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected pause error from reserve withdrawal, got %v", err)
	}

	// Pause failures classify as state errors for RPC mapping.
	if _, err := engine.Supply(supplier, "COLL", big.NewInt(100)); !errors.Is(err, ErrState) {
		t.Fatalf("expected pause to carry the state kind, got %v", err)
	}

	if got := tokens.balanceOf("COLL", supplier); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected supplier balance untouched, got %s", got)
	}
	if state.markets["COLL"].TotalSupplied.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected market untouched, got %s", state.markets["COLL"].TotalSupplied)
	}

	// Listing stays open while paused so operators can stage markets.
	if _, err := engine.ListMarket(testAdmin, "NEW", 5000, 0); err != nil {
		t.Fatalf("list market while paused: %v", err)
	}
}

func TestGuardClearsWithSwitchboard(t *testing.T) {
	engine, _, tokens, _ := newTestEngine(t)
	supplier := makeAddress(0x10)

	board := nativecommon.NewSwitchboard()
	engine.SetPauses(board)
	mustListMarket(t, engine, "COLL", 7500, 0)
	tokens.setBalance("COLL", supplier, 200)

	board.SetPaused("lending", true)
	if _, err := engine.Supply(supplier, "COLL", big.NewInt(100)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected pause error, got %v", err)
	}

	board.SetPaused("lending", false)
	if _, err := engine.Supply(supplier, "COLL", big.NewInt(100)); err != nil {
		t.Fatalf("supply after resume: %v", err)
	}
}
