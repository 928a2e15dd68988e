package bank

import (
	"errors"
	"math/big"
	"testing"

	"lendex/crypto"
)

type mockLedgerState struct {
	balances map[string]*big.Int
}

func newMockLedgerState() *mockLedgerState {
	return &mockLedgerState{balances: make(map[string]*big.Int)}
}

func (m *mockLedgerState) key(symbol string, addr crypto.Address) string {
	return symbol + "/" + string(addr.Bytes())
}

func (m *mockLedgerState) GetBalance(symbol string, addr crypto.Address) (*big.Int, error) {
	if bal, ok := m.balances[m.key(symbol, addr)]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (m *mockLedgerState) SetBalance(symbol string, addr crypto.Address, amount *big.Int) error {
	m.balances[m.key(symbol, addr)] = new(big.Int).Set(amount)
	return nil
}

func testAddr(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.LendexPrefix, raw)
}

func TestVaultLedgerTransfers(t *testing.T) {
	vault := testAddr(0x01)
	alice := testAddr(0x02)
	bob := testAddr(0x03)

	state := newMockLedgerState()
	ledger := NewVaultLedger(state, vault)

	if err := ledger.Mint("COLL", alice, big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	ok, err := ledger.TransferFrom("COLL", alice, vault, big.NewInt(200))
	if err != nil || !ok {
		t.Fatalf("transfer from: ok=%v err=%v", ok, err)
	}
	ok, err = ledger.Transfer("COLL", bob, big.NewInt(150))
	if err != nil || !ok {
		t.Fatalf("transfer: ok=%v err=%v", ok, err)
	}

	aliceBal, _ := ledger.BalanceOf("COLL", alice)
	if aliceBal.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("unexpected alice balance: %s", aliceBal)
	}
	vaultBal, _ := ledger.BalanceOf("COLL", vault)
	if vaultBal.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected vault balance: %s", vaultBal)
	}
	bobBal, _ := ledger.BalanceOf("COLL", bob)
	if bobBal.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("unexpected bob balance: %s", bobBal)
	}
}

func TestVaultLedgerInsufficientFundsReturnsFalse(t *testing.T) {
	vault := testAddr(0x01)
	alice := testAddr(0x02)

	ledger := NewVaultLedger(newMockLedgerState(), vault)

	ok, err := ledger.Transfer("COLL", alice, big.NewInt(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected refusal on empty vault")
	}
}

func TestVaultLedgerRejectsBadAmounts(t *testing.T) {
	vault := testAddr(0x01)
	alice := testAddr(0x02)

	ledger := NewVaultLedger(newMockLedgerState(), vault)

	if _, err := ledger.Transfer("COLL", alice, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected amount error for zero, got %v", err)
	}
	if _, err := ledger.Transfer("COLL", alice, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected amount error for nil, got %v", err)
	}
	if err := ledger.Mint("COLL", alice, big.NewInt(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected amount error for negative mint, got %v", err)
	}
}

func TestVaultLedgerSelfTransferIsNoop(t *testing.T) {
	vault := testAddr(0x01)
	alice := testAddr(0x02)

	state := newMockLedgerState()
	ledger := NewVaultLedger(state, vault)
	if err := ledger.Mint("COLL", alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	ok, err := ledger.TransferFrom("COLL", alice, alice, big.NewInt(60))
	if err != nil || !ok {
		t.Fatalf("self transfer: ok=%v err=%v", ok, err)
	}
	bal, _ := ledger.BalanceOf("COLL", alice)
	if bal.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected balance after self transfer: %s", bal)
	}
}
