package bank

import (
	"errors"
	"fmt"
	"math/big"

	"lendex/crypto"
)

// ErrInvalidAmount rejects nil, zero or negative transfer amounts.
var ErrInvalidAmount = errors.New("bank: amount must be positive")

type ledgerState interface {
	GetBalance(symbol string, addr crypto.Address) (*big.Int, error)
	SetBalance(symbol string, addr crypto.Address, amount *big.Int) error
}

// VaultLedger is a token ledger anchored to the pool vault. Transfer pays out
// of the vault, TransferFrom moves funds between arbitrary accounts; both
// report insufficient funds as a false result rather than an error so the
// caller can treat refusal and breakage uniformly.
type VaultLedger struct {
	state ledgerState
	vault crypto.Address
}

// NewVaultLedger binds a ledger to its backing state and vault address.
func NewVaultLedger(state ledgerState, vault crypto.Address) *VaultLedger {
	return &VaultLedger{state: state, vault: vault}
}

// Vault returns the treasury address the ledger pays out of.
func (l *VaultLedger) Vault() crypto.Address {
	if l == nil {
		return crypto.Address{}
	}
	return l.vault
}

// Transfer moves amount from the vault to the recipient.
func (l *VaultLedger) Transfer(symbol string, to crypto.Address, amount *big.Int) (bool, error) {
	if l == nil || l.state == nil {
		return false, errors.New("bank: ledger not configured")
	}
	return l.move(symbol, l.vault, to, amount)
}

// TransferFrom moves amount between two accounts.
func (l *VaultLedger) TransferFrom(symbol string, from, to crypto.Address, amount *big.Int) (bool, error) {
	if l == nil || l.state == nil {
		return false, errors.New("bank: ledger not configured")
	}
	return l.move(symbol, from, to, amount)
}

func (l *VaultLedger) move(symbol string, from, to crypto.Address, amount *big.Int) (bool, error) {
	if amount == nil || amount.Sign() <= 0 {
		return false, ErrInvalidAmount
	}
	if from.Equal(to) {
		return true, nil
	}
	source, err := l.state.GetBalance(symbol, from)
	if err != nil {
		return false, fmt.Errorf("bank: load %s balance: %w", symbol, err)
	}
	if source.Cmp(amount) < 0 {
		return false, nil
	}
	dest, err := l.state.GetBalance(symbol, to)
	if err != nil {
		return false, fmt.Errorf("bank: load %s balance: %w", symbol, err)
	}
	if err := l.state.SetBalance(symbol, from, new(big.Int).Sub(source, amount)); err != nil {
		return false, fmt.Errorf("bank: debit %s: %w", symbol, err)
	}
	if err := l.state.SetBalance(symbol, to, new(big.Int).Add(dest, amount)); err != nil {
		return false, fmt.Errorf("bank: credit %s: %w", symbol, err)
	}
	return true, nil
}

// Mint credits freshly issued units to an account. Used by genesis seeding and
// operator faucets; regular operations only move existing balances.
func (l *VaultLedger) Mint(symbol string, addr crypto.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errors.New("bank: ledger not configured")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	current, err := l.state.GetBalance(symbol, addr)
	if err != nil {
		return fmt.Errorf("bank: load %s balance: %w", symbol, err)
	}
	return l.state.SetBalance(symbol, addr, new(big.Int).Add(current, amount))
}

// BalanceOf reports the account's balance for a symbol.
func (l *VaultLedger) BalanceOf(symbol string, addr crypto.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errors.New("bank: ledger not configured")
	}
	balance, err := l.state.GetBalance(symbol, addr)
	if err != nil {
		return nil, fmt.Errorf("bank: load %s balance: %w", symbol, err)
	}
	return new(big.Int).Set(balance), nil
}
