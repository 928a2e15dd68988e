package core

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"lendex/core/events"
	"lendex/crypto"
	"lendex/native/bank"
	nativecommon "lendex/native/common"
	"lendex/native/lending"
	"lendex/observability"
	"lendex/oracle"
	"lendex/storage"
	"lendex/storage/journal"
)

// EventSink consumes journal entries after an operation commits. The
// websocket hub and the metrics bridge both implement it.
type EventSink interface {
	OnEntry(entry journal.Entry)
}

// Node is the central controller: it serialises operations, runs each one
// against a buffered state transaction and publishes events only after the
// transaction commits.
type Node struct {
	state   *storage.State
	journal *journal.Journal
	prices  oracle.PriceOracle
	pauses  *nativecommon.Switchboard
	model   *lending.InterestModel
	params  lending.RiskParameters
	vault   crypto.Address
	admin   crypto.Address
	sinks   []EventSink
	log     *slog.Logger
	nowFn   func() int64
	stateMu sync.Mutex

	eventStreamMu  sync.Mutex
	eventSubs      map[uint64]chan journal.Entry
	eventSubNextID uint64
	eventHistory   []journal.Entry
	eventSeq       int64
}

// NewNode wires a node over the given state store. The vault address holds
// pooled market liquidity; the admin address gates privileged operations.
func NewNode(state *storage.State, vault, admin crypto.Address) *Node {
	return &Node{
		state:  state,
		vault:  vault,
		admin:  admin,
		params: lending.DefaultRiskParameters(),
		model:  lending.DefaultInterestModel.Clone(),
		pauses: nativecommon.NewSwitchboard(),
		log:    slog.Default(),
		nowFn:  func() int64 { return time.Now().Unix() },
	}
}

// SetOracle installs the price source consulted by health checks.
func (n *Node) SetOracle(prices oracle.PriceOracle) {
	if n == nil {
		return
	}
	n.prices = prices
}

// SetJournal installs the append-only event log. Without one, sinks still
// receive events but entries carry no sequence and streams cannot replay.
func (n *Node) SetJournal(j *journal.Journal) {
	if n == nil {
		return
	}
	n.journal = j
	if j == nil {
		return
	}
	// Seed the stream head from the persisted log so subscribers on a
	// freshly restarted node can still replay earlier entries.
	if head, err := j.Head(context.Background()); err == nil {
		n.eventStreamMu.Lock()
		if head > n.eventSeq {
			n.eventSeq = head
		}
		n.eventStreamMu.Unlock()
	}
}

// SetRiskParameters overrides the default collateral ratio and liquidation
// discount.
func (n *Node) SetRiskParameters(params lending.RiskParameters) {
	if n == nil {
		return
	}
	n.params = params
}

// SetInterestModel overrides the rate curve applied to every market.
func (n *Node) SetInterestModel(model *lending.InterestModel) {
	if n == nil || model == nil {
		return
	}
	n.model = model.Clone()
}

// SetLogger replaces the logger used for post-commit publication failures.
func (n *Node) SetLogger(log *slog.Logger) {
	if n == nil || log == nil {
		return
	}
	n.log = log
}

// SetNowFunc overrides the clock driving interest accrual. Intended for
// tests.
func (n *Node) SetNowFunc(now func() int64) {
	if n == nil || now == nil {
		return
	}
	n.nowFn = now
}

// AddSink registers a consumer for committed events.
func (n *Node) AddSink(sink EventSink) {
	if n == nil || sink == nil {
		return
	}
	n.sinks = append(n.sinks, sink)
}

// Vault returns the address holding pooled market liquidity.
func (n *Node) Vault() crypto.Address { return n.vault }

// Admin returns the address gating privileged operations.
func (n *Node) Admin() crypto.Address { return n.admin }

// Pauses exposes the module switchboard, primarily for status reads.
func (n *Node) Pauses() *nativecommon.Switchboard { return n.pauses }

// RiskParameters returns the configured risk parameters.
func (n *Node) RiskParameters() lending.RiskParameters { return n.params }

func (n *Node) newEngine(txn *storage.Txn, emitter events.Emitter) *lending.Engine {
	engine := lending.NewEngine(n.vault, n.params)
	engine.SetState(txn)
	engine.SetTokens(bank.NewVaultLedger(txn, n.vault))
	engine.SetOracle(n.prices)
	engine.SetAdmin(n.admin)
	engine.SetInterestModel(n.model)
	engine.SetPauses(n.pauses)
	engine.SetNowFunc(n.nowFn)
	engine.SetEmitter(emitter)
	return engine
}

// withEngine runs a mutating operation against a fresh transaction. The
// transaction is discarded wholesale when the operation errors, so partial
// writes never reach the store, and buffered events are published only after
// the commit succeeds.
func (n *Node) withEngine(fn func(engine *lending.Engine) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	txn := n.state.Begin()
	collector := &events.Collector{}
	engine := n.newEngine(txn, collector)
	if err := fn(engine); err != nil {
		txn.Discard()
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	// Still under stateMu, so journal order matches commit order.
	n.publish(collector.Drain())
	return nil
}

// withView runs a read-only operation against an overlay that is always
// discarded.
func (n *Node) withView(fn func(engine *lending.Engine) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	txn := n.state.Begin()
	defer txn.Discard()
	return fn(n.newEngine(txn, nil))
}

func (n *Node) publish(drained []events.Event) {
	for _, evt := range drained {
		if evt == nil {
			continue
		}
		payload := evt.Event()
		if payload == nil {
			continue
		}
		entry := journal.Entry{Type: payload.Type, Attributes: payload.Attributes}
		if n.journal != nil {
			appended, err := n.journal.Append(context.Background(), payload)
			if err != nil {
				// State is already committed; deliver the entry
				// unsequenced rather than dropping it.
				n.log.Error("journal append failed", "type", payload.Type, "err", err)
				observability.Journal().RecordAppendFailure()
			} else {
				entry = appended
				observability.Journal().RecordAppend(entry.Sequence)
			}
		}
		entry = n.broadcast(entry)
		for _, sink := range n.sinks {
			sink.OnEntry(entry)
		}
	}
}

// LendingListMarket registers a new market. Admin only.
func (n *Node) LendingListMarket(caller crypto.Address, symbol string, collateralFactorBps, reserveFactorBps uint64) (*lending.Market, error) {
	var market *lending.Market
	err := n.withEngine(func(engine *lending.Engine) error {
		listed, err := engine.ListMarket(caller, symbol, collateralFactorBps, reserveFactorBps)
		if err != nil {
			return err
		}
		market = listed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return market, nil
}

// LendingSupply deposits liquidity and returns the supplier's new balance.
func (n *Node) LendingSupply(supplier crypto.Address, symbol string, amount *big.Int) (*big.Int, error) {
	var balance *big.Int
	err := n.withEngine(func(engine *lending.Engine) error {
		newBalance, err := engine.Supply(supplier, symbol, amount)
		if err != nil {
			return err
		}
		balance = newBalance
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// LendingWithdraw redeems supplied liquidity and returns the remaining
// balance.
func (n *Node) LendingWithdraw(supplier crypto.Address, symbol string, amount *big.Int) (*big.Int, error) {
	var balance *big.Int
	err := n.withEngine(func(engine *lending.Engine) error {
		newBalance, err := engine.Withdraw(supplier, symbol, amount)
		if err != nil {
			return err
		}
		balance = newBalance
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// LendingBorrow draws liquidity against collateral and returns the new debt.
func (n *Node) LendingBorrow(borrower crypto.Address, symbol string, amount *big.Int) (*big.Int, error) {
	var debt *big.Int
	err := n.withEngine(func(engine *lending.Engine) error {
		newDebt, err := engine.Borrow(borrower, symbol, amount)
		if err != nil {
			return err
		}
		debt = newDebt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return debt, nil
}

// LendingRepay settles debt, clamping overpayment, and returns the amount
// actually settled.
func (n *Node) LendingRepay(borrower crypto.Address, symbol string, amount *big.Int) (*big.Int, error) {
	var settled *big.Int
	err := n.withEngine(func(engine *lending.Engine) error {
		repaid, err := engine.Repay(borrower, symbol, amount)
		if err != nil {
			return err
		}
		settled = repaid
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}

// LendingLiquidate repays an unhealthy borrower's debt in exchange for
// discounted collateral. It returns the repaid and seized amounts.
func (n *Node) LendingLiquidate(liquidator, borrower crypto.Address, repaySymbol, collateralSymbol string, repayAmount *big.Int) (*big.Int, *big.Int, error) {
	var repaid, seized *big.Int
	err := n.withEngine(func(engine *lending.Engine) error {
		gotRepaid, gotSeized, err := engine.Liquidate(liquidator, borrower, repaySymbol, collateralSymbol, repayAmount)
		if err != nil {
			return err
		}
		repaid, seized = gotRepaid, gotSeized
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return repaid, seized, nil
}

// LendingAccrue rolls a market's interest accrual forward to the current
// time and returns the updated market.
func (n *Node) LendingAccrue(symbol string) (*lending.Market, error) {
	var market *lending.Market
	err := n.withEngine(func(engine *lending.Engine) error {
		accrued, err := engine.Accrue(symbol)
		if err != nil {
			return err
		}
		market = accrued
		return nil
	})
	if err != nil {
		return nil, err
	}
	return market, nil
}

// LendingWithdrawReserves pays accumulated protocol reserves out to the
// recipient. Admin only.
func (n *Node) LendingWithdrawReserves(caller crypto.Address, symbol string, recipient crypto.Address, amount *big.Int) (*big.Int, error) {
	var remaining *big.Int
	err := n.withEngine(func(engine *lending.Engine) error {
		left, err := engine.WithdrawReserves(caller, symbol, recipient, amount)
		if err != nil {
			return err
		}
		remaining = left
		return nil
	})
	if err != nil {
		return nil, err
	}
	return remaining, nil
}

// LendingSetPaused flips the module pause switch. Admin only. Pausing halts
// every balance-moving operation while leaving reads and market listing
// available.
func (n *Node) LendingSetPaused(caller crypto.Address, paused bool) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if n.admin.IsZero() || !caller.Equal(n.admin) {
		return fmt.Errorf("%w: pause control restricted to admin", lending.ErrAuthorization)
	}
	n.pauses.SetPaused(lending.ModuleName, paused)
	n.publish([]events.Event{events.PauseUpdated{Paused: paused}})
	return nil
}

// LendingGetMarket returns a market snapshot at its last accrual.
func (n *Node) LendingGetMarket(symbol string) (*lending.Market, error) {
	var market *lending.Market
	err := n.withView(func(engine *lending.Engine) error {
		got, err := engine.GetMarket(symbol)
		if err != nil {
			return err
		}
		market = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return market, nil
}

// LendingListMarkets returns snapshots of every listed market.
func (n *Node) LendingListMarkets() ([]*lending.Market, error) {
	var markets []*lending.Market
	err := n.withView(func(engine *lending.Engine) error {
		got, err := engine.ListMarkets()
		if err != nil {
			return err
		}
		markets = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return markets, nil
}

// LendingGetSupplyPosition returns the supplier's position synced to the
// market's stored index.
func (n *Node) LendingGetSupplyPosition(symbol string, addr crypto.Address) (*lending.SupplyPosition, error) {
	var position *lending.SupplyPosition
	err := n.withView(func(engine *lending.Engine) error {
		got, err := engine.GetSupplyPosition(symbol, addr)
		if err != nil {
			return err
		}
		position = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return position, nil
}

// LendingGetBorrowPosition returns the borrower's position synced to the
// market's stored index.
func (n *Node) LendingGetBorrowPosition(symbol string, addr crypto.Address) (*lending.BorrowPosition, error) {
	var position *lending.BorrowPosition
	err := n.withView(func(engine *lending.Engine) error {
		got, err := engine.GetBorrowPosition(symbol, addr)
		if err != nil {
			return err
		}
		position = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return position, nil
}

// LendingHealthFactor returns the account's cross-market health factor.
func (n *Node) LendingHealthFactor(addr crypto.Address) (*big.Rat, error) {
	var health *big.Rat
	err := n.withView(func(engine *lending.Engine) error {
		got, err := engine.HealthFactor(addr)
		if err != nil {
			return err
		}
		health = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return health, nil
}

// BankMint credits freshly minted tokens to an address. Admin only; used to
// seed balances on fresh deployments.
func (n *Node) BankMint(caller crypto.Address, symbol string, to crypto.Address, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if n.admin.IsZero() || !caller.Equal(n.admin) {
		return fmt.Errorf("%w: minting restricted to admin", lending.ErrAuthorization)
	}
	txn := n.state.Begin()
	ledger := bank.NewVaultLedger(txn, n.vault)
	if err := ledger.Mint(symbol, to, amount); err != nil {
		txn.Discard()
		return err
	}
	return txn.Commit()
}

// BankBalanceOf returns the token balance held by an address.
func (n *Node) BankBalanceOf(symbol string, addr crypto.Address) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	txn := n.state.Begin()
	defer txn.Discard()
	return bank.NewVaultLedger(txn, n.vault).BalanceOf(symbol, addr)
}
