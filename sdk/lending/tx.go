package lending

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"lendex/rpc"
)

// ensurePositiveAmount parses and validates that the provided string is a
// strictly positive base-10 integer, the encoding all amount fields use on
// the wire.
func ensurePositiveAmount(label, amount string) (string, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return "", fmt.Errorf("%s amount required", label)
	}
	parsed, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || parsed.Sign() <= 0 {
		return "", fmt.Errorf("%s amount must be a positive integer", label)
	}
	return parsed.String(), nil
}

func requireField(label, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%s required", label)
	}
	return trimmed, nil
}

type listMarketParams struct {
	Caller              string `json:"caller"`
	Symbol              string `json:"symbol"`
	CollateralFactorBps uint64 `json:"collateralFactorBps"`
	ReserveFactorBps    uint64 `json:"reserveFactorBps"`
}

type amountParams struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Amount  string `json:"amount"`
}

type liquidateParams struct {
	Liquidator       string `json:"liquidator"`
	Borrower         string `json:"borrower"`
	RepaySymbol      string `json:"repaySymbol"`
	CollateralSymbol string `json:"collateralSymbol"`
	RepayAmount      string `json:"repayAmount"`
}

type reservesParams struct {
	Caller    string `json:"caller"`
	Symbol    string `json:"symbol"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type mintParams struct {
	Caller string `json:"caller"`
	Symbol string `json:"symbol"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type callerParams struct {
	Caller string `json:"caller"`
}

// ListMarket registers a new market. Only the configured admin may call it,
// and factors are basis points.
func (c *Client) ListMarket(ctx context.Context, caller, symbol string, collateralFactorBps, reserveFactorBps uint64, opts ...CallOption) (*rpc.ListMarketResult, error) {
	trimmedCaller, err := requireField("caller address", caller)
	if err != nil {
		return nil, err
	}
	trimmedSymbol, err := requireField("market symbol", symbol)
	if err != nil {
		return nil, err
	}
	out := &rpc.ListMarketResult{}
	params := listMarketParams{
		Caller:              trimmedCaller,
		Symbol:              trimmedSymbol,
		CollateralFactorBps: collateralFactorBps,
		ReserveFactorBps:    reserveFactorBps,
	}
	if err := c.call(ctx, "lend_listMarket", params, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Supply deposits tokens into a market and returns the updated supply
// balance.
func (c *Client) Supply(ctx context.Context, address, symbol, amount string, opts ...CallOption) (*rpc.SupplyResult, error) {
	params, err := buildAmountParams(address, symbol, "supply", amount)
	if err != nil {
		return nil, err
	}
	out := &rpc.SupplyResult{}
	if err := c.call(ctx, "lend_supply", params, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Withdraw redeems supplied tokens, subject to liquidity and account health.
func (c *Client) Withdraw(ctx context.Context, address, symbol, amount string, opts ...CallOption) (*rpc.WithdrawResult, error) {
	params, err := buildAmountParams(address, symbol, "withdraw", amount)
	if err != nil {
		return nil, err
	}
	out := &rpc.WithdrawResult{}
	if err := c.call(ctx, "lend_withdraw", params, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Borrow draws tokens against the account's collateral.
func (c *Client) Borrow(ctx context.Context, address, symbol, amount string, opts ...CallOption) (*rpc.BorrowResult, error) {
	params, err := buildAmountParams(address, symbol, "borrow", amount)
	if err != nil {
		return nil, err
	}
	out := &rpc.BorrowResult{}
	if err := c.call(ctx, "lend_borrow", params, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Repay pays down the account's debt. Amounts above the outstanding balance
// are clamped, so callers may over-pay to clear a position; the result
// reports what was actually taken.
func (c *Client) Repay(ctx context.Context, address, symbol, amount string, opts ...CallOption) (*rpc.RepayResult, error) {
	params, err := buildAmountParams(address, symbol, "repay", amount)
	if err != nil {
		return nil, err
	}
	out := &rpc.RepayResult{}
	if err := c.call(ctx, "lend_repay", params, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Liquidate repays part of an unhealthy borrower's debt in exchange for
// discounted collateral.
func (c *Client) Liquidate(ctx context.Context, liquidator, borrower, repaySymbol, collateralSymbol, repayAmount string, opts ...CallOption) (*rpc.LiquidateResult, error) {
	trimmedLiquidator, err := requireField("liquidator address", liquidator)
	if err != nil {
		return nil, err
	}
	trimmedBorrower, err := requireField("borrower address", borrower)
	if err != nil {
		return nil, err
	}
	trimmedRepay, err := requireField("repay symbol", repaySymbol)
	if err != nil {
		return nil, err
	}
	trimmedCollateral, err := requireField("collateral symbol", collateralSymbol)
	if err != nil {
		return nil, err
	}
	normalizedAmount, err := ensurePositiveAmount("repay", repayAmount)
	if err != nil {
		return nil, err
	}
	out := &rpc.LiquidateResult{}
	params := liquidateParams{
		Liquidator:       trimmedLiquidator,
		Borrower:         trimmedBorrower,
		RepaySymbol:      trimmedRepay,
		CollateralSymbol: trimmedCollateral,
		RepayAmount:      normalizedAmount,
	}
	if err := c.call(ctx, "lend_liquidate", params, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WithdrawReserves moves accumulated protocol reserves to a recipient. Admin
// only.
func (c *Client) WithdrawReserves(ctx context.Context, caller, symbol, recipient, amount string, opts ...CallOption) (*rpc.ReservesResult, error) {
	trimmedCaller, err := requireField("caller address", caller)
	if err != nil {
		return nil, err
	}
	trimmedSymbol, err := requireField("market symbol", symbol)
	if err != nil {
		return nil, err
	}
	trimmedRecipient, err := requireField("recipient address", recipient)
	if err != nil {
		return nil, err
	}
	normalizedAmount, err := ensurePositiveAmount("reserve", amount)
	if err != nil {
		return nil, err
	}
	out := &rpc.ReservesResult{}
	params := reservesParams{
		Caller:    trimmedCaller,
		Symbol:    trimmedSymbol,
		Recipient: trimmedRecipient,
		Amount:    normalizedAmount,
	}
	if err := c.call(ctx, "lend_withdrawReserves", params, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Mint credits freshly minted tokens to an account. Admin only.
func (c *Client) Mint(ctx context.Context, caller, symbol, to, amount string, opts ...CallOption) (*rpc.MintResult, error) {
	trimmedCaller, err := requireField("caller address", caller)
	if err != nil {
		return nil, err
	}
	trimmedSymbol, err := requireField("token symbol", symbol)
	if err != nil {
		return nil, err
	}
	trimmedTo, err := requireField("recipient address", to)
	if err != nil {
		return nil, err
	}
	normalizedAmount, err := ensurePositiveAmount("mint", amount)
	if err != nil {
		return nil, err
	}
	out := &rpc.MintResult{}
	params := mintParams{Caller: trimmedCaller, Symbol: trimmedSymbol, To: trimmedTo, Amount: normalizedAmount}
	if err := c.call(ctx, "bank_mint", params, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Accrue folds accumulated interest into a market's indexes and returns the
// refreshed snapshot. The call is permissionless; accrual is idempotent
// within a timestamp.
func (c *Client) Accrue(ctx context.Context, symbol string) (*rpc.MarketResult, error) {
	trimmedSymbol, err := requireField("market symbol", symbol)
	if err != nil {
		return nil, err
	}
	out := &rpc.MarketResult{}
	if err := c.call(ctx, "lend_accrue", symbolParams{Symbol: trimmedSymbol}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Pause halts mutating lending operations. Admin only.
func (c *Client) Pause(ctx context.Context, caller string) (*rpc.PauseResult, error) {
	return c.setPaused(ctx, "lend_pause", caller)
}

// Resume lifts a pause. Admin only.
func (c *Client) Resume(ctx context.Context, caller string) (*rpc.PauseResult, error) {
	return c.setPaused(ctx, "lend_resume", caller)
}

func (c *Client) setPaused(ctx context.Context, method, caller string) (*rpc.PauseResult, error) {
	trimmedCaller, err := requireField("caller address", caller)
	if err != nil {
		return nil, err
	}
	out := &rpc.PauseResult{}
	if err := c.call(ctx, method, callerParams{Caller: trimmedCaller}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func buildAmountParams(address, symbol, label, amount string) (amountParams, error) {
	trimmedAddress, err := requireField("account address", address)
	if err != nil {
		return amountParams{}, err
	}
	trimmedSymbol, err := requireField("market symbol", symbol)
	if err != nil {
		return amountParams{}, err
	}
	normalizedAmount, err := ensurePositiveAmount(label, amount)
	if err != nil {
		return amountParams{}, err
	}
	return amountParams{Address: trimmedAddress, Symbol: trimmedSymbol, Amount: normalizedAmount}, nil
}
