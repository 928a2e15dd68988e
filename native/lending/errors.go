package lending

import (
	"errors"
	"fmt"

	nativecommon "lendex/native/common"
)

// Failure kinds. Every domain error returned by the engine wraps exactly one
// of these, so callers can classify failures with errors.Is while still
// reading a specific message.
var (
	// ErrValidation marks malformed or out-of-range input.
	ErrValidation = errors.New("lending: validation failed")
	// ErrState marks operations that are impossible given current state.
	ErrState = errors.New("lending: state conflict")
	// ErrAuthorization marks privileged operations invoked by non-admins.
	ErrAuthorization = errors.New("lending: not authorized")
	// ErrHealth marks operations rejected by the solvency threshold.
	ErrHealth = errors.New("lending: health check failed")
	// ErrTransfer marks failed token movements.
	ErrTransfer = errors.New("lending: token transfer failed")
)

// Wiring errors. These indicate a mis-assembled engine rather than a domain
// failure and deliberately stay outside the kind taxonomy.
var (
	errNilState  = errors.New("lending engine: state not configured")
	errNilOracle = errors.New("lending engine: price oracle not configured")
	errNilTokens = errors.New("lending engine: token ledger not configured")
)

var (
	errInvalidAmount    = fmt.Errorf("%w: amount must be positive", ErrValidation)
	errInvalidSymbol    = fmt.Errorf("%w: market symbol must be 1-16 letters or digits", ErrValidation)
	errFactorRange      = fmt.Errorf("%w: factor exceeds 10000 basis points", ErrValidation)
	errMarketExists     = fmt.Errorf("%w: market already listed", ErrValidation)
	errSelfLiquidation  = fmt.Errorf("%w: borrower cannot liquidate their own position", ErrValidation)
	errRepayExceedsDebt = fmt.Errorf("%w: repay amount exceeds outstanding debt", ErrValidation)

	errMarketNotListed = fmt.Errorf("%w: market not listed", ErrState)
	// errModulePaused carries both the state kind and the shared pause
	// sentinel so callers can match either.
	errModulePaused           = fmt.Errorf("%w: %w", ErrState, nativecommon.ErrModulePaused)
	errInsufficientBalance    = fmt.Errorf("%w: insufficient supplied balance", ErrState)
	errInsufficientLiquidity  = fmt.Errorf("%w: insufficient market liquidity", ErrState)
	errInsufficientCollateral = fmt.Errorf("%w: insufficient seizable collateral", ErrState)
	errInsufficientReserves   = fmt.Errorf("%w: insufficient accrued reserves", ErrState)
	errNoDebt                 = fmt.Errorf("%w: no outstanding debt", ErrState)

	errNotAdmin = fmt.Errorf("%w: caller is not the market administrator", ErrAuthorization)

	errBelowMinRatio   = fmt.Errorf("%w: health factor below minimum collateral ratio", ErrHealth)
	errNotLiquidatable = fmt.Errorf("%w: borrower health factor meets minimum collateral ratio", ErrHealth)
)

// transferFailed wraps a token ledger refusal. A false return without an error
// still aborts the operation.
func transferFailed(direction, symbol string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransfer, direction, symbol, err)
	}
	return fmt.Errorf("%w: %s %s rejected", ErrTransfer, direction, symbol)
}
