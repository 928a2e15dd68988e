package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"lendex/crypto"
	"lendex/rpc/modules"
)

func writeModuleError(w http.ResponseWriter, id interface{}, err *modules.ModuleError) {
	if err == nil {
		writeError(w, http.StatusInternalServerError, id, codeServerError, "unknown module failure", nil)
		return
	}
	writeError(w, err.HTTPStatus, id, err.Code, err.Message, err.Data)
}

func decodeAddressParam(value string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("address required")
	}
	return crypto.DecodeAddress(trimmed)
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

type lendListMarketParams struct {
	Caller              string `json:"caller"`
	Symbol              string `json:"symbol"`
	CollateralFactorBps uint64 `json:"collateralFactorBps"`
	ReserveFactorBps    uint64 `json:"reserveFactorBps"`
}

type lendAmountParams struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Amount  string `json:"amount"`
}

type lendLiquidateParams struct {
	Liquidator       string `json:"liquidator"`
	Borrower         string `json:"borrower"`
	RepaySymbol      string `json:"repaySymbol"`
	CollateralSymbol string `json:"collateralSymbol"`
	RepayAmount      string `json:"repayAmount"`
}

type lendReservesParams struct {
	Caller    string `json:"caller"`
	Symbol    string `json:"symbol"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type lendPauseParams struct {
	Caller string `json:"caller"`
}

type lendSymbolParams struct {
	Symbol string `json:"symbol"`
}

type lendPositionParams struct {
	Symbol  string `json:"symbol"`
	Address string `json:"address"`
}

type lendAddressParams struct {
	Address string `json:"address"`
}

type bankMintParams struct {
	Caller string `json:"caller"`
	Symbol string `json:"symbol"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type bankBalanceParams struct {
	Symbol  string `json:"symbol"`
	Address string `json:"address"`
}

func (s *Server) handleLendListMarket(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	var params lendListMarketParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	caller, err := decodeAddressParam(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	market, txHash, modErr := s.lending.ListMarket(caller, strings.TrimSpace(params.Symbol), params.CollateralFactorBps, params.ReserveFactorBps)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, ListMarketResult{TxHash: txHash, Market: formatMarket(market)})
}

// handleLendAmountTx funnels the supply/withdraw/borrow/repay handlers
// through one parse-decode-call path; build shapes the operation-specific
// result.
func (s *Server) handleLendAmountTx(w http.ResponseWriter, req *RPCRequest, call func(crypto.Address, string, *big.Int) (*big.Int, string, *modules.ModuleError), build func(addr, symbol string, value *big.Int, txHash string) interface{}) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	var params lendAmountParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	addr, err := decodeAddressParam(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	symbol := strings.TrimSpace(params.Symbol)
	value, txHash, modErr := call(addr, symbol, amount)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, build(addr.String(), symbol, value, txHash))
}

func (s *Server) handleLendSupply(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleLendAmountTx(w, req, s.lending.Supply, func(addr, symbol string, value *big.Int, txHash string) interface{} {
		return SupplyResult{TxHash: txHash, Address: addr, Symbol: symbol, Balance: formatAmount(value)}
	})
}

func (s *Server) handleLendWithdraw(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleLendAmountTx(w, req, s.lending.Withdraw, func(addr, symbol string, value *big.Int, txHash string) interface{} {
		return WithdrawResult{TxHash: txHash, Address: addr, Symbol: symbol, Balance: formatAmount(value)}
	})
}

func (s *Server) handleLendBorrow(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleLendAmountTx(w, req, s.lending.Borrow, func(addr, symbol string, value *big.Int, txHash string) interface{} {
		return BorrowResult{TxHash: txHash, Address: addr, Symbol: symbol, Debt: formatAmount(value)}
	})
}

func (s *Server) handleLendRepay(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleLendAmountTx(w, req, s.lending.Repay, func(addr, symbol string, value *big.Int, txHash string) interface{} {
		return RepayResult{TxHash: txHash, Address: addr, Symbol: symbol, Repaid: formatAmount(value)}
	})
}

func (s *Server) handleLendLiquidate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	var params lendLiquidateParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	liquidator, err := decodeAddressParam(params.Liquidator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid liquidator address", err.Error())
		return
	}
	borrower, err := decodeAddressParam(params.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid borrower address", err.Error())
		return
	}
	amount, err := parseAmount(params.RepayAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid repay amount", err.Error())
		return
	}
	repaySymbol := strings.TrimSpace(params.RepaySymbol)
	collateralSymbol := strings.TrimSpace(params.CollateralSymbol)
	repaid, seized, txHash, modErr := s.lending.Liquidate(liquidator, borrower, repaySymbol, collateralSymbol, amount)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, LiquidateResult{
		TxHash:           txHash,
		Liquidator:       liquidator.String(),
		Borrower:         borrower.String(),
		RepaySymbol:      repaySymbol,
		CollateralSymbol: collateralSymbol,
		Repaid:           formatAmount(repaid),
		Seized:           formatAmount(seized),
	})
}

func (s *Server) handleLendWithdrawReserves(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	var params lendReservesParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	caller, err := decodeAddressParam(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	recipient, err := decodeAddressParam(params.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid recipient address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	symbol := strings.TrimSpace(params.Symbol)
	remaining, txHash, modErr := s.lending.WithdrawReserves(caller, symbol, recipient, amount)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, ReservesResult{
		TxHash:    txHash,
		Symbol:    symbol,
		Recipient: recipient.String(),
		Withdrawn: amount.String(),
		Remaining: formatAmount(remaining),
	})
}

func (s *Server) handleLendSetPaused(w http.ResponseWriter, req *RPCRequest, paused bool) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	var params lendPauseParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	caller, err := decodeAddressParam(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	if modErr := s.lending.SetPaused(caller, paused); modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, PauseResult{Paused: paused})
}

func (s *Server) handleLendAccrue(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	var params lendSymbolParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	market, modErr := s.lending.Accrue(strings.TrimSpace(params.Symbol))
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, formatMarket(market))
}

func (s *Server) handleLendGetMarket(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	var params lendSymbolParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	market, modErr := s.lending.GetMarket(strings.TrimSpace(params.Symbol))
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, formatMarket(market))
}

func (s *Server) handleLendListMarkets(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
		return
	}
	markets, modErr := s.lending.ListMarkets()
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	results := make([]MarketResult, len(markets))
	for i, market := range markets {
		results[i] = formatMarket(market)
	}
	writeResult(w, req.ID, results)
}

func (s *Server) handleLendGetSupplyPosition(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	symbol, addr, ok := s.decodePositionParams(w, req)
	if !ok {
		return
	}
	position, modErr := s.lending.GetSupplyPosition(symbol, addr)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, formatSupplyPosition(addr, symbol, position))
}

func (s *Server) handleLendGetBorrowPosition(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	symbol, addr, ok := s.decodePositionParams(w, req)
	if !ok {
		return
	}
	position, modErr := s.lending.GetBorrowPosition(symbol, addr)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, formatBorrowPosition(addr, symbol, position))
}

func (s *Server) decodePositionParams(w http.ResponseWriter, req *RPCRequest) (string, crypto.Address, bool) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return "", crypto.Address{}, false
	}
	var params lendPositionParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return "", crypto.Address{}, false
	}
	addr, err := decodeAddressParam(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return "", crypto.Address{}, false
	}
	return strings.TrimSpace(params.Symbol), addr, true
}

func (s *Server) handleLendHealthFactor(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	var params lendAddressParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	addr, err := decodeAddressParam(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	health, modErr := s.lending.HealthFactor(addr)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, formatHealthFactor(addr, health))
}

func (s *Server) handleBankMint(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	var params bankMintParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	caller, err := decodeAddressParam(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address", err.Error())
		return
	}
	to, err := decodeAddressParam(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid recipient address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	symbol := strings.TrimSpace(params.Symbol)
	txHash, modErr := s.lending.Mint(caller, symbol, to, amount)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, MintResult{TxHash: txHash, Address: to.String(), Symbol: symbol, Amount: amount.String()})
}

func (s *Server) handleBankBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	var params bankBalanceParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	addr, err := decodeAddressParam(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	symbol := strings.TrimSpace(params.Symbol)
	balance, modErr := s.lending.BalanceOf(symbol, addr)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, BalanceResult{Address: addr.String(), Symbol: symbol, Balance: formatAmount(balance)})
}
