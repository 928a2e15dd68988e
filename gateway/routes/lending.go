package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// lendingRoutes exposes the user-facing lending surface as REST handlers
// bridged onto the node's lend_* RPC methods. Request bodies reuse the RPC
// parameter shapes, so the gateway adds routing and policy, not translation.
type lendingRoutes struct {
	bridge *rpcBridge
}

type amountRequest struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Amount  string `json:"amount"`
}

type liquidateRequest struct {
	Liquidator       string `json:"liquidator"`
	Borrower         string `json:"borrower"`
	RepaySymbol      string `json:"repaySymbol"`
	CollateralSymbol string `json:"collateralSymbol"`
	RepayAmount      string `json:"repayAmount"`
}

type symbolParams struct {
	Symbol string `json:"symbol"`
}

type positionParams struct {
	Symbol  string `json:"symbol"`
	Address string `json:"address"`
}

type addressParams struct {
	Address string `json:"address"`
}

func newLendingRoutes(bridge *rpcBridge) *lendingRoutes {
	return &lendingRoutes{bridge: bridge}
}

func (lr *lendingRoutes) mount(r chi.Router) {
	r.Get("/markets", lr.listMarkets)
	r.Get("/markets/{symbol}", lr.getMarket)
	r.Post("/markets/{symbol}/accrue", lr.accrueMarket)
	r.Get("/markets/{symbol}/positions/{address}/supply", lr.getSupplyPosition)
	r.Get("/markets/{symbol}/positions/{address}/borrow", lr.getBorrowPosition)
	r.Get("/accounts/{address}/health", lr.healthFactor)
	r.Get("/balances/{symbol}/{address}", lr.bankBalance)
	r.Post("/supply", lr.supply)
	r.Post("/withdraw", lr.withdraw)
	r.Post("/borrow", lr.borrow)
	r.Post("/repay", lr.repay)
	r.Post("/liquidate", lr.liquidate)
}

func (lr *lendingRoutes) listMarkets(w http.ResponseWriter, r *http.Request) {
	lr.bridge.forward(w, r, "lend_listMarkets", nil)
}

func (lr *lendingRoutes) getMarket(w http.ResponseWriter, r *http.Request) {
	lr.bridge.forward(w, r, "lend_getMarket", symbolParams{Symbol: chi.URLParam(r, "symbol")})
}

func (lr *lendingRoutes) accrueMarket(w http.ResponseWriter, r *http.Request) {
	lr.bridge.forward(w, r, "lend_accrue", symbolParams{Symbol: chi.URLParam(r, "symbol")})
}

func (lr *lendingRoutes) getSupplyPosition(w http.ResponseWriter, r *http.Request) {
	lr.bridge.forward(w, r, "lend_getSupplyPosition", positionParams{
		Symbol:  chi.URLParam(r, "symbol"),
		Address: chi.URLParam(r, "address"),
	})
}

func (lr *lendingRoutes) getBorrowPosition(w http.ResponseWriter, r *http.Request) {
	lr.bridge.forward(w, r, "lend_getBorrowPosition", positionParams{
		Symbol:  chi.URLParam(r, "symbol"),
		Address: chi.URLParam(r, "address"),
	})
}

func (lr *lendingRoutes) healthFactor(w http.ResponseWriter, r *http.Request) {
	lr.bridge.forward(w, r, "lend_healthFactor", addressParams{Address: chi.URLParam(r, "address")})
}

func (lr *lendingRoutes) bankBalance(w http.ResponseWriter, r *http.Request) {
	lr.bridge.forward(w, r, "bank_balance", positionParams{
		Symbol:  chi.URLParam(r, "symbol"),
		Address: chi.URLParam(r, "address"),
	})
}

func (lr *lendingRoutes) supply(w http.ResponseWriter, r *http.Request) {
	lr.forwardAmount(w, r, "lend_supply")
}

func (lr *lendingRoutes) withdraw(w http.ResponseWriter, r *http.Request) {
	lr.forwardAmount(w, r, "lend_withdraw")
}

func (lr *lendingRoutes) borrow(w http.ResponseWriter, r *http.Request) {
	lr.forwardAmount(w, r, "lend_borrow")
}

func (lr *lendingRoutes) repay(w http.ResponseWriter, r *http.Request) {
	lr.forwardAmount(w, r, "lend_repay")
}

func (lr *lendingRoutes) forwardAmount(w http.ResponseWriter, r *http.Request, method string) {
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	lr.bridge.forward(w, r, method, req)
}

func (lr *lendingRoutes) liquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	lr.bridge.forward(w, r, "lend_liquidate", req)
}
