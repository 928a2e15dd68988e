package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// adminRoutes carries the operator controls: listing markets, pausing the
// module, draining reserves and minting test funds. The router guards this
// group with the admin scope; the node additionally checks the caller address.
type adminRoutes struct {
	bridge *rpcBridge
}

type listMarketRequest struct {
	Caller              string `json:"caller"`
	Symbol              string `json:"symbol"`
	CollateralFactorBps uint64 `json:"collateralFactorBps"`
	ReserveFactorBps    uint64 `json:"reserveFactorBps"`
}

type pauseRequest struct {
	Caller string `json:"caller"`
}

type reservesRequest struct {
	Caller    string `json:"caller"`
	Symbol    string `json:"symbol"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type mintRequest struct {
	Caller string `json:"caller"`
	Symbol string `json:"symbol"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func newAdminRoutes(bridge *rpcBridge) *adminRoutes {
	return &adminRoutes{bridge: bridge}
}

func (ar *adminRoutes) mount(r chi.Router) {
	r.Post("/markets", ar.listMarket)
	r.Post("/pause", ar.pause)
	r.Post("/resume", ar.resume)
	r.Post("/reserves/withdraw", ar.withdrawReserves)
	r.Post("/mint", ar.mint)
}

func (ar *adminRoutes) listMarket(w http.ResponseWriter, r *http.Request) {
	var req listMarketRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	ar.bridge.forward(w, r, "lend_listMarket", req)
}

func (ar *adminRoutes) pause(w http.ResponseWriter, r *http.Request) {
	ar.forwardPause(w, r, "lend_pause")
}

func (ar *adminRoutes) resume(w http.ResponseWriter, r *http.Request) {
	ar.forwardPause(w, r, "lend_resume")
}

func (ar *adminRoutes) forwardPause(w http.ResponseWriter, r *http.Request, method string) {
	var req pauseRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	ar.bridge.forward(w, r, method, req)
}

func (ar *adminRoutes) withdrawReserves(w http.ResponseWriter, r *http.Request) {
	var req reservesRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	ar.bridge.forward(w, r, "lend_withdrawReserves", req)
}

func (ar *adminRoutes) mint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	ar.bridge.forward(w, r, "bank_mint", req)
}
