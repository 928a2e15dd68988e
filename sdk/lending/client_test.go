package lending

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lendex/core"
	"lendex/core/events"
	"lendex/crypto"
	"lendex/oracle"
	"lendex/rpc"
	"lendex/storage"
	"lendex/storage/journal"
)

func sdkAddress(fill byte) crypto.Address {
	buf := make([]byte, 20)
	for i := range buf {
		buf[i] = fill
	}
	return crypto.NewAddress(crypto.LendexPrefix, buf)
}

var (
	sdkVault = sdkAddress(0x01)
	sdkAdmin = sdkAddress(0x02)
)

func newTestBackend(t *testing.T, replay *storage.ReplayCache) *httptest.Server {
	t.Helper()
	node := core.NewNode(storage.NewState(storage.NewMemDB()), sdkVault, sdkAdmin)
	prices := oracle.NewManualOracle()
	if err := prices.SetDecimal("USDX", "1", time.Unix(1_700_000_000, 0)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	node.SetOracle(prices)
	node.SetNowFunc(func() int64 { return 1_700_000_000 })
	server := rpc.NewServer(node, replay, rpc.ServerConfig{AuthToken: "secret"})
	backend := httptest.NewServer(server.Handler())
	t.Cleanup(backend.Close)
	return backend
}

func newTestClient(t *testing.T, backend *httptest.Server, opts ...Option) *Client {
	t.Helper()
	client, err := New(backend.URL, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestClientLendingFlow(t *testing.T) {
	backend := newTestBackend(t, nil)
	client := newTestClient(t, backend, WithAuthToken("secret"))
	ctx := context.Background()
	supplier := sdkAddress(0x21).String()

	listed, err := client.ListMarket(ctx, sdkAdmin.String(), "USDX", 7500, 1000)
	if err != nil {
		t.Fatalf("list market: %v", err)
	}
	if !strings.HasPrefix(listed.TxHash, "0x") || len(listed.TxHash) != 66 {
		t.Fatalf("unexpected receipt hash %q", listed.TxHash)
	}
	if listed.Market.Symbol != "USDX" || listed.Market.CollateralFactorBps != 7500 {
		t.Fatalf("unexpected market payload: %+v", listed.Market)
	}

	minted, err := client.Mint(ctx, sdkAdmin.String(), "USDX", supplier, "1000")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if minted.Amount != "1000" || minted.Address != supplier {
		t.Fatalf("unexpected mint payload: %+v", minted)
	}

	supplied, err := client.Supply(ctx, supplier, "USDX", "400")
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supplied.Balance != "400" {
		t.Fatalf("expected supply balance 400, got %q", supplied.Balance)
	}

	borrowed, err := client.Borrow(ctx, supplier, "USDX", "100")
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if borrowed.Debt != "100" {
		t.Fatalf("expected debt 100, got %q", borrowed.Debt)
	}

	health, err := client.HealthFactor(ctx, supplier)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if health.DebtFree {
		t.Fatalf("expected outstanding debt, got %+v", health)
	}
	if health.HealthFactor != "3.000000" {
		t.Fatalf("expected health factor 3.000000, got %q", health.HealthFactor)
	}

	// Over-repaying clamps to the outstanding balance.
	repaid, err := client.Repay(ctx, supplier, "USDX", "500")
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Repaid != "100" {
		t.Fatalf("expected clamped repay of 100, got %q", repaid.Repaid)
	}
	health, err = client.HealthFactor(ctx, supplier)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if !health.DebtFree {
		t.Fatalf("expected debt-free account, got %+v", health)
	}

	withdrawn, err := client.Withdraw(ctx, supplier, "USDX", "50")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn.Balance != "350" {
		t.Fatalf("expected remaining supply 350, got %q", withdrawn.Balance)
	}

	balance, err := client.Balance(ctx, "USDX", supplier)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Balance != "650" {
		t.Fatalf("expected bank balance 650, got %q", balance.Balance)
	}

	market, err := client.GetMarket(ctx, "USDX")
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if market.TotalSupplied != "350" || market.TotalBorrowed != "0" {
		t.Fatalf("unexpected market totals: %+v", market)
	}

	markets, err := client.ListMarkets(ctx)
	if err != nil {
		t.Fatalf("list markets: %v", err)
	}
	if len(markets) != 1 || markets[0].Symbol != "USDX" {
		t.Fatalf("unexpected market list: %+v", markets)
	}

	position, err := client.GetSupplyPosition(ctx, "USDX", supplier)
	if err != nil {
		t.Fatalf("supply position: %v", err)
	}
	if position.Balance != "350" {
		t.Fatalf("expected supply position 350, got %q", position.Balance)
	}
	debtPosition, err := client.GetBorrowPosition(ctx, "USDX", supplier)
	if err != nil {
		t.Fatalf("borrow position: %v", err)
	}
	if debtPosition.Balance != "0" {
		t.Fatalf("expected cleared borrow position, got %q", debtPosition.Balance)
	}
}

func TestClientSurfacesNodeErrors(t *testing.T) {
	backend := newTestBackend(t, nil)
	ctx := context.Background()
	supplier := sdkAddress(0x22).String()

	anonymous := newTestClient(t, backend)
	_, err := anonymous.Supply(ctx, supplier, "USDX", "100")
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeUnauthorized {
		t.Fatalf("expected unauthorized rpc error, got %v", err)
	}

	client := newTestClient(t, backend, WithAuthToken("secret"))
	_, err = client.GetMarket(ctx, "MISSING")
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeStateConflict {
		t.Fatalf("expected state conflict for unlisted market, got %v", err)
	}

	// Malformed amounts never reach the wire.
	_, err = client.Supply(ctx, supplier, "USDX", "0")
	if err == nil || errors.As(err, &rpcErr) {
		t.Fatalf("expected local validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "positive") {
		t.Fatalf("unexpected validation message: %v", err)
	}
	_, err = client.Borrow(ctx, "", "USDX", "10")
	if err == nil || !strings.Contains(err.Error(), "address required") {
		t.Fatalf("expected missing address error, got %v", err)
	}
}

func TestClientIdempotentReplay(t *testing.T) {
	replay, err := storage.NewReplayCache(filepath.Join(t.TempDir(), "replay.db"), time.Hour)
	if err != nil {
		t.Fatalf("open replay cache: %v", err)
	}
	t.Cleanup(func() {
		_ = replay.Close()
	})
	backend := newTestBackend(t, replay)
	client := newTestClient(t, backend, WithAuthToken("secret"))
	ctx := context.Background()
	recipient := sdkAddress(0x23).String()

	if _, err := client.ListMarket(ctx, sdkAdmin.String(), "USDX", 7500, 1000); err != nil {
		t.Fatalf("list market: %v", err)
	}

	first, err := client.Mint(ctx, sdkAdmin.String(), "USDX", recipient, "1000", WithIdempotencyKey("mint-1"))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	replayed, err := client.Mint(ctx, sdkAdmin.String(), "USDX", recipient, "1000", WithIdempotencyKey("mint-1"))
	if err != nil {
		t.Fatalf("replayed mint: %v", err)
	}
	if replayed.TxHash != first.TxHash {
		t.Fatalf("expected recorded receipt on replay, got %q and %q", first.TxHash, replayed.TxHash)
	}
	balance, err := client.Balance(ctx, "USDX", recipient)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Balance != "1000" {
		t.Fatalf("replayed mint must not re-execute, balance %q", balance.Balance)
	}

	if _, err := client.Mint(ctx, sdkAdmin.String(), "USDX", recipient, "1000", WithIdempotencyKey("mint-2")); err != nil {
		t.Fatalf("second mint: %v", err)
	}
	balance, err = client.Balance(ctx, "USDX", recipient)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Balance != "2000" {
		t.Fatalf("expected fresh key to execute, balance %q", balance.Balance)
	}
}

func nextEntry(t *testing.T, entries <-chan journal.Entry) journal.Entry {
	t.Helper()
	select {
	case entry, ok := <-entries:
		if !ok {
			t.Fatalf("event stream closed early")
		}
		return entry
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return journal.Entry{}
}

func TestClientEventStream(t *testing.T) {
	backend := newTestBackend(t, nil)
	client := newTestClient(t, backend, WithAuthToken("secret"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	supplier := sdkAddress(0x24).String()

	if _, err := client.ListMarket(ctx, sdkAdmin.String(), "USDX", 7500, 1000); err != nil {
		t.Fatalf("list market: %v", err)
	}
	if _, err := client.Mint(ctx, sdkAdmin.String(), "USDX", supplier, "1000"); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := client.Supply(ctx, supplier, "USDX", "400"); err != nil {
		t.Fatalf("supply: %v", err)
	}

	streamCtx, stop := context.WithCancel(ctx)
	defer stop()
	entries, err := client.Events(streamCtx, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Mint is a plain bank credit and never reaches the journal, so the
	// backlog starts with the listing.
	entry := nextEntry(t, entries)
	if entry.Type != events.TypeMarketListed || entry.Sequence != 1 {
		t.Fatalf("unexpected first entry: %+v", entry)
	}
	entry = nextEntry(t, entries)
	if entry.Type != events.TypeSupply || entry.Sequence != 2 {
		t.Fatalf("unexpected second entry: %+v", entry)
	}
	if entry.Attributes["amount"] != "400" {
		t.Fatalf("unexpected supply attributes: %+v", entry.Attributes)
	}

	// Live entries follow the backlog on the same stream.
	if _, err := client.Borrow(ctx, supplier, "USDX", "100"); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	entry = nextEntry(t, entries)
	if entry.Type != events.TypeBorrow || entry.Sequence != 3 {
		t.Fatalf("unexpected live entry: %+v", entry)
	}

	stop()
	deadline := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case _, ok := <-entries:
			open = ok
		case <-deadline:
			t.Fatalf("timed out waiting for stream close")
		}
	}

	resumed, err := client.Events(ctx, 2)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	entry = nextEntry(t, resumed)
	if entry.Type != events.TypeBorrow || entry.Sequence != 3 {
		t.Fatalf("expected resume after cursor, got %+v", entry)
	}
}

func TestEventsURLDerivation(t *testing.T) {
	client, err := New("http://127.0.0.1:8545")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	target, err := client.eventsURL(0)
	if err != nil {
		t.Fatalf("events url: %v", err)
	}
	if target != "ws://127.0.0.1:8545/ws/events" {
		t.Fatalf("unexpected events url %q", target)
	}

	client, err = New("https://node.example.com/rpc")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	target, err = client.eventsURL(7)
	if err != nil {
		t.Fatalf("events url: %v", err)
	}
	if target != "wss://node.example.com/rpc/ws/events?cursor=7" {
		t.Fatalf("unexpected events url %q", target)
	}
}

func TestNewRejectsBadEndpoints(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
	if _, err := New("ftp://example.com"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}
